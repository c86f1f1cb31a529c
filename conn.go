package main

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// Conn is a TCP connection to a client.
//
// All writes go through a single mutex so that concurrent broadcasters
// never interleave bytes within a line.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	// Guards all writes to the socket.
	writeMutex sync.Mutex

	IP net.IP
}

// NewConn initializes a Conn struct.
func NewConn(conn net.Conn) *Conn {
	var ip net.IP
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = tcpAddr.IP
	}

	return &Conn{
		conn: conn,
		r:    bufio.NewReader(conn),
		IP:   ip,
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadLine reads a single line from the connection. The line includes its
// ending (LF or CRLF).
//
// Lines longer than the protocol maximum are accepted. The parser truncates
// them to 512 bytes.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return line, errors.Wrap(err, "error reading")
	}

	return line, nil
}

// WriteMessage encodes and writes a protocol message.
//
// If serverTime is true, the line gets an IRCv3 @time tag. The tag is
// rendered per recipient at write time, so enabling the capability on one
// connection never affects another.
func (c *Conn) WriteMessage(m irc.Message, serverTime bool) error {
	buf, err := m.Encode()
	if err != nil && err != irc.ErrTruncated {
		return errors.Wrap(err, "error encoding message")
	}

	if serverTime {
		buf = "@time=" + time.Now().UTC().Format("2006-01-02T15:04:05.000Z") +
			" " + buf
	}

	return c.write(buf)
}

func (c *Conn) write(s string) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	sz, err := c.conn.Write([]byte(s))
	if err != nil {
		return errors.Wrap(err, "error writing")
	}

	if sz != len(s) {
		return errors.New("short write")
	}

	return nil
}
