package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/horgh/irc"
	"github.com/rs/zerolog"
)

// Client holds the state of one TCP connection.
//
// Identity fields (nick, username, tenant, token) accumulate here during
// registration. Once registration completes a User owns them logically, but
// the client keeps them for quick access on the write path.
type Client struct {
	// Locally unique identifier.
	ID uint64

	Conn *Conn

	Server *Server

	log zerolog.Logger

	// Canceled when the connection closes, so in-flight backend calls for
	// this connection get cut off (best effort).
	ctx    context.Context
	cancel context.CancelFunc

	// Guards the registration and capability fields below.
	mu sync.Mutex

	registered     bool
	capNegotiating bool
	closed         bool

	// Enabled capabilities.
	caps map[string]struct{}

	// Identity. Filled in by NICK/USER before registration.
	Nick       string
	Username   string
	RealName   string
	TenantName string

	// Access level and token from backend login. A non-blank token means
	// authentication succeeded.
	Access string
	Token  string

	// Set at registration.
	User *User

	ConnectedAt  time.Time
	LastActivity time.Time
}

// NewClient creates a Client.
func NewClient(s *Server, id uint64, conn net.Conn) *Client {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:           id,
		Conn:         NewConn(conn),
		Server:       s,
		log:          s.log.With().Uint64("cid", id).Logger(),
		ctx:          ctx,
		cancel:       cancel,
		caps:         make(map[string]struct{}),
		ConnectedAt:  now,
		LastActivity: now,
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("%d %s", c.ID, c.Conn.RemoteAddr())
}

func (c *Client) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) isCapNegotiating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capNegotiating
}

func (c *Client) setCapNegotiating(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capNegotiating = v
}

func (c *Client) hasCap(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.caps[name]
	return exists
}

func (c *Client) enableCap(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[name] = struct{}{}
}

func (c *Client) enabledCaps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps := make([]string, 0, len(c.caps))
	for name := range c.caps {
		caps = append(caps, name)
	}
	return caps
}

// readLoop reads lines from the connection, parses them, and dispatches
// until the socket dies or the server shuts down.
//
// Each connection runs its own loop; commands on one connection execute in
// arrival order while other connections make progress concurrently.
func (c *Client) readLoop() {
	defer c.Server.WG.Done()
	defer c.teardown()

	for {
		if c.Server.isShuttingDown() {
			return
		}

		line, err := c.Conn.ReadLine()
		if err != nil {
			c.log.Debug().Err(err).Msg("read error")
			return
		}

		// Empty lines are skipped, not an error.
		if strings.TrimRight(line, "\r\n") == "" {
			continue
		}

		message, err := irc.ParseMessage(line)
		if err != nil && err != irc.ErrTruncated {
			c.log.Debug().Str("line", strings.TrimRight(line, "\r\n")).
				Err(err).Msg("invalid message")
			continue
		}

		// We ignore any client-supplied prefix.
		message.Prefix = ""

		c.LastActivity = time.Now()
		c.Server.dispatch(c, message)

		if c.isClosed() {
			return
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed flags the connection as closing. Returns false if it already
// was, so the quit path runs at most once.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// send writes a message to the client, rendering per-recipient capability
// output (the server-time tag) at write time.
func (c *Client) send(m irc.Message) {
	if err := c.Conn.WriteMessage(m, c.hasCap("server-time")); err != nil {
		c.log.Debug().Err(err).Msg("write error")
	}
}

// messageFromServer sends an IRC message to the client that appears to be
// from the server.
func (c *Client) messageFromServer(command string, params []string) {
	// For numeric messages, we need to prepend the nick. Use * for the nick
	// in cases where the client doesn't have one yet.
	if isNumericCommand(command) {
		nick := "*"
		if len(c.Nick) > 0 {
			nick = c.Nick
		}
		newParams := []string{nick}
		newParams = append(newParams, params...)
		params = newParams
	}

	c.send(irc.Message{
		Prefix:  c.Server.Config.ServerName,
		Command: command,
		Params:  params,
	})
}

// numeric is shorthand for a numeric reply from the server.
func (c *Client) numeric(code string, params ...string) {
	c.messageFromServer(code, params)
}

// teardown runs when the read loop exits for any reason: QUIT, socket
// error, or server shutdown. It is safe to run after an explicit QUIT
// already cleaned up.
func (c *Client) teardown() {
	c.quit("Connection closed")
}

// quit closes the connection. If the client registered, we broadcast a QUIT
// to every channel the user was on, remove the user from the tenant graph,
// and garbage collect empty channels. Repeated quits have no effect.
//
// A connection that a reconnect superseded no longer carries its user, so
// its quit must not touch the user's state.
func (c *Client) quit(reason string) {
	if !c.markClosed() {
		return
	}

	c.cancel()

	u := c.User
	if u != nil && u.Tenant.ownsUser(u, c) {
		c.Server.removeUser(u, reason)
	}

	c.Server.Registry.removeAware(c)

	c.send(irc.Message{
		Command: "ERROR",
		Params:  []string{"Closing connection: " + reason},
	})

	if err := c.Conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("problem closing connection")
	}

	c.Server.forgetClient(c)

	c.log.Info().Str("reason", reason).Msg("connection closed")
}
