package main

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/horgh/irc"
	"github.com/rs/zerolog"
)

// Server holds the state for a server.
//
// It owns the listener, the per-connection clients, and the tenant
// registry. All per-tenant state hangs off the registry.
type Server struct {
	Config Config

	// Tenants plus the tenant-aware connection plane.
	Registry *Registry

	// The record API we bridge to.
	Backend *Backend

	// TCP listener.
	Listener net.Listener

	// When we close this channel, this indicates that we're shutting down.
	ShutdownChan chan struct{}

	// WaitGroup to ensure all goroutines clean up before we end.
	WG sync.WaitGroup

	log zerolog.Logger

	// Guards clients and nextID.
	mu sync.Mutex

	// Connection id to client. All connections, registered or not.
	clients map[uint64]*Client

	nextID uint64
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	args, err := getArgs()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid arguments")
	}

	server, err := newServer(args.ConfigFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration problem")
	}

	if err := server.start(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}

	server.log.Info().Msg("server shutdown cleanly")
}

func newServer(configFile string, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		Registry:     NewRegistry(),
		ShutdownChan: make(chan struct{}),
		clients:      make(map[uint64]*Client),
		log:          logger,
	}

	if err := s.checkAndParseConfig(configFile); err != nil {
		return nil, fmt.Errorf("configuration problem: %s", err)
	}

	level := zerolog.InfoLevel
	if s.Config.Debug {
		level = zerolog.DebugLevel
	}
	s.log = logger.Level(level)

	s.Backend = NewBackend(s.Config.BackendURL, s.log)

	return s, nil
}

// start opens the TCP port and accepts connections until shutdown.
func (s *Server) start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Config.ListenHost,
		s.Config.ListenPort))
	if err != nil {
		return fmt.Errorf("unable to listen: %s", err)
	}
	s.Listener = ln

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	s.acceptConnections()

	s.WG.Wait()

	return nil
}

// acceptConnections accepts TCP connections and starts a goroutine for
// each. The goroutine reads and dispatches that connection's lines; there
// is no central event loop.
func (s *Server) acceptConnections() {
	for {
		if s.isShuttingDown() {
			break
		}

		conn, err := s.Listener.Accept()
		if err != nil {
			if s.isShuttingDown() {
				break
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		client := NewClient(s, s.nextClientID(), conn)

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.log.Info().Uint64("cid", client.ID).
			Str("remote", conn.RemoteAddr().String()).Msg("new connection")

		s.WG.Add(1)
		go client.readLoop()
	}

	s.log.Info().Msg("connection accepter shutting down")
}

func (s *Server) nextClientID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	return id
}

// forgetClient drops a closed connection from the server's map.
func (s *Server) forgetClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, c.ID)
}

// shutdown starts server shutdown: stop accepting, then close every
// connection.
func (s *Server) shutdown() {
	s.log.Info().Msg("server shutdown initiated")

	close(s.ShutdownChan)

	if err := s.Listener.Close(); err != nil {
		s.log.Warn().Err(err).Msg("problem closing TCP listener")
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.quit("Server shutting down")
	}
}

// Return true if the server is shutting down.
func (s *Server) isShuttingDown() bool {
	select {
	case <-s.ShutdownChan:
		return true
	default:
		return false
	}
}

// removeUser broadcasts a QUIT to every channel the user is on, removes
// the user from all membership indices, garbage collects emptied channels,
// and emits TENANTPART if the tenant went inactive.
func (s *Server) removeUser(u *User, reason string) {
	t := u.Tenant

	quitMsg := irc.Message{
		Prefix:  u.prefix(),
		Command: "QUIT",
		Params:  []string{reason},
	}

	// Tell each user sharing a channel, once, excluding the quitter.
	told := map[*User]struct{}{u: {}}
	for _, ch := range t.channelsOf(u) {
		for _, member := range ch.memberList() {
			if _, exists := told[member]; exists {
				continue
			}
			told[member] = struct{}{}
			member.send(quitMsg)
		}

		t.partChannel(u, ch)
	}

	if s.Registry.detach(u) {
		s.notifyAware("TENANTPART", t.Name)
	}
}

// notifyAware broadcasts a tenant lifecycle line (TENANTJOIN/TENANTPART)
// to every tenant-aware connection.
func (s *Server) notifyAware(command, tenant string) {
	msg := irc.Message{
		Prefix:  s.Config.ServerName,
		Command: command,
		Params:  []string{tenant},
	}

	for _, c := range s.Registry.awareClients() {
		c.send(msg)
	}
}
