package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"dmrelay/db"
	"dmrelay/delivery"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/rs/zerolog"
)

type Server struct {
	db       *db.DB
	router   *delivery.Router
	registry *presence.Registry
	config   *ServerConfig
	log      zerolog.Logger

	mu       sync.RWMutex
	conns    map[*Conn]*delivery.Session
	listener net.Listener
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(database *db.DB, router *delivery.Router, registry *presence.Registry, config *ServerConfig, logger zerolog.Logger) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}

	return &Server{
		db:       database,
		router:   router,
		registry: registry,
		config:   config,
		log:      logger.With().Str("component", "line-server").Logger(),
		conns:    make(map[*Conn]*delivery.Session),
	}
}

// Start listens on the configured port and serves until the listener closes.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("line server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("error accepting connection")
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	remoteAddr := netConn.RemoteAddr().String()
	conn := newConn(netConn, s.config.WriteTimeout, s.log)
	session := delivery.NewSession(s.router, conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	s.conns[conn] = session
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop()
	}()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()

		session.Close()
		conn.Close()
		<-writerDone

		if userID := session.UserID(); userID != 0 {
			s.log.Info().Int64("user_id", userID).Str("remote", remoteAddr).Msg("client disconnected")
		} else {
			s.log.Info().Str("remote", remoteAddr).Msg("client disconnected")
		}
	}()

	s.log.Info().Str("remote", remoteAddr).Msg("new client connected")

	reader := bufio.NewReader(netConn)
	for {
		netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Info().Str("remote", remoteAddr).Msg("client timed out")
				conn.sendPacket("bye", "timeout")
				return
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Warn().Err(err).Str("remote", remoteAddr).Msg("read failed")
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// credentials are never logged
		if !strings.HasPrefix(line, "auth|") && !strings.HasPrefix(line, "reg|") {
			s.log.Debug().Str("remote", remoteAddr).Str("line", line).Msg("received")
		}

		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			conn.sendError("", "Invalid packet format")
			continue
		}

		if !s.handlePacket(ctx, session, conn, pkt) {
			return
		}
	}
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	s.mu.RLock()
	connections := len(s.conns)
	s.mu.RUnlock()

	var users []string
	for _, id := range s.registry.Online() {
		users = append(users, strconv.FormatInt(id, 10))
	}

	return "connections=" + strconv.Itoa(connections) + ",online=" + strings.Join(users, ";")
}

// Shutdown sends bye with reason to every client and closes all connections.
// completionTime may be zero.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var details []string
	if reason != "" {
		details = append(details, reason)
	}
	if !completionTime.IsZero() {
		details = append(details, completionTime.UTC().Format(time.RFC3339))
	}

	for _, c := range conns {
		c.sendPacket("bye", details...)
		c.Close()
	}
	s.log.Info().Int("connections", len(conns)).Str("reason", reason).Msg("line server shut down")
}
