package main

import (
	"bufio"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type shutdownRequest struct {
	reason     string
	completion time.Time
}

// controlSocket accepts management commands on a unix socket:
//
//	stats
//	shutdown[|reason[|completion RFC3339]]
type controlSocket struct {
	path     string
	log      zerolog.Logger
	stats    func() string
	shutdown chan shutdownRequest
	listener net.Listener
}

func newControlSocket(path string, logger zerolog.Logger, stats func() string) *controlSocket {
	return &controlSocket{
		path:     path,
		log:      logger.With().Str("component", "control").Logger(),
		stats:    stats,
		shutdown: make(chan shutdownRequest, 1),
	}
}

// Shutdown delivers shutdown commands.
func (c *controlSocket) Shutdown() <-chan shutdownRequest {
	return c.shutdown
}

// Listen replaces any stale socket file and binds the socket.
func (c *controlSocket) Listen() error {
	os.Remove(c.path)

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		return err
	}
	c.listener = listener
	c.log.Info().Str("path", c.path).Msg("control socket listening")
	return nil
}

func (c *controlSocket) Serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.handle(conn)
	}
}

func (c *controlSocket) Close() {
	if c.listener != nil {
		c.listener.Close()
	}
	os.Remove(c.path)
}

func (c *controlSocket) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + c.stats() + "\n"))

	case "shutdown":
		req := shutdownRequest{reason: "maintenance"}
		if len(parts) >= 2 && parts[1] != "" {
			req.reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			req.completion, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		select {
		case c.shutdown <- req:
		default:
			// already shutting down
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
