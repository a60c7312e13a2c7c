package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"dmrelay/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sendBufferSize = 256

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is one client connection. Lines are queued by Send and written by
// writeLoop, so Send never blocks on the network.
type Conn struct {
	id           string
	conn         net.Conn
	out          chan string
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          zerolog.Logger
}

func newConn(c net.Conn, writeTimeout time.Duration, logger zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		conn:         c,
		out:          make(chan string, sendBufferSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		log:          logger.With().Str("conn", id).Logger(),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues ev for writing. A connection whose buffer overflows is closed.
func (c *Conn) Send(ev protocol.Event) error {
	return c.enqueue(protocol.FormatEvent(ev))
}

func (c *Conn) enqueue(line string) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- line:
		return nil
	default:
		c.log.Warn().Msg("send buffer full, closing connection")
		c.Close()
		return ErrSendBufferFull
	}
}

func (c *Conn) sendPacket(pktType string, fields ...string) {
	c.enqueue(protocol.FormatPacket(pktType, fields...))
}

func (c *Conn) sendOK(operation string, fields ...string) {
	c.sendPacket("ok", append([]string{operation}, fields...)...)
}

func (c *Conn) sendError(operation, description string) {
	if operation != "" {
		c.sendPacket("fail", operation, description)
	} else {
		c.sendPacket("fail", description)
	}
}

// Close stops accepting lines. Lines already queued are still written.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) writeLoop() {
	defer c.conn.Close()

	for {
		select {
		case line := <-c.out:
			if err := c.write(line); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case line := <-c.out:
					if err := c.write(line); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(line string) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
		return err
	}
	return nil
}
