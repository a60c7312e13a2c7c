package ws

import (
	"errors"
	"sync"
	"time"

	"dmrelay/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBufferSize = 256

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client is one WebSocket connection. Frames are queued by Send and written
// by writePump.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newClient(conn *websocket.Conn, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  logger.With().Str("client", id).Logger(),
	}
}

func (c *Client) ID() string { return c.id }

// Send encodes ev and queues it. A client whose buffer is full is closed.
func (c *Client) Send(ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn().Msg("send buffer full, closing client")
		c.Close()
		return ErrSendBufferFull
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message, writeWait); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil, writeWait); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			for {
				select {
				case message := <-c.send:
					if err := c.write(websocket.TextMessage, message, writeWait); err != nil {
						return
					}
				default:
					c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), writeWait)
					return
				}
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte, writeWait time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
