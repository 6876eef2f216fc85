package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// Connection wraps a websocket with a single writer goroutine.
// Writes are queued on a buffered channel; frames still queued when Close is
// called are flushed before the socket is closed.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection starts the writer goroutine for conn
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

// ID is unique per accepted socket
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) writeLoop() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data); err != nil {
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGracePeriod))
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeFrame(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues v for delivery
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.done:
		return ErrConnectionClosed
	}
}

// Close flushes queued frames, sends a close frame and closes the socket.
// It is safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})

	select {
	case <-c.done:
	case <-time.After(c.writeTimeout + closeGracePeriod):
		return c.conn.Close()
	}
	return nil
}

// Done is closed once the writer has exited and the socket is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
