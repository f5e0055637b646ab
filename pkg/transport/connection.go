package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

// callback executed exactly once, after the last MessageHandler call returned.
type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for each inbound message; 0 waits forever.
	ReadTimeout time.Duration
	// PingInterval enables keepalive pings; a ping that is not answered
	// within the interval closes the connection.
	PingInterval time.Duration
	SendBuffer   int
}

const defaultSendBuffer = 256

var ErrSendBufferFull = errors.New("send buffer full")

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	closeErr  error
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
// Handlers run on this goroutine, so one connection's messages are handled in
// order and never concurrently.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
		if c.onClose != nil {
			c.onClose(c.id, c.closeErr)
		}
		c.wg.Done()
		close(c.done)
	}()

	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Read the full message. Use io.ReadAll for safety.
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Debug("Connection readpump failed to read message", slog.Any("error", err))
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.config.ReadTimeout)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				c.Close(err)
				return
			}
		case <-ping:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for the client. It never blocks: when the buffer is
// full the message is dropped and false is returned. It is safe for
// concurrent use.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("Dropping outbound message", slog.Any("error", ErrSendBufferFull))
		return false
	}
}

// gracefully shuts down the connection and its resources. It does not block;
// Done reports when the pumps have exited. Only the first reason is kept.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			// the close handshake waits up to 5s on the peer; callers such as
			// shutdown must not be held by an unresponsive client.
			go c.conn.Close(websocket.StatusNormalClosure, "")
		}
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
