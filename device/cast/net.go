package cast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	SenderId   = "sender-0"
	ReceiverId = "receiver-0"

	ConnectionNamespace = "urn:x-cast:com.google.cast.tp.connection"
	HeartbeatNamespace  = "urn:x-cast:com.google.cast.tp.heartbeat"
	ReceiverNamespace   = "urn:x-cast:com.google.cast.receiver"

	defaultHeartbeatInterval = 5 * time.Second
	writeTimeout             = 2 * time.Second
)

var ErrConnectionClosed = errors.New("cast connection closed")

type typedPayload struct {
	Type string `json:"type"`
}

// Connection is one TLS connection to a cast device. A single goroutine reads frames and hands
// each message to the handlers registered for its namespace, in order.
type Connection struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string][]func(*Message)
	connected map[string]bool
	err       error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial opens a TLS connection to a cast device. Cast devices present self-signed certificates.
func Dial(ctx context.Context, host string, port uint16, timeout time.Duration, logger *zap.Logger) (*Connection, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not open cast connection to %s: %w", address, err)
	}
	return NewConnection(conn, defaultHeartbeatInterval, logger.With(zap.String("cast_address", address))), nil
}

// NewConnection takes ownership of conn, connects to the platform receiver and starts the read
// loop and heartbeat.
func NewConnection(conn net.Conn, heartbeatInterval time.Duration, logger *zap.Logger) *Connection {
	c := &Connection{
		conn:      conn,
		logger:    logger,
		handlers:  map[string][]func(*Message){},
		connected: map[string]bool{},
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	go c.heartbeat(heartbeatInterval)
	if err := c.Connect(ReceiverId); err != nil {
		c.closeWithError(err)
	}
	return c
}

// Handle registers handler for every message arriving on namespace.
func (c *Connection) Handle(namespace string, handler func(*Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[namespace] = append(c.handlers[namespace], handler)
}

// Connect opens a virtual connection to destinationId, once.
func (c *Connection) Connect(destinationId string) error {
	c.mu.Lock()
	if c.connected[destinationId] {
		c.mu.Unlock()
		return nil
	}
	c.connected[destinationId] = true
	c.mu.Unlock()
	return c.Send(SenderId, destinationId, ConnectionNamespace, typedPayload{Type: "CONNECT"})
}

// Send marshals payload as JSON and writes it as one message.
func (c *Connection) Send(sourceId, destinationId, namespace string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal payload for %s: %w", namespace, err)
	}
	return c.write(&Message{
		SourceId:      sourceId,
		DestinationId: destinationId,
		Namespace:     namespace,
		PayloadUtf8:   string(encoded),
	})
}

func (c *Connection) write(message *Message) error {
	select {
	case <-c.closed:
		return c.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("could not set write timeout on cast connection: %w", err)
	}
	if err := writeFrame(c.conn, message.Marshal()); err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

func (c *Connection) readLoop() {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrConnectionClosed
			}
			c.closeWithError(err)
			return
		}
		message, err := UnmarshalMessage(frame)
		if err != nil {
			c.logger.Warn("Dropping malformed cast message", zap.Error(err))
			continue
		}
		c.dispatch(message)
	}
}

func (c *Connection) dispatch(message *Message) {
	switch message.Namespace {
	case HeartbeatNamespace:
		var payload typedPayload
		if err := json.Unmarshal([]byte(message.PayloadUtf8), &payload); err == nil && payload.Type == "PING" {
			if err := c.Send(message.DestinationId, message.SourceId, HeartbeatNamespace, typedPayload{Type: "PONG"}); err != nil {
				c.logger.Warn("Could not answer cast heartbeat", zap.Error(err))
			}
			return
		}
	case ConnectionNamespace:
		var payload typedPayload
		if err := json.Unmarshal([]byte(message.PayloadUtf8), &payload); err == nil && payload.Type == "CLOSE" {
			c.logger.Debug("Cast virtual connection closed by device", zap.String("source", message.SourceId))
			c.mu.Lock()
			delete(c.connected, message.SourceId)
			c.mu.Unlock()
		}
	}
	c.mu.Lock()
	handlers := append([]func(*Message){}, c.handlers[message.Namespace]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("Unhandled cast message", zap.String("namespace", message.Namespace))
	}
	for _, handler := range handlers {
		handler(message)
	}
}

func (c *Connection) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Send(SenderId, ReceiverId, HeartbeatNamespace, typedPayload{Type: "PING"}); err != nil {
				select {
				case <-c.closed:
				default:
					c.logger.Warn("Could not send cast heartbeat", zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if !errors.Is(err, ErrConnectionClosed) {
			c.logger.Warn("Cast connection failed", zap.Error(err))
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}

// Close sends CLOSE on every virtual connection and closes the socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	destinations := make([]string, 0, len(c.connected))
	for destination := range c.connected {
		destinations = append(destinations, destination)
	}
	c.mu.Unlock()
	for _, destination := range destinations {
		_ = c.Send(SenderId, destination, ConnectionNamespace, typedPayload{Type: "CLOSE"})
	}
	c.closeWithError(ErrConnectionClosed)
	return nil
}

func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrConnectionClosed
	}
	return c.err
}
