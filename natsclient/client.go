// Package natsclient manages the NATS connection used by the broker
// delivery adapter. Reconnection is handled by the underlying library;
// this wrapper adds lifecycle management, status reporting, and
// acknowledged publishes for qos >= 1 rules.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/HeKunYang1996/netsrv/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Client wraps a NATS connection for the broker adapter
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Connection options
	clientName    string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	username      string
	password      string

	reconnects atomic.Int32

	mu     sync.RWMutex
	closed atomic.Bool
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client)

// WithName sets the client connection name
func WithName(name string) ClientOption {
	return func(c *Client) { c.clientName = name }
}

// WithMaxReconnects sets the maximum reconnection attempts (-1 for infinite)
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectWait = d }
}

// WithTimeout sets the connect timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		clientName:    "netsrv",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
	}
	c.status.Store(StatusDisconnected)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection and initializes JetStream
func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	c.status.Store(StatusConnecting)

	natsOpts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.status.Store(StatusConnected)
			c.reconnects.Add(1)
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusDisconnected)
		}),
	}
	if c.username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(c.username, c.password))
	}

	conn, err := nats.Connect(c.url, natsOpts...)
	if err != nil {
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "connect to broker")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.status.Store(StatusDisconnected)
		return errors.WrapFatal(err, "Client", "Connect", "initialize jetstream")
	}

	c.conn = conn
	c.js = js
	c.status.Store(StatusConnected)
	c.logger.Info("nats connected", "url", conn.ConnectedUrl())
	return nil
}

// Publish sends a fire-and-forget message (qos 0 semantics)
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.connection()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", subject)
	}
	return nil
}

// PublishAck sends a message through JetStream and waits for the server
// acknowledgment (qos >= 1 semantics). The context carries the attempt
// deadline.
func (c *Client) PublishAck(ctx context.Context, subject string, data []byte) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "PublishAck", subject)
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishAck", subject)
	}
	return nil
}

// MaxPayload returns the broker's advertised payload limit in bytes,
// or 0 when not connected.
func (c *Client) MaxPayload() int64 {
	conn := c.connection()
	if conn == nil {
		return 0
	}
	return conn.MaxPayload()
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsConnected reports whether the connection is currently established
func (c *Client) IsConnected() bool {
	conn := c.connection()
	return conn != nil && conn.IsConnected()
}

// Reconnects returns the number of reconnections since Connect
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		c.conn = nil
		c.js = nil
	}
	c.status.Store(StatusDisconnected)
}

func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
