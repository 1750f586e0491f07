package amqpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle of a Conn.
//
//	Disconnected -> Connecting -> Ready -> (error) Disconnected
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var ErrClosed = errors.New("amqp connection closed")

// Channel is the subset of *amqp.Channel used by publishers and consumers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by Conn.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

type Dialer func(url string) (Connection, error)

// Topology declares exchanges/queues on a freshly opened channel.
type Topology func(Channel) error

// Conn owns one broker connection and one channel. The channel is created
// lazily, reused while open and re-established (with topology re-declared)
// whenever it or the connection has closed.
type Conn struct {
	url      string
	dial     Dialer
	topology Topology
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	conn   Connection
	ch     Channel
	closed bool
}

type Option func(*Conn)

func WithDialer(d Dialer) Option {
	return func(c *Conn) {
		if d != nil {
			c.dial = d
		}
	}
}

func WithTopology(t Topology) Option {
	return func(c *Conn) { c.topology = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:    url,
		dial:   DialAMQP,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialAMQP is the production Dialer.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns a Ready channel, (re)connecting first if needed.
func (c *Conn) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.state == StateReady && c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	c.state = StateConnecting
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := c.dial(c.url)
		if err != nil {
			c.state = StateDisconnected
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		c.conn = conn
		c.logger.Info("amqp connected")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if c.topology != nil {
		if err := c.topology(ch); err != nil {
			_ = ch.Close()
			c.dropLocked()
			return nil, fmt.Errorf("amqp topology: %w", err)
		}
	}

	c.ch = ch
	c.state = StateReady
	return ch, nil
}

// Reset moves the Conn back to Disconnected after an operation failed on
// the current channel. The next Channel call reconnects.
func (c *Conn) Reset(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.logger.Warn("amqp channel reset", "err", cause)
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	c.state = StateDisconnected
}

func (c *Conn) dropLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
}

// Close releases the channel and connection; the Conn cannot be reused.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	var errs []error
	if c.ch != nil && !c.ch.IsClosed() {
		errs = append(errs, c.ch.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	c.ch = nil
	c.conn = nil
	c.state = StateDisconnected
	return errors.Join(errs...)
}

// ReadyCheck reports whether the Conn can reach Ready.
func ReadyCheck(c *Conn) func(context.Context) error {
	return func(ctx context.Context) error {
		if c == nil {
			return errors.New("amqp not configured")
		}
		_, err := c.Channel(ctx)
		return err
	}
}

// DeclareTopicExchange is the Topology every publisher and consumer uses.
func DeclareTopicExchange(name string) Topology {
	return func(ch Channel) error {
		return ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
	}
}
