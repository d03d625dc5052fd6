package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
)

// ErrBusClosed is returned by every operation on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// shutdownTimeout bounds how long Close waits for consumer loops to exit.
const shutdownTimeout = 5 * time.Second

// Bus is one connection to the broker and everything built on it: the
// shared publish channel, the consumers it started and the RPC reply queue.
type Bus struct {
	cfg       Config
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	rpc       *rpcClient
	listener  *connectionListener
	metrics   MetricsCollector
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*Consumer
	closed    bool

	// answers tracks in-flight RespondAsync handlers
	answers sync.WaitGroup
}

type busOptions struct {
	logger  *slog.Logger
	dialer  rabbitmq.Dialer
	metrics MetricsCollector
}

// BusOption configures a bus
type BusOption func(*busOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(dialer rabbitmq.Dialer) BusOption {
	return func(o *busOptions) {
		o.dialer = dialer
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) BusOption {
	return func(o *busOptions) {
		o.metrics = metrics
	}
}

// NewBus validates cfg, connects to the broker and returns a ready bus.
func NewBus(ctx context.Context, cfg Config, options ...BusOption) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	opts := &busOptions{
		logger:  slog.Default(),
		metrics: NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(opts)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithVhost(cfg.Vhost),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
	}
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	conn := rabbitmq.NewConnectionManager(cfg.URL, connOpts...)

	listener := &connectionListener{metrics: opts.metrics}
	conn.AddStateListener(listener)

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	b := &Bus{
		cfg:      cfg,
		conn:     conn,
		pool:     pool,
		topology: rabbitmq.NewTopologyManager(pool),
		publisher: rabbitmq.NewPublisher(conn,
			rabbitmq.WithPublishTimeout(cfg.PublishTimeout),
			rabbitmq.WithPublisherLogger(opts.logger),
		),
		consumer: rabbitmq.NewConsumer(conn,
			rabbitmq.WithPrefetchCount(cfg.Prefetch),
			rabbitmq.WithConsumerLogger(opts.logger),
		),
		listener:  listener,
		metrics:   opts.metrics,
		logger:    opts.logger,
		consumers: make(map[string]*Consumer),
	}
	b.rpc = newRPCClient(b)

	return b, nil
}

// Config returns the effective configuration, defaults included.
func (b *Bus) Config() Config {
	return b.cfg
}

// IsConnected reports whether the broker connection is up.
func (b *Bus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Ping opens and closes a channel to prove the connection is usable.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.pool.Execute(ctx, func(rabbitmq.Channel) error { return nil })
}

// Close cancels every consumer, fails pending requests with ErrBusClosed
// and closes the connection. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = make(map[string]*Consumer)
	b.mu.Unlock()

	var errs []error
	for tag, c := range consumers {
		if err := c.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer %s: %w", tag, err))
		}
	}

	b.rpc.close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.consumer.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("consumers did not stop: %w", err))
	}
	if err := b.waitAnswers(ctx); err != nil {
		errs = append(errs, fmt.Errorf("responders did not finish: %w", err))
	}

	if err := b.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
	}
	if err := b.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close channel pool: %w", err))
	}

	b.conn.RemoveStateListener(b.listener)
	if err := b.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	b.metrics.SetConnected(false)

	b.logger.Info("bus closed")
	return errors.Join(errs...)
}

func (b *Bus) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// publish sends an encoded envelope on the shared confirm channel.
func (b *Bus) publish(ctx context.Context, exchange, routingKey string, env contracts.Envelope) error {
	start := time.Now()
	err := b.publisher.Publish(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:   "application/json",
		Type:          env.Type,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Body:          env.Body,
	})
	b.metrics.RecordPublish(env.Type, exchange, time.Since(start), err)
	return err
}

// connectionListener mirrors the connection state into the metrics.
type connectionListener struct {
	metrics MetricsCollector
}

func (l *connectionListener) OnConnected() {
	l.metrics.SetConnected(true)
}

func (l *connectionListener) OnDisconnected(err error) {
	l.metrics.SetConnected(false)
}

// waitAnswers blocks until in-flight async responders return or ctx ends.
// It must only be called once consumer loops have stopped.
func (b *Bus) waitAnswers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.answers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
