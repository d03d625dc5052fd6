package messaging

import (
	"errors"
	"fmt"
	"time"
)

// Well-known names shared with EasyNetQ-style peers.
const (
	RPCExchange       = "easy_net_q_rpc"
	ReplyQueuePrefix  = "easynetq.response."
	DefaultErrorQueue = "EasyNetQ_Default_Error_Queue"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultRPCTimeout         = 30 * time.Second
	DefaultDeferredAckTimeout = 10 * time.Second
	DefaultConnectTimeout     = 30 * time.Second
	DefaultPublishTimeout     = 10 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid bus configuration")

// Config configures a bus instance.
type Config struct {
	URL                string        `yaml:"url"`
	Vhost              string        `yaml:"vhost"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	Prefetch           int           `yaml:"prefetch"`
	RPCTimeout         time.Duration `yaml:"rpcTimeout"`
	DeferredAckTimeout time.Duration `yaml:"deferredAckTimeout"`
	ErrorQueue         string        `yaml:"errorQueue"`
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
	PublishTimeout     time.Duration `yaml:"publishTimeout"`
}

// WithDefaults returns a copy with every unset optional field filled in.
func (c Config) WithDefaults() Config {
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.DeferredAckTimeout <= 0 {
		c.DeferredAckTimeout = DefaultDeferredAckTimeout
	}
	if c.ErrorQueue == "" {
		c.ErrorQueue = DefaultErrorQueue
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	return c
}

// Validate checks the required fields.
func (c Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, fmt.Errorf("%w: url is required", ErrInvalidConfig))
	}
	if c.Prefetch <= 0 {
		errs = append(errs, fmt.Errorf("%w: prefetch must be greater than zero, got %d", ErrInvalidConfig, c.Prefetch))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("%w: heartbeat cannot be negative", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
