// Copyright 2024 Hutch Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hutch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/glimte/hutch-go/messaging"
	"github.com/glimte/hutch-go/monitor"
)

// Environment variables that override the loaded configuration
const (
	EnvURL   = "HUTCH_URL"
	EnvVhost = "HUTCH_VHOST"
)

// CreateBus connects a new bus instance. Each call owns its own
// connection, consumers and RPC state.
func CreateBus(ctx context.Context, cfg messaging.Config, options ...ClientOption) (*messaging.Bus, error) {
	return messaging.NewBus(ctx, cfg, busOptions(options)...)
}

// CreateExtendedBus connects a bus with the broker administration
// operations.
func CreateExtendedBus(ctx context.Context, cfg messaging.Config, options ...ClientOption) (*messaging.ExtendedBus, error) {
	return messaging.NewExtendedBus(ctx, cfg, busOptions(options)...)
}

// LoadConfig reads a YAML configuration file. See ParseConfig.
func LoadConfig(path string) (messaging.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return messaging.Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return messaging.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML configuration and applies the HUTCH_URL and
// HUTCH_VHOST overrides. Durations are strings such as "30s". The result
// is not validated; CreateBus does that.
func ParseConfig(data []byte) (messaging.Config, error) {
	var cfg messaging.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return messaging.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if v, ok := os.LookupEnv(EnvURL); ok && v != "" {
		cfg.URL = v
	}
	if v, ok := os.LookupEnv(EnvVhost); ok {
		cfg.Vhost = v
	}
	return cfg, nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger   *slog.Logger
	metrics  messaging.MetricsCollector
	registry prometheus.Registerer
	extra    []messaging.BusOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithPrometheus exports bus metrics to reg
func WithPrometheus(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = reg
	}
}

// WithMetrics sets a custom metrics collector. It takes precedence over
// WithPrometheus.
func WithMetrics(collector messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithBusOptions passes options straight to the bus
func WithBusOptions(options ...messaging.BusOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.extra = append(cfg.extra, options...)
	}
}

func busOptions(options []ClientOption) []messaging.BusOption {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	opts := []messaging.BusOption{messaging.WithLogger(cfg.logger)}
	switch {
	case cfg.metrics != nil:
		opts = append(opts, messaging.WithMetrics(cfg.metrics))
	case cfg.registry != nil:
		opts = append(opts, messaging.WithMetrics(monitor.NewPrometheusCollector(cfg.registry)))
	}
	return append(opts, cfg.extra...)
}
