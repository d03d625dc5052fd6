package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	hutch "github.com/glimte/hutch-go"
	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/health"
	"github.com/glimte/hutch-go/messaging"
	"github.com/glimte/hutch-go/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli holds the global flags and how to reach the broker
type cli struct {
	configPath string
	url        string
	vhost      string
	verbose    bool
	out        io.Writer
	busOptions []messaging.BusOption
}

func (c *cli) config() (messaging.Config, error) {
	cfg := messaging.Config{Prefetch: 10}
	if c.configPath != "" {
		loaded, err := hutch.LoadConfig(c.configPath)
		if err != nil {
			return messaging.Config{}, err
		}
		cfg = loaded
	}
	if c.url != "" {
		cfg.URL = c.url
	}
	if c.vhost != "" {
		cfg.Vhost = c.vhost
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	return cfg, nil
}

func (c *cli) connect(ctx context.Context) (*messaging.ExtendedBus, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bus, err := hutch.CreateExtendedBus(ctx, cfg, hutch.WithLogger(logger), hutch.WithBusOptions(c.busOptions...))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return bus, nil
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseMessage builds a message from a JSON object argument
func parseMessage(typeID, body string) (*contracts.Message, error) {
	var msg contracts.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("message body must be a JSON object: %w", err)
	}
	msg.TypeID = typeID
	return &msg, nil
}

func newRootCmd(out io.Writer, busOptions ...messaging.BusOption) *cobra.Command {
	c := &cli{out: out, busOptions: busOptions}

	rootCmd := &cobra.Command{
		Use:   "hutchctl",
		Short: "Inspect and drive an EasyNetQ-compatible RabbitMQ bus",
		Long: `hutchctl talks to RabbitMQ the way hutch buses do: it publishes and sends
typed JSON messages, makes RPC requests, manages queues and exchanges, and
reads the error queue.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&c.url, "url", "u", "", "RabbitMQ connection URL (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&c.vhost, "vhost", "", "Virtual host")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newQueueCmd(c),
		newExchangeCmd(c),
		newPublishCmd(c),
		newSendCmd(c),
		newRequestCmd(c),
		newErrorsCmd(c),
		newHealthCmd(c),
	)
	return rootCmd
}

func newQueueCmd(c *cli) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queues",
	}

	statusCmd := &cobra.Command{
		Use:   "status <queue-name>",
		Short: "Show message and consumer counts of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			status, err := bus.QueueStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to inspect queue: %w", err)
			}
			return c.printJSON(status)
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <queue-name>",
		Short: "Remove every ready message from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			n, err := bus.PurgeQueue(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to purge queue: %w", err)
			}
			fmt.Fprintf(c.out, "purged %d messages from %s\n", n, args[0])
			return nil
		},
	}

	var ifUnused, ifEmpty bool
	deleteCmd := &cobra.Command{
		Use:   "delete <queue-name>",
		Short: "Delete a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			n, err := bus.DeleteQueue(cmd.Context(), args[0], ifUnused, ifEmpty)
			if err != nil {
				return fmt.Errorf("failed to delete queue: %w", err)
			}
			fmt.Fprintf(c.out, "deleted %s (%d messages)\n", args[0], n)
			return nil
		},
	}
	deleteCmd.Flags().BoolVar(&ifUnused, "if-unused", false, "Only delete a queue without consumers")
	deleteCmd.Flags().BoolVar(&ifEmpty, "if-empty", false, "Only delete an empty queue")

	var interval time.Duration
	watchCmd := &cobra.Command{
		Use:   "watch <queue-name>...",
		Short: "Watch queue depths until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			err = monitor.NewQueueWatcher(bus, interval, c.out).Watch(cmd.Context(), args)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}
	watchCmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Update interval")

	queueCmd.AddCommand(statusCmd, purgeCmd, deleteCmd, watchCmd)
	return queueCmd
}

func newExchangeCmd(c *cli) *cobra.Command {
	exchangeCmd := &cobra.Command{
		Use:   "exchange",
		Short: "Manage exchanges",
	}

	var ifUnused bool
	deleteCmd := &cobra.Command{
		Use:   "delete <exchange-name>",
		Short: "Delete an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.DeleteExchange(cmd.Context(), args[0], ifUnused); err != nil {
				return fmt.Errorf("failed to delete exchange: %w", err)
			}
			fmt.Fprintf(c.out, "deleted exchange %s\n", args[0])
			return nil
		},
	}
	deleteCmd.Flags().BoolVar(&ifUnused, "if-unused", false, "Only delete an exchange without bindings")

	exchangeCmd.AddCommand(deleteCmd)
	return exchangeCmd
}

func newPublishCmd(c *cli) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "publish <type-id> <json>",
		Short: "Publish a message to its type's topic exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := parseMessage(args[0], args[1])
			if err != nil {
				return err
			}
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.PublishTopic(cmd.Context(), msg, topic); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(c.out, "published %s\n", msg.TypeID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Routing key")
	return cmd
}

func newSendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "send <queue-name> <type-id> <json>",
		Short: "Send a message straight to a queue",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := parseMessage(args[1], args[2])
			if err != nil {
				return err
			}
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.Send(cmd.Context(), args[0], msg); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Fprintf(c.out, "sent %s to %s\n", msg.TypeID, args[0])
			return nil
		},
	}
}

func newRequestCmd(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <type-id> <json>",
		Short: "Make an RPC request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := parseMessage(args[0], args[1])
			if err != nil {
				return err
			}
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			reply, err := bus.Request(ctx, msg)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			return c.printJSON(reply)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (defaults to the bus RPC timeout)")
	return cmd
}

func newErrorsCmd(c *cli) *cobra.Command {
	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Read the error queue",
	}

	var count int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Consume and print error messages",
		Long:  "Consume messages from the error queue and print them. Consumed messages are acked and removed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			printed := make(chan error, 1)
			seen := 0
			handler := func(_ context.Context, msg *contracts.Message, _ messaging.AckControls) error {
				em, err := contracts.ErrorMessageFrom(msg)
				if err != nil {
					return err
				}
				if err := c.printJSON(em); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					select {
					case printed <- nil:
					default:
					}
				}
				return nil
			}

			queue := bus.Config().ErrorQueue
			consumer, err := bus.Receive(ctx, contracts.ErrorMessageTypeID, queue, handler, messaging.WithPrefetch(1))
			if err != nil {
				return fmt.Errorf("failed to consume %s: %w", queue, err)
			}
			defer consumer.Close()

			select {
			case <-ctx.Done():
				return nil
			case err := <-printed:
				return err
			}
		},
	}
	tailCmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many messages (0 runs until interrupted)")

	errorsCmd.AddCommand(tailCmd)
	return errorsCmd
}

func newHealthCmd(c *cli) *cobra.Command {
	var (
		queues    []string
		threshold int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection and queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer bus.Close()

			registry := health.NewRegistry()
			registry.Register(health.NewConnectionChecker(bus))
			for _, q := range queues {
				registry.Register(health.NewQueueChecker(bus, q, threshold))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report := registry.Check(ctx)
			for _, name := range report.Names() {
				r := report.Checks[name]
				fmt.Fprintf(c.out, "%-30s %-10s %s\n", name, r.Status, r.Message)
			}
			fmt.Fprintf(c.out, "overall: %s\n", report.Status)

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("bus is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Queues to check")
	cmd.Flags().IntVar(&threshold, "threshold", health.DefaultQueueDepthThreshold, "Message count above which a queue is degraded")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Overall check timeout")
	return cmd
}
