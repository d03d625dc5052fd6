package messaging

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/internal/rabbitmqtest"
)

func newExtendedEnv(t *testing.T) (*ExtendedBus, *rabbitmqtest.Broker) {
	t.Helper()

	broker := rabbitmqtest.NewBroker()
	bus, err := NewExtendedBus(context.Background(), testConfig(),
		WithDialer(broker),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus, broker
}

func TestExtendedBus(t *testing.T) {
	ctx := context.Background()
	noop := HandlerFunc(func(context.Context, *contracts.Message) {})

	t.Run("queue status", func(t *testing.T) {
		bus, _ := newExtendedEnv(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, bus.Send(ctx, "orders", contracts.NewMessage("Order", nil)))
		}
		status, err := bus.QueueStatus(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, QueueStatus{Queue: "orders", MessageCount: 3, ConsumerCount: 0}, status)
	})

	t.Run("missing queue is not found and the bus keeps working", func(t *testing.T) {
		bus, _ := newExtendedEnv(t)

		_, err := bus.QueueStatus(ctx, "nowhere")
		require.Error(t, err)
		assert.True(t, rabbitmq.IsNotFound(err))

		require.NoError(t, bus.Send(ctx, "orders", contracts.NewMessage("Order", nil)))
		status, err := bus.QueueStatus(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, 1, status.MessageCount)
	})

	t.Run("purge and delete report message counts", func(t *testing.T) {
		bus, broker := newExtendedEnv(t)

		for i := 0; i < 2; i++ {
			require.NoError(t, bus.Send(ctx, "orders", contracts.NewMessage("Order", nil)))
		}
		n, err := bus.PurgeQueue(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, bus.Send(ctx, "orders", contracts.NewMessage("Order", nil)))
		n, err = bus.DeleteQueueUnconditional(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.False(t, broker.HasQueue("orders"))
	})

	t.Run("conditional delete is refused for a queue in use", func(t *testing.T) {
		bus, broker := newExtendedEnv(t)

		_, err := bus.Receive(ctx, "Order", "orders", noop)
		require.NoError(t, err)

		_, err = bus.DeleteQueue(ctx, "orders", true, false)
		assert.Error(t, err)
		assert.True(t, broker.HasQueue("orders"))
	})

	t.Run("delete exchange", func(t *testing.T) {
		bus, broker := newExtendedEnv(t)

		require.NoError(t, bus.Publish(ctx, contracts.NewMessage("Order.Created", nil)))
		require.NoError(t, bus.DeleteExchange(ctx, "Order.Created", false))
		_, ok := broker.ExchangeKind("Order.Created")
		assert.False(t, ok)
	})

	t.Run("cancel consumer by tag", func(t *testing.T) {
		bus, broker := newExtendedEnv(t)

		c, err := bus.Receive(ctx, "Order", "orders", noop)
		require.NoError(t, err)
		assert.Equal(t, 1, broker.ConsumerCount("orders"))

		assert.ErrorIs(t, bus.CancelConsumer("unknown"), ErrConsumerNotFound)
		require.NoError(t, bus.CancelConsumer(c.Tag()))
		assert.Equal(t, 0, broker.ConsumerCount("orders"))
	})

	t.Run("closed bus", func(t *testing.T) {
		bus, _ := newExtendedEnv(t)
		require.NoError(t, bus.Close())

		_, err := bus.QueueStatus(ctx, "orders")
		assert.ErrorIs(t, err, ErrBusClosed)
		_, err = bus.PurgeQueue(ctx, "orders")
		assert.ErrorIs(t, err, ErrBusClosed)
		_, err = bus.DeleteQueue(ctx, "orders", false, false)
		assert.ErrorIs(t, err, ErrBusClosed)
		assert.ErrorIs(t, bus.DeleteExchange(ctx, "Order", false), ErrBusClosed)
		assert.ErrorIs(t, bus.CancelConsumer("tag"), ErrBusClosed)
	})
}
