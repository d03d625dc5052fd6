package rabbitmqtest

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/hutch-go/internal/rabbitmq"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"#", "", true},
		{"#", "orders", true},
		{"#", "orders.us.east", true},
		{"orders.*", "orders.us", true},
		{"orders.*", "orders", false},
		{"orders.*", "orders.us.east", false},
		{"invoices.*", "orders.us", false},
		{"orders.#", "orders", true},
		{"orders.#", "orders.us.east", true},
		{"*.us", "orders.us", true},
		{"*.us", "us", false},
		{"#.east", "orders.us.east", true},
		{"orders.#.east", "orders.east", true},
		{"orders.#.east", "orders.us.west.east", true},
		{"orders.us", "orders.us", true},
		{"orders.us", "orders.eu", false},
		{"", "", true},
		{"", "orders", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func openChannel(t *testing.T, b *Broker) rabbitmq.Channel {
	t.Helper()

	conn, err := b.Dial(context.Background(), "amqp://test", rabbitmq.DialConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()

	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return amqp.Delivery{}
	}
}

func TestBrokerRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("topic exchange routes by pattern", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		require.NoError(t, ch.ExchangeDeclare("Order.Created", rabbitmq.ExchangeTopic, true, false, false, false, nil))
		for _, q := range []string{"us", "invoices"} {
			_, err := ch.QueueDeclare(q, true, false, false, false, nil)
			require.NoError(t, err)
		}
		require.NoError(t, ch.QueueBind("us", "orders.*", "Order.Created", false, nil))
		require.NoError(t, ch.QueueBind("invoices", "invoices.*", "Order.Created", false, nil))

		require.NoError(t, ch.PublishWithConfirm(ctx, "Order.Created", "orders.us", amqp.Publishing{Body: []byte("{}")}))

		assert.Equal(t, 1, b.QueueLen("us"))
		assert.Equal(t, 0, b.QueueLen("invoices"))
		published := b.Published()
		require.Len(t, published, 1)
		assert.Equal(t, []string{"us"}, published[0].Queues)
	})

	t.Run("default exchange routes by queue name", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclare("q1", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.PublishWithConfirm(ctx, "", "q1", amqp.Publishing{Type: "Order"}))
		require.NoError(t, ch.PublishWithConfirm(ctx, "", "missing", amqp.Publishing{Type: "Order"}))

		msgs := b.Messages("q1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "Order", msgs[0].Publishing.Type)
	})

	t.Run("publishing to a missing exchange closes the channel", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		err := ch.PublishWithConfirm(ctx, "nope", "", amqp.Publishing{})
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
		assert.True(t, ch.IsClosed())
	})

	t.Run("redeclare with other kind fails", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		require.NoError(t, ch.ExchangeDeclare("x", rabbitmq.ExchangeTopic, true, false, false, false, nil))
		err := ch.ExchangeDeclare("x", rabbitmq.ExchangeDirect, true, false, false, false, nil)
		assert.Error(t, err)
		assert.True(t, ch.IsClosed())
	})
}

func TestBrokerAcknowledgment(t *testing.T) {
	t.Run("nack with requeue redelivers flagged", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		b.Inject("q", amqp.Publishing{Body: []byte("a")})

		first := receive(t, deliveries)
		assert.False(t, first.Redelivered)
		require.NoError(t, first.Nack(false, true))

		second := receive(t, deliveries)
		assert.True(t, second.Redelivered)
		require.NoError(t, second.Ack(false))

		dispositions := b.Dispositions()
		require.Len(t, dispositions, 2)
		assert.Equal(t, "nack", dispositions[0].Kind)
		assert.Equal(t, "ack", dispositions[1].Kind)
		assert.True(t, dispositions[1].Redelivered)
		assert.Empty(t, b.Violations())
	})

	t.Run("double ack is a violation", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		b.Inject("q", amqp.Publishing{})

		d := receive(t, deliveries)
		require.NoError(t, d.Ack(false))
		assert.Error(t, d.Ack(false))
		assert.Len(t, b.Violations(), 1)
	})

	t.Run("prefetch limits unacked deliveries", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		require.NoError(t, ch.Qos(1, 0, false))
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		b.Inject("q", amqp.Publishing{Body: []byte("1")})
		b.Inject("q", amqp.Publishing{Body: []byte("2")})

		d := receive(t, deliveries)
		assert.Equal(t, "1", string(d.Body))
		assert.Equal(t, 1, b.QueueLen("q"))

		require.NoError(t, d.Ack(false))
		d = receive(t, deliveries)
		assert.Equal(t, "2", string(d.Body))
	})

	t.Run("closing a channel requeues unacked deliveries", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		b.Inject("q", amqp.Publishing{})

		d := receive(t, deliveries)
		require.NoError(t, ch.Close())

		_, open := <-deliveries
		assert.False(t, open)
		assert.ErrorIs(t, d.Ack(false), amqp.ErrClosed)

		msgs := b.Messages("q")
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Redelivered)
	})
}

func TestBrokerQueues(t *testing.T) {
	t.Run("passive declare of a missing queue is a 404", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclarePassive("missing", false, false, false, false, nil)
		assert.True(t, rabbitmq.IsNotFound(err))
		assert.True(t, ch.IsClosed())
	})

	t.Run("exclusive queues die with their connection", func(t *testing.T) {
		b := NewBroker()
		conn, err := b.Dial(context.Background(), "amqp://test", rabbitmq.DialConfig{})
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)

		_, err = ch.QueueDeclare("reply", false, true, true, false, nil)
		require.NoError(t, err)
		assert.True(t, b.HasQueue("reply"))

		other := openChannel(t, b)
		_, err = other.Consume("reply", "", false, false, false, false, nil)
		assert.Error(t, err)

		require.NoError(t, conn.Close())
		assert.False(t, b.HasQueue("reply"))
	})

	t.Run("auto-delete queues go with their last consumer", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclare("tmp", false, true, false, false, nil)
		require.NoError(t, err)
		_, err = ch.Consume("tmp", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		require.NoError(t, ch.Cancel("c1", false))
		assert.False(t, b.HasQueue("tmp"))
	})

	t.Run("delete returns message count", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		b.Inject("q", amqp.Publishing{})
		b.Inject("q", amqp.Publishing{})

		n, err := ch.QueueDelete("q", false, false, false)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.False(t, b.HasQueue("q"))
	})
}

func TestBrokerFailureInjection(t *testing.T) {
	b := NewBroker()
	boom := errors.New("boom")
	b.FailNext(OpDial, boom)

	_, err := b.Dial(context.Background(), "amqp://test", rabbitmq.DialConfig{})
	assert.ErrorIs(t, err, boom)

	conn, err := b.Dial(context.Background(), "amqp://test", rabbitmq.DialConfig{Vhost: "v"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, []rabbitmq.DialConfig{{Vhost: "v"}}, b.Dials())
}

func TestBrokerKillConnections(t *testing.T) {
	b := NewBroker()
	conn, err := b.Dial(context.Background(), "amqp://test", rabbitmq.DialConfig{})
	require.NoError(t, err)

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.KillConnections("shutdown")

	reason, ok := <-notify
	require.True(t, ok)
	assert.Equal(t, amqp.ConnectionForced, reason.Code)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, b.OpenConnections())
}
