package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/internal/rabbitmqtest"
)

func number(t *testing.T, msg *contracts.Message, key string) int64 {
	t.Helper()

	v, ok := msg.Get(key)
	require.True(t, ok, "missing %s", key)
	n, err := v.(json.Number).Int64()
	require.NoError(t, err)
	return n
}

func adder(t *testing.T) Responder {
	return func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
		return contracts.NewMessage("AddResult", map[string]interface{}{
			"sum": number(t, req, "a") + number(t, req, "b"),
		}), nil
	}
}

// lastRequest waits for a request to reach the RPC exchange
func lastRequest(t *testing.T, broker *rabbitmqtest.Broker) amqp.Publishing {
	t.Helper()

	var found amqp.Publishing
	require.Eventually(t, func() bool {
		for _, p := range broker.Published() {
			if p.Exchange == RPCExchange {
				found = p.Publishing
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

func TestRequestRespond(t *testing.T) {
	ctx := context.Background()

	t.Run("request resolves with the reply", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.Respond(ctx, "Add", "AddResult", adder(t))
		require.NoError(t, err)

		reply, err := env.bus.Request(ctx, contracts.NewMessage("Add", map[string]interface{}{"a": 2, "b": 3}))
		require.NoError(t, err)
		assert.Equal(t, "AddResult", reply.TypeID)
		assert.Equal(t, int64(5), number(t, reply, "sum"))

		kind, ok := env.broker.ExchangeKind(RPCExchange)
		require.True(t, ok)
		assert.Equal(t, rabbitmq.ExchangeDirect, kind)
		assert.Equal(t, []string{"Add"}, env.broker.Bindings(RPCExchange, "Add"))

		req := lastRequest(t, env.broker)
		assert.Equal(t, "Add", req.Type)
		assert.NotEmpty(t, req.CorrelationId)
		assert.Contains(t, req.ReplyTo, ReplyQueuePrefix)

		assert.Equal(t, []RPCOutcome{RPCOutcomeOK}, env.metrics.rpcOutcomes())
		assert.Equal(t, 0, env.bus.PendingRequests())
	})

	t.Run("reply queue is set up once", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.RespondAsync(ctx, RespondOptions{RequestType: "Add", ResponseType: "AddResult"}, adder(t))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				reply, err := env.bus.Request(ctx, contracts.NewMessage("Add", map[string]interface{}{"a": i, "b": 1}))
				if assert.NoError(t, err) {
					assert.Equal(t, int64(i+1), number(t, reply, "sum"))
				}
			}(i)
		}
		wg.Wait()

		queues := env.broker.QueueNames(ReplyQueuePrefix)
		require.Len(t, queues, 1)
		durable, exclusive, autoDelete, ok := env.broker.QueueFlags(queues[0])
		require.True(t, ok)
		assert.False(t, durable)
		assert.True(t, exclusive)
		assert.True(t, autoDelete)
	})

	t.Run("concurrent requests each get their own reply", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.RespondAsync(ctx, RespondOptions{RequestType: "Echo", ResponseType: "EchoResult"},
			func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
				n := number(t, req, "n")
				// earlier requests answer later
				time.Sleep(time.Duration(5-n) * 10 * time.Millisecond)
				return contracts.NewMessage("EchoResult", map[string]interface{}{"n": n}), nil
			})
		require.NoError(t, err)

		errs := make(chan error, 5)
		for n := 1; n <= 5; n++ {
			go func(n int) {
				reply, err := env.bus.Request(ctx, contracts.NewMessage("Echo", map[string]interface{}{"n": n}))
				if err == nil && number(t, reply, "n") != int64(n) {
					err = fmt.Errorf("request %d got reply %d", n, number(t, reply, "n"))
				}
				errs <- err
			}(n)
		}

		for i := 0; i < 5; i++ {
			select {
			case err := <-errs:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("request did not resolve")
			}
		}
		assert.Equal(t, 0, env.bus.PendingRequests())
	})

	t.Run("request without reply times out and late reply is dropped", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.RPCTimeout = 30 * time.Millisecond })

		_, err := env.bus.Request(ctx, contracts.NewMessage("Add", nil))
		assert.ErrorIs(t, err, contracts.ErrRPCTimeout)
		assert.Equal(t, 0, env.bus.PendingRequests())
		assert.Equal(t, []RPCOutcome{RPCOutcomeTimeout}, env.metrics.rpcOutcomes())

		req := lastRequest(t, env.broker)
		env.broker.Inject(req.ReplyTo, amqp.Publishing{
			Type:          "AddResult",
			CorrelationId: req.CorrelationId,
			Body:          []byte(`{"sum":5}`),
		})

		require.Eventually(t, func() bool {
			return len(dispositionKinds(env.broker, req.ReplyTo)) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"ack"}, dispositionKinds(env.broker, req.ReplyTo))
		assert.Equal(t, 0, env.bus.PendingRequests())
	})

	t.Run("context cancellation ends the call", func(t *testing.T) {
		env := newTestEnv(t)

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, err := env.bus.Request(callCtx, contracts.NewMessage("Add", nil))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, env.bus.PendingRequests())
		assert.Equal(t, []RPCOutcome{RPCOutcomeCancelled}, env.metrics.rpcOutcomes())
	})

	t.Run("malformed reply fails the call", func(t *testing.T) {
		env := newTestEnv(t)

		errs := make(chan error, 1)
		go func() {
			_, err := env.bus.Request(ctx, contracts.NewMessage("Add", nil))
			errs <- err
		}()

		req := lastRequest(t, env.broker)
		env.broker.Inject(req.ReplyTo, amqp.Publishing{
			Type:          "AddResult",
			CorrelationId: req.CorrelationId,
			Body:          []byte("oops"),
		})

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, contracts.ErrMalformedPayload)
		case <-time.After(2 * time.Second):
			t.Fatal("request did not resolve")
		}
	})

	t.Run("close fails pending calls", func(t *testing.T) {
		env := newTestEnv(t)

		errs := make(chan error, 1)
		go func() {
			_, err := env.bus.Request(ctx, contracts.NewMessage("Add", nil))
			errs <- err
		}()
		require.Eventually(t, func() bool { return env.bus.PendingRequests() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, env.bus.Close())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrBusClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("request did not resolve")
		}
	})

	t.Run("invalid request", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.Request(ctx, contracts.NewMessage("", nil))
		assert.ErrorIs(t, err, contracts.ErrInvalidTypeID)
		assert.Empty(t, env.broker.QueueNames(ReplyQueuePrefix))
	})
}

func TestResponder(t *testing.T) {
	ctx := context.Background()

	fast := func(c *Config) { c.RPCTimeout = 100 * time.Millisecond }

	t.Run("responder error sends no reply", func(t *testing.T) {
		env := newTestEnv(t, fast)

		var calls atomic.Int32
		_, err := env.bus.Respond(ctx, "Add", "AddResult", func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
			calls.Add(1)
			return nil, errors.New("overflow")
		})
		require.NoError(t, err)

		_, err = env.bus.Request(ctx, contracts.NewMessage("Add", nil))
		assert.ErrorIs(t, err, contracts.ErrRPCTimeout)

		require.Eventually(t, func() bool {
			return env.metrics.hasOutcome(OutcomeErrorRouted)
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, []string{"nack", "ack"}, dispositionKinds(env.broker, "Add"))

		routed := errorQueue(t, env.broker, DefaultErrorQueue)
		require.Len(t, routed, 1)
		assert.Contains(t, *routed[0].Error, "overflow")
	})

	t.Run("response of the wrong type is not sent", func(t *testing.T) {
		env := newTestEnv(t, fast)

		_, err := env.bus.Respond(ctx, "Add", "AddResult", func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
			return contracts.NewMessage("Other", nil), nil
		})
		require.NoError(t, err)

		_, err = env.bus.Request(ctx, contracts.NewMessage("Add", nil))
		assert.ErrorIs(t, err, contracts.ErrRPCTimeout)

		require.Eventually(t, func() bool {
			return env.metrics.hasOutcome(OutcomeErrorRouted)
		}, time.Second, 5*time.Millisecond)
		routed := errorQueue(t, env.broker, DefaultErrorQueue)
		require.Len(t, routed, 1)
		assert.Contains(t, *routed[0].Error, "mismatched TypeID: Other !== AddResult")
	})

	t.Run("response without TypeID takes the response type", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.Respond(ctx, "Add", "AddResult", func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
			return contracts.NewMessage("", map[string]interface{}{"sum": 1}), nil
		})
		require.NoError(t, err)

		reply, err := env.bus.Request(ctx, contracts.NewMessage("Add", nil))
		require.NoError(t, err)
		assert.Equal(t, "AddResult", reply.TypeID)
	})

	t.Run("request without replyTo is settled", func(t *testing.T) {
		env := newTestEnv(t)

		var calls atomic.Int32
		_, err := env.bus.Respond(ctx, "Add", "AddResult", func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
			calls.Add(1)
			return contracts.NewMessage("AddResult", nil), nil
		})
		require.NoError(t, err)

		env.broker.Inject("Add", amqp.Publishing{Type: "Add", Body: []byte(`{"TypeID":"Add"}`)})

		require.Eventually(t, func() bool {
			return len(dispositionKinds(env.broker, "Add")) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"ack"}, dispositionKinds(env.broker, "Add"))
		assert.Equal(t, int32(1), calls.Load())
		assert.Empty(t, env.broker.Published())
	})

	t.Run("mismatched request type is routed", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.Respond(ctx, "Add", "AddResult", adder(t))
		require.NoError(t, err)

		env.broker.Inject("Add", amqp.Publishing{Type: "Subtract", Body: []byte(`{}`), ReplyTo: "nowhere"})

		require.Eventually(t, func() bool {
			return env.metrics.hasOutcome(OutcomeTypeMismatch)
		}, time.Second, 5*time.Millisecond)
		routed := errorQueue(t, env.broker, DefaultErrorQueue)
		require.Len(t, routed, 1)
		assert.Equal(t, "mismatched TypeID: Subtract !== Add", *routed[0].Error)
	})

	t.Run("async responder on a custom queue", func(t *testing.T) {
		env := newTestEnv(t)

		c, err := env.bus.RespondAsync(ctx, RespondOptions{
			RequestType:  "Add",
			ResponseType: "AddResult",
			Queue:        "adders-eu",
		}, adder(t))
		require.NoError(t, err)
		assert.Equal(t, "adders-eu", c.Queue())
		assert.Equal(t, []string{"Add"}, env.broker.Bindings(RPCExchange, "adders-eu"))

		reply, err := env.bus.Request(ctx, contracts.NewMessage("Add", map[string]interface{}{"a": 40, "b": 2}))
		require.NoError(t, err)
		assert.Equal(t, int64(42), number(t, reply, "sum"))
	})

	t.Run("invalid arguments", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.bus.Respond(ctx, "", "AddResult", adder(t))
		assert.ErrorIs(t, err, contracts.ErrInvalidTypeID)
		_, err = env.bus.Respond(ctx, "Add", "", adder(t))
		assert.ErrorIs(t, err, contracts.ErrInvalidTypeID)
		_, err = env.bus.RespondAsync(ctx, RespondOptions{RequestType: "Add", ResponseType: "AddResult"}, nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidHandler)
	})
}

func TestRequestNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.RPCTimeout = 20 * time.Millisecond })

	_, err := env.bus.RespondAsync(ctx, RespondOptions{RequestType: "Add", ResponseType: "AddResult"}, adder(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := env.bus.Request(ctx, contracts.NewMessage("Add", map[string]interface{}{"a": i, "b": i}))
		require.NoError(t, err)
	}
	_, err = env.bus.Request(ctx, contracts.NewMessage("Unanswered", nil))
	require.ErrorIs(t, err, contracts.ErrRPCTimeout)

	require.NoError(t, env.bus.Close())
}

func TestCloseWaitsForAsyncResponders(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	env := newTestEnv(t)

	started := make(chan struct{})
	var finished atomic.Bool
	_, err := env.bus.RespondAsync(ctx, RespondOptions{RequestType: "Slow", ResponseType: "SlowResult"},
		func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error) {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil, ctx.Err()
		})
	require.NoError(t, err)

	env.broker.Inject("Slow", amqp.Publishing{Type: "Slow", Body: []byte(`{}`)})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not start")
	}

	require.NoError(t, env.bus.Close())
	assert.True(t, finished.Load())
}
