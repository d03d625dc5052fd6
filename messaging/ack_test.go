package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/hutch-go/contracts"
)

// Mock acknowledger
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// countingAcknowledger counts settlements without expectations
type countingAcknowledger struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (c *countingAcknowledger) Ack(uint64, bool) error {
	c.acks.Add(1)
	return nil
}

func (c *countingAcknowledger) Nack(uint64, bool, bool) error {
	c.nacks.Add(1)
	return nil
}

func (c *countingAcknowledger) Reject(uint64, bool) error {
	c.nacks.Add(1)
	return nil
}

func (c *countingAcknowledger) total() int32 {
	return c.acks.Load() + c.nacks.Load()
}

func newController(env *testEnv, ack amqp.Acknowledger, redelivered bool) *ackController {
	d := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Type:         "Order",
		Redelivered:  redelivered,
		Body:         []byte(`{"TypeID":"Order","id":1}`),
	}
	msg := contracts.NewMessage("Order", map[string]interface{}{"id": 1})
	return env.bus.newAckController(context.Background(), "orders", d, msg)
}

func TestAckController(t *testing.T) {
	t.Run("ack settles once", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, false)
		require.NoError(t, ctrl.Ack())
		require.NoError(t, ctrl.Ack())
		require.NoError(t, ctrl.Nack("too late"))
		ctrl.settle(OutcomeAcked)

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, ackAcked, ctrl.current())
		assert.Equal(t, []DeliveryOutcome{OutcomeAcked}, env.metrics.outcomes())
	})

	t.Run("nack of a first delivery requeues", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()

		ctrl := newController(env, ack, false)
		require.NoError(t, ctrl.Nack("not now"))
		require.NoError(t, ctrl.Ack())

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Equal(t, ackNacked, ctrl.current())
		assert.Empty(t, env.broker.Messages(DefaultErrorQueue))
	})

	t.Run("nack of a redelivered delivery routes to the error queue", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, true)
		require.NoError(t, ctrl.Nack("still broken"))

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)

		routed := errorQueue(t, env.broker, DefaultErrorQueue)
		require.Len(t, routed, 1)
		require.NotNil(t, routed[0].Error)
		assert.Equal(t, "attempted to nack previously nack'd message: still broken", *routed[0].Error)
		require.NotNil(t, routed[0].Message)
		assert.JSONEq(t, `{"TypeID":"Order","id":1}`, *routed[0].Message)
		assert.Nil(t, routed[0].Stack)
		assert.Equal(t, []DeliveryOutcome{OutcomeErrorRouted}, env.metrics.outcomes())
	})

	t.Run("deferred delivery is nacked when the timeout expires", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()

		ctrl := newController(env, ack, false)
		ctrl.Defer(20 * time.Millisecond)
		assert.Equal(t, ackDeferred, ctrl.current())

		ctrl.settle(OutcomeAcked)
		assert.Equal(t, ackDeferred, ctrl.current(), "settle leaves a deferred delivery alone")

		require.Eventually(t, func() bool {
			return env.metrics.hasOutcome(OutcomeDeferredTimeout)
		}, time.Second, 5*time.Millisecond)

		ack.AssertExpectations(t)
		assert.Equal(t, ackNacked, ctrl.current())
	})

	t.Run("ack before the timeout wins", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, false)
		ctrl.Defer(30 * time.Millisecond)
		require.NoError(t, ctrl.Ack())

		time.Sleep(80 * time.Millisecond)

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, []DeliveryOutcome{OutcomeAcked}, env.metrics.outcomes())
	})

	t.Run("defer applies once", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, false)
		ctrl.Defer(time.Hour)
		ctrl.Defer(time.Millisecond)

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, ackDeferred, ctrl.current())

		require.NoError(t, ctrl.Ack())
		ack.AssertExpectations(t)
	})

	t.Run("defer after settlement is ignored", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, false)
		require.NoError(t, ctrl.Ack())
		ctrl.Defer(time.Millisecond)

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, ackAcked, ctrl.current())
		ack.AssertExpectations(t)
	})

	t.Run("zero timeout uses the bus default", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.DeferredAckTimeout = 20 * time.Millisecond })
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()

		ctrl := newController(env, ack, false)
		ctrl.Defer(0)

		require.Eventually(t, func() bool {
			return env.metrics.hasOutcome(OutcomeDeferredTimeout)
		}, time.Second, 5*time.Millisecond)
		ack.AssertExpectations(t)
	})

	t.Run("handler failure after settlement is only logged", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, false)
		require.NoError(t, ctrl.Ack())
		ctrl.fail(assert.AnError, "")

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("handler failure of a redelivered delivery carries the stack", func(t *testing.T) {
		env := newTestEnv(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		ctrl := newController(env, ack, true)
		ctrl.fail(assert.AnError, "goroutine 1 [running]")

		routed := errorQueue(t, env.broker, DefaultErrorQueue)
		require.Len(t, routed, 1)
		require.NotNil(t, routed[0].Stack)
		assert.Equal(t, "goroutine 1 [running]", *routed[0].Stack)
		assert.Contains(t, *routed[0].Error, assert.AnError.Error())
	})
}

func TestAckControllerSingleSettlement(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 100; i++ {
		counter := &countingAcknowledger{}
		ctrl := newController(env, counter, false)
		ctrl.Defer(time.Millisecond)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				time.Sleep(time.Duration(j) * 300 * time.Microsecond)
				if j%2 == 0 {
					ctrl.Ack()
				} else {
					ctrl.Nack("race")
				}
			}(j)
		}
		wg.Wait()

		require.Eventually(t, func() bool { return ctrl.current().terminal() }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, int32(1), counter.total(), "iteration %d", i)
	}
}
