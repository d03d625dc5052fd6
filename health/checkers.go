package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/messaging"
)

// DefaultQueueDepthThreshold is the message count above which a queue is degraded.
const DefaultQueueDepthThreshold = 10000

// Pinger is the part of a bus the connection check needs
type Pinger interface {
	IsConnected() bool
	Ping(ctx context.Context) error
}

// QueueInspector is the part of an extended bus the queue check needs
type QueueInspector interface {
	QueueStatus(ctx context.Context, name string) (messaging.QueueStatus, error)
}

// ConnectionChecker checks the broker connection by opening a probe channel
type ConnectionChecker struct {
	bus Pinger
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(bus Pinger) *ConnectionChecker {
	return &ConnectionChecker{bus: bus}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.bus.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	if err := c.bus.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queue     string
	bus       QueueInspector
	threshold int
}

// NewQueueChecker creates a queue health checker. A threshold of zero or
// less uses DefaultQueueDepthThreshold.
func NewQueueChecker(bus QueueInspector, queue string, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultQueueDepthThreshold
	}
	return &QueueChecker{queue: queue, bus: bus, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, err := c.bus.QueueStatus(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		if rabbitmq.IsNotFound(err) {
			result.Message = fmt.Sprintf("Queue %s does not exist", c.queue)
		}
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = status.Queue
	result.Details["message_count"] = status.MessageCount
	result.Details["consumer_count"] = status.ConsumerCount

	if status.MessageCount > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	}
	return result
}
