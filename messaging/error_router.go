package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/serialization"
)

// SendToErrorQueue wraps msg with error and stack text in an ErrorMessage
// and sends it to the error queue, declaring the queue if needed. Failures
// are logged and counted, never returned: routing an error must not fail
// the consumer that asked for it.
func (b *Bus) SendToErrorQueue(ctx context.Context, msg *contracts.Message, errText, stack string) {
	var original []byte
	typeID := ""
	if msg != nil {
		typeID = msg.TypeID
		data, err := json.Marshal(serialization.Strip(msg))
		if err != nil {
			b.logger.Warn("failed to serialize message for the error queue", "typeId", typeID, "error", err)
		} else {
			original = data
		}
	}
	b.routeError(ctx, typeID, original, errText, stack)
}

// routeError is the raw form of SendToErrorQueue, used for bodies that
// never decoded into a message.
func (b *Bus) routeError(ctx context.Context, typeID string, original []byte, errText, stack string) bool {
	if err := b.sendError(ctx, contracts.NewErrorMessage(original, errText, stack)); err != nil {
		b.logger.Error("failed to route message to error queue",
			"queue", b.cfg.ErrorQueue,
			"typeId", typeID,
			"reason", errText,
			"error", err)
		b.metrics.RecordErrorRouteFailure(typeID)
		return false
	}

	b.logger.Warn("message routed to error queue",
		"queue", b.cfg.ErrorQueue,
		"typeId", typeID,
		"reason", errText)
	return true
}

func (b *Bus) sendError(ctx context.Context, em *contracts.ErrorMessage) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	env, err := serialization.Encode(em.ToMessage())
	if err != nil {
		return err
	}

	if _, err := b.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(b.cfg.ErrorQueue)); err != nil {
		return fmt.Errorf("failed to declare error queue: %w", err)
	}
	return b.publish(ctx, "", b.cfg.ErrorQueue, env)
}
