package contracts

import (
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidTypeID is returned when a message or type descriptor has no TypeID
	ErrInvalidTypeID = errors.New("invalid TypeID")

	// ErrInvalidHandler is returned when a subscribe/receive/respond call gets a nil handler
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrTypeMismatch marks a delivery whose wire type differs from the consumer's type
	ErrTypeMismatch = errors.New("mismatched TypeID")

	// ErrDoubleNack marks a nack of a delivery the broker already redelivered
	ErrDoubleNack = errors.New("attempted to nack previously nack'd message")

	// ErrRPCTimeout is returned when no reply arrives within the configured window
	ErrRPCTimeout = errors.New("timed-out waiting for RPC response")

	// ErrMalformedPayload marks a body that is not a JSON object
	ErrMalformedPayload = errors.New("malformed message payload")
)

// ErrorMessageTypeID is the type of every message sent to the error queue.
const ErrorMessageTypeID = "Common.ErrorMessage:Messages"

// ErrorMessage is the wrapper placed on the error queue. Message carries the
// serialized original, or null when it could not be captured.
type ErrorMessage struct {
	TypeID  string  `json:"TypeID"`
	Message *string `json:"Message"`
	Error   *string `json:"Error"`
	Stack   *string `json:"Stack"`
}

// NewErrorMessage wraps an original body with error and stack text. Empty
// strings become null.
func NewErrorMessage(original []byte, errText, stack string) *ErrorMessage {
	em := &ErrorMessage{TypeID: ErrorMessageTypeID}
	if original != nil {
		s := string(original)
		em.Message = &s
	}
	if errText != "" {
		em.Error = &errText
	}
	if stack != "" {
		em.Stack = &stack
	}
	return em
}

// ToMessage converts the wrapper into a bus message.
func (e *ErrorMessage) ToMessage() *Message {
	fields := map[string]interface{}{
		"Message": nullable(e.Message),
		"Error":   nullable(e.Error),
		"Stack":   nullable(e.Stack),
	}
	return &Message{TypeID: ErrorMessageTypeID, Fields: fields}
}

// ErrorMessageFrom reads an error-queue message back into its wrapper.
func ErrorMessageFrom(msg *Message) (*ErrorMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var em ErrorMessage
	if err := json.Unmarshal(data, &em); err != nil {
		return nil, err
	}
	return &em, nil
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
