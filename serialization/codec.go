package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/glimte/hutch-go/contracts"
)

// DiscriminatorKey is the type-discriminator property some serializers
// (Json.NET with TypeNameHandling) embed in payloads. It is never sent and
// is dropped from anything received.
const DiscriminatorKey = "$type"

// excludedKeys is the allow-list of properties removed from payload trees.
var excludedKeys = map[string]struct{}{
	DiscriminatorKey: {},
}

// Encode frames a message for the wire. It fails with ErrInvalidTypeID when
// the message has no type. Field values encoding/json cannot represent
// (channels, funcs, NaN or infinite floats) are rejected with a marshal error.
func Encode(msg *contracts.Message) (contracts.Envelope, error) {
	if err := msg.Validate(); err != nil {
		return contracts.Envelope{}, err
	}

	clean := contracts.Message{
		TypeID: msg.TypeID,
		Fields: stripMap(msg.Fields),
	}

	body, err := json.Marshal(clean)
	if err != nil {
		return contracts.Envelope{}, fmt.Errorf("failed to marshal %s: %w", msg.TypeID, err)
	}

	return contracts.Envelope{
		Body: body,
		Type: msg.TypeID,
	}, nil
}

// Decode unframes a received envelope. Bodies that are not a JSON object
// yield ErrMalformedPayload. When the body has no TypeID the wire type is
// used, so events published by non-bus producers still get one.
func Decode(env contracts.Envelope) (*contracts.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(env.Body))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected data after JSON value", contracts.ErrMalformedPayload)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", contracts.ErrMalformedPayload, raw)
	}

	fields := stripMap(obj)
	msg := &contracts.Message{Fields: fields}
	if tid, ok := fields[contracts.TypeIDField].(string); ok {
		msg.TypeID = tid
	}
	delete(fields, contracts.TypeIDField)

	if msg.TypeID == "" {
		msg.TypeID = env.Type
	}
	return msg, nil
}

// Strip returns a copy of v with discriminator properties removed from every
// nested object. Values other than maps and slices are returned unchanged.
func Strip(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return stripMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = Strip(item)
		}
		return out
	case contracts.Message:
		return contracts.Message{TypeID: t.TypeID, Fields: stripMap(t.Fields)}
	case *contracts.Message:
		if t == nil {
			return t
		}
		return &contracts.Message{TypeID: t.TypeID, Fields: stripMap(t.Fields)}
	default:
		return v
	}
}

func stripMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, excluded := excludedKeys[k]; excluded {
			continue
		}
		out[k] = Strip(v)
	}
	return out
}
