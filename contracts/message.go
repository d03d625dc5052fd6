package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// TypeIDField is the JSON property carrying a message's logical type.
const TypeIDField = "TypeID"

// Message is a typed payload travelling on the bus. TypeID names the
// message's logical type; Fields holds the remaining structured data.
//
// On the wire a Message is a flat JSON object: Fields plus a "TypeID"
// property, which keeps it compatible with EasyNetQ-style consumers.
type Message struct {
	TypeID string
	Fields map[string]interface{}
}

// NewMessage creates a message of the given type. A nil fields map is
// replaced with an empty one.
func NewMessage(typeID string, fields map[string]interface{}) *Message {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &Message{TypeID: typeID, Fields: fields}
}

// FromStruct builds a message from any value that marshals to a JSON object.
func FromStruct(typeID string, v interface{}) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}

	fields, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	delete(fields, TypeIDField)

	return &Message{TypeID: typeID, Fields: fields}, nil
}

// Validate reports ErrInvalidTypeID when the message has no type.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidTypeID)
	}
	return ValidateTypeID(m.TypeID)
}

// ValidateTypeID reports ErrInvalidTypeID for an empty type identifier.
func ValidateTypeID(typeID string) error {
	if typeID == "" {
		return fmt.Errorf("%w: %q is not a valid TypeID", ErrInvalidTypeID, typeID)
	}
	return nil
}

// Get returns a field value.
func (m *Message) Get(key string) (interface{}, bool) {
	if key == TypeIDField {
		return m.TypeID, m.TypeID != ""
	}
	v, ok := m.Fields[key]
	return v, ok
}

// Set assigns a field value. Setting "TypeID" changes the message type.
func (m *Message) Set(key string, value interface{}) {
	if key == TypeIDField {
		if s, ok := value.(string); ok {
			m.TypeID = s
		}
		return
	}
	if m.Fields == nil {
		m.Fields = make(map[string]interface{})
	}
	m.Fields[key] = value
}

// Bind copies the message into dst, which is typically a pointer to a struct
// whose json tags match the message fields.
func (m *Message) Bind(dst interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// MarshalJSON flattens the message into a single JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(m.Fields)+1)
	for k, v := range m.Fields {
		obj[k] = v
	}
	obj[TypeIDField] = m.TypeID
	return json.Marshal(obj)
}

// UnmarshalJSON reads a flat JSON object. A non-string TypeID property is
// treated as absent.
func (m *Message) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}

	m.TypeID = ""
	if raw, ok := fields[TypeIDField]; ok {
		if s, ok := raw.(string); ok {
			m.TypeID = s
		}
		delete(fields, TypeIDField)
	}
	m.Fields = fields
	return nil
}

// String returns the JSON form of the message, for logs.
func (m *Message) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Message{TypeID: %s}", m.TypeID)
	}
	return string(data)
}

func decodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	if fields == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return fields, nil
}
