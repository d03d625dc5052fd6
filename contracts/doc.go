// Package contracts provides the core message types shared by every part of the bus.
//
// This package defines:
//   - Message: a TypeID plus freeform fields, serialized as one flat JSON object
//   - Envelope: the wire body together with its AMQP metadata (type, correlation id, reply-to)
//   - ErrorMessage: the wrapper placed on the error queue for undeliverable messages
//   - The error taxonomy (ErrInvalidTypeID, ErrTypeMismatch, ErrRPCTimeout, ...)
//
// Messages are wire compatible with EasyNetQ-style consumers: the logical type travels both in
// the "TypeID" property of the body and in the AMQP "type" property.
package contracts
