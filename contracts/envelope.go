package contracts

// Envelope is the wire form of a message: the serialized body plus the
// protocol metadata that travels in AMQP properties rather than the body.
type Envelope struct {
	Body          []byte
	Type          string
	CorrelationID string
	ReplyTo       string
	Redelivered   bool
}

// DeliveryInfo describes where a received envelope came from.
type DeliveryInfo struct {
	Exchange    string
	RoutingKey  string
	DeliveryTag uint64
	ConsumerTag string
}
