// Package rabbitmq is the broker transport boundary of the bus.
//
// This package includes:
//   - Dialer, Connection and Channel: the transport interfaces, with an amqp091-go adapter
//   - ConnectionManager: owns the connection and reports broker-initiated closes to listeners
//   - ChannelPool: short-lived channels for declarations and admin operations
//   - Publisher: one shared confirm-mode channel that serializes publishes
//   - Consumer: one dedicated channel per subscription with its own prefetch
//   - TopologyManager: exchanges, queues and bindings
//
// Transport failures are returned as typed errors (ConnectionError, ChannelError,
// PublishError, ConsumerError, TopologyError) and are never retried here.
package rabbitmq
