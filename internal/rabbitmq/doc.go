// Package rabbitmq is the broker boundary of the notification worker.
//
// This package includes:
//   - Dialer, Connection, Channel: narrow views over amqp091-go so consumers can be tested
//   - Session: one connection and one channel per consumer, plus a throwaway-connection health check
//   - Publisher: persistent re-publishing to queues through the default exchange
//   - ConfirmChannel: a channel in confirm mode, so a publish fails unless the broker routed it
//   - QueueWriter: a lazily dialed publisher for producers outside a consumer
//   - Topology helpers: durable queues, TTL-based retry chains, the dead-letter policy and queue inspection
package rabbitmq
