// Package transport abstracts the pub/sub substrate carrying task
// envelopes: publishing with partition keys, consumer-group subscriptions,
// and offset/ack management. The broker itself is a black box guaranteeing
// at-least-once delivery and per-partition ordering only.
//
// Sub-packages provide the Kafka adapter (kafka) and an in-process adapter
// with deterministic lease-expiry redelivery (memory).
package transport
