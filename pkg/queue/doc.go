// Package queue defines the driver contract for asynchronous job queues and
// the pieces shared by every backend implementation.
//
// A Driver publishes JSON payloads to named queues (Enqueue), attaches at most
// one long-running consumer per queue name (Process) and stops every consumer
// on shutdown (Drain). Backends live in sub-packages (sqs, kafka, redis,
// memory); the drivers package selects one from Config.
//
// Every payload is deduplicated by content: DedupToken returns the lowercase
// hex SHA-256 of the serialized payload and backends that support a
// deduplication window forward it unchanged.
//
// Drain MUST be called before the process exits so that in-flight handlers
// can finish and consumers stop polling.
package queue
