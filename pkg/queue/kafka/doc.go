// Package kafka implements queue.Driver on top of Apache Kafka using
// confluent-kafka-go.
//
// Each queue maps to a topic and is consumed by its own consumer group.
// Records are handled one at a time per queue; the offset of a record is
// stored once its handler succeeded, and a failed record is retried by
// seeking back to it. Kafka has no broker side deduplication, so the payload
// digest travels in a header for consumers that need it.
package kafka
