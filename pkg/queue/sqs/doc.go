// Package sqs implements queue.Driver on top of Amazon SQS.
//
// Each queue name maps to a queue URL. Enqueue sends the JSON payload with
// SendMessage; on FIFO queues the payload digest is the deduplication id and
// the queue name is the message group id, so identical payloads sent within
// the SQS deduplication interval are delivered once. Process starts a long
// polling consumer that deletes a message after its handler succeeds and
// leaves it for redelivery otherwise.
package sqs
