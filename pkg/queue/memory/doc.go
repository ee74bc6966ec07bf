// Package memory implements queue.Driver with in-process buffered channels.
//
// It is meant for tests and single process deployments: jobs do not survive
// a restart. Identical payloads enqueued within DedupWindow are suppressed,
// and failed jobs are redelivered after RedeliveryDelay until MaxAttempts is
// reached.
package memory
