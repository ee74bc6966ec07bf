// Package redis implements queue.Driver on top of Redis Streams.
//
// Each queue is a stream consumed by a consumer group. A job is acknowledged
// with XACK once its handler succeeded; failed jobs stay pending and are
// claimed again with XAUTOCLAIM after ClaimIdle. Enqueue suppresses payloads
// whose deduplication token was seen within DedupWindow using SET NX.
package redis
