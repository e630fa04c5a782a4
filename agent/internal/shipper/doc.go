// Package shipper sends latency samples to pulse-server over HTTP.
//
// Ship is non-blocking: samples go into a bounded channel and the oldest
// one is evicted when it is full. Run flushes the buffer every ship
// interval, POSTing types.SampleBatch bodies of at most batch_size samples
// to /api/v1/samples with the configured API key header.
//
// Failed sends are retried with cenkalti/backoff exponential backoff
// (1s to 60s, no deadline). HTTP 400, 401 and 403 are permanent: the batch
// is logged and discarded.
package shipper
