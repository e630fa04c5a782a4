// Package events publishes pipeline events (alerts routed, deliveries
// dead-lettered) for asynchronous consumers. Publishing is best effort:
// a failed publish is logged and never blocks the pipeline.
package events
