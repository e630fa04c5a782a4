// Package sink sends alert payloads to notification destinations.
//
// Webhook speaks the JSON formats of Slack, Microsoft Teams, PagerDuty
// Events v2 and plain HTTP endpoints. Log writes the payload to the
// structured log. Breaker wraps any Sink with one circuit breaker per
// destination so a dead endpoint fails fast.
package sink
