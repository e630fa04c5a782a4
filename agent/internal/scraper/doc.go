// Package scraper polls Prometheus /metrics endpoints for latency summaries
// and histograms.
//
// A Source names the metric and the label that carries the operation type.
// Scrape parses the text exposition with expfmt and returns the cumulative
// _sum (in microseconds) and _count per operation. Typed expositions
// (# TYPE x summary|histogram) and untyped _sum/_count series are both
// understood.
//
// Authentication (mTLS, API key, bearer token, basic) is applied by the
// authRoundTripper in base.go.
package scraper
