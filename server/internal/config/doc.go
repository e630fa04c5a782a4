// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Sections:
//   - http_port, auth: API listener and API-key authentication
//   - storage, retention: memory or sqlite store, sample retention
//   - baseline, detection: recalculation gate and detector thresholds
//   - correlation, routing: pair analysis, alert routing and escalation
//   - credentials, destinations: notification endpoints and secret sources
//   - shaper, delivery: rate limiting, backpressure and retry policy
//   - events, jobs: NATS publishing and the batch job schedule
//
// Load(path) applies defaults before unmarshalling, then validates. Holder
// keeps the active snapshot; Watch reloads the file on change and swaps the
// snapshot without touching runs already in progress.
package config
