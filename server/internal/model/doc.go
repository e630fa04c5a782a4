// Package model holds the domain types of pulse-server: samples, baselines,
// detections, alerts, snoozes, delivery items, destination health and
// rate-limit state. Every other server package speaks in these types; the
// stores persist them and the API serialises them as JSON.
package model
