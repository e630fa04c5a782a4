// Package api implements the operator REST API for pulse-server.
//
// New(deps) returns a chi router serving:
//
//	GET  /api/v1/health                     pipeline summary with diagnostic hints
//	GET  /api/v1/baselines                  active baselines
//	GET  /api/v1/baselines/{op}/history     baseline changes for one operation
//	GET  /api/v1/detections?since=          detections (RFC3339 or a duration back)
//	GET  /api/v1/correlations               correlation results
//	GET  /api/v1/alerts?state=              alerts, newest first
//	GET  /api/v1/alerts/{id}                one alert; 404 if unknown
//	POST /api/v1/alerts/{id}/ack            acknowledge
//	POST /api/v1/alerts/{id}/resolve        resolve
//	GET  /api/v1/snoozes                    snoozes
//	POST /api/v1/snoozes                    create a snooze
//	GET  /api/v1/deliveries?status=         delivery items
//	GET  /api/v1/escalations                dead-lettered and stale items
//	GET  /api/v1/destinations               health and bucket per destination
//	GET  /api/v1/backpressure?destination=  backpressure signal history
//	GET  /api/v1/rates?destination=         committed rate changes
//	GET  /api/v1/jobs                       recent batch job reports
//	GET  /api/v1/stats                      flattened pulse_* metrics
//
// All endpoints respond with Content-Type: application/json. Errors carry
// {"error": "..."}. JSON types are defined in types.go.
package api
