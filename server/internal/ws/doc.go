// Package ws implements the WebSocket hub for pulse-server.
//
// Hub manages a set of connected clients. It broadcasts the health summary
// to all of them on a fixed interval (5s in production) and forwards every
// domain event it is handed as an events.Publisher, so dashboards see
// routed alerts and dead letters as they happen.
//
// Message format sent to clients:
//
//	{"event": "summary", "data": { /* same schema as GET /api/v1/health */ }}
//	{"event": "alert.routed", "data": { /* model.Event */ }}
//
// Clients may narrow the event stream with ?events=alert,delivery.stale;
// summaries are always sent.
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The server mounts the hub at /ws/stream.
package ws
