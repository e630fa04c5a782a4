// Package receiver implements POST /api/v1/samples, the only way samples
// enter the server.
//
// The body is either one sample or a types.SampleBatch. Each sample is
// validated and recorded by the baseline service; when a sample breaches its
// operation's threshold the resulting alert is routed before the request
// returns. Invalid samples are rejected with 400 and nothing is persisted
// for them. Authentication is enforced upstream by the auth middleware.
package receiver
