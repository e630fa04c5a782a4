// Package types defines the wire types shared by pulse-agent and pulse-server.
// They describe what an instrumented caller sends to POST /api/v1/samples and
// what the server answers, independent of the server's internal model.
package types
