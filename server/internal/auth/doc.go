// Package auth provides authentication middleware for pulse-server.
//
// APIKey(mode, header, key) returns chi-compatible HTTP middleware that
// checks the API key in the named request header.
//
// When mode != "apikey" or key == "", all requests pass through (useful for
// local development with auth disabled). A missing or incorrect key is
// answered with 401 before the wrapped handler runs.
package auth
