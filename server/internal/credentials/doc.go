// Package credentials resolves the endpoint URL or key of a notification
// destination.
//
// A destination names at most one source: an environment variable
// (url_env), an AES-256-GCM ciphertext kept in the config file
// (ciphertext), or an AWS Secrets Manager secret (secret_id, optionally
// suffixed with #field to pick one field of a JSON secret). Resolver tries
// each configured source in order.
package credentials
