// Package secret resolves provider credential references. A credential in
// configuration is either a literal, "env://VAR_NAME", or
// "vault://mount/path#key".
package secret

import "context"

// Provider retrieves secrets from one backing source.
type Provider interface {
	// Get retrieves the secret value for the given path, with the
	// scheme prefix already stripped.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
