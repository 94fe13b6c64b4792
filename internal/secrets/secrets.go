// Package secrets provides the fingerprint-key provider boundary: the key
// material used to compute row fingerprints must come from somewhere other
// than a hardcoded default, and its absence is a fatal, non-silent failure
// rather than an empty string.
package secrets

import (
	"errors"
	"fmt"
	"os"
)

// ErrFingerprintKeyUnavailable is returned when no fingerprint key is
// configured. It is a fatal error kind and must never be swallowed into an
// empty-string key.
var ErrFingerprintKeyUnavailable = errors.New("secrets: fingerprint key unavailable")

// Provider resolves secret key material by name. Its only current consumer
// is the fingerprint key, but the interface is kept name-indexed rather than
// single-purpose so a future secret (e.g. a sink's API credential) can reuse
// the same seam.
type Provider interface {
	// Get returns the named secret's value, or ErrFingerprintKeyUnavailable
	// (wrapped with the name) if it is not configured.
	Get(name string) (string, error)
}

// EnvProvider resolves secrets from environment variables, following
// internal/config.GetEnvStr's env-var-lookup idiom — but, unlike GetEnvStr,
// EnvProvider never substitutes a default for a missing secret.
type EnvProvider struct{}

var _ Provider = EnvProvider{}

// Get reads name directly from the process environment.
func (EnvProvider) Get(name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrFingerprintKeyUnavailable, name)
	}

	return value, nil
}

// FingerprintKeyEnvVar is the environment variable EnvProvider reads for the
// row fingerprint key.
const FingerprintKeyEnvVar = "ELSPETH_FINGERPRINT_KEY"

// FingerprintKey is a small convenience wrapper over Provider.Get for the
// one secret every run needs before processing the first row.
func FingerprintKey(p Provider) (string, error) {
	return p.Get(FingerprintKeyEnvVar)
}
