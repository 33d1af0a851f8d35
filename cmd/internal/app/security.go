package app

import (
	"errors"
	"fmt"
)

const minTokenSecretBytes = 32

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast is intentional: a server that accepts unverifiable tokens must not
// come up at all. The secret length is measured in bytes, not runes, because
// it is fed to HMAC-SHA256 as raw bytes.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.TokenSecret == "" {
		return errors.New("security policy: TETHER_TOKEN_SECRET is missing")
	}
	if len(cfg.TokenSecret) < minTokenSecretBytes {
		return fmt.Errorf("security policy: TETHER_TOKEN_SECRET too short (min %d bytes)", minTokenSecretBytes)
	}
	return nil
}
