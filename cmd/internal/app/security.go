package app

import (
	"errors"
	"fmt"

	"barterhub/cmd/internal/auth"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast is intentional: a server that signs session tokens with an empty
// or guessable secret must not come up at all. The minimum is measured in
// bytes (not runes) because the secret is fed to HMAC-SHA256 as raw bytes.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("security policy: BARTERHUB_JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < auth.MinSecretBytes {
		return fmt.Errorf("security policy: BARTERHUB_JWT_SECRET too short (min %d bytes)", auth.MinSecretBytes)
	}
	if cfg.TokenTTL <= 0 {
		return errors.New("security policy: BARTERHUB_TOKEN_TTL must be positive")
	}
	return nil
}
