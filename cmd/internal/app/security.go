package app

import (
	"errors"
	"fmt"

	"github.com/Force67/texler/cmd/security/token"
)

// ValidateSecurityConfig enforces the server's security policy at startup.
// Fail-fast: silently falling back to weaker crypto in production is
// unacceptable, so policy violations abort boot.
func ValidateSecurityConfig(cfg Config) error {
	if len(cfg.JWTSecret) > 0 && len(cfg.JWTSecret) < 32 {
		return fmt.Errorf("security policy: TEXLER_JWT_SECRET must be at least 32 bytes, got %d", len(cfg.JWTSecret))
	}

	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret, measured in bytes because
	// the key is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: TEXLER_REQUIRE_TOKEN_HMAC=true but TEXLER_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: TEXLER_REQUIRE_TOKEN_HMAC=true but TEXLER_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	// Hard assertion: hashing must be HMAC-enabled in this runtime. Guards
	// against future changes reintroducing a SHA fallback under policy.
	if !token.HMACEnabled() {
		return errors.New("security policy: TEXLER_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
