// Package token provides opaque-token hashing primitives.
//
// It is the single source of truth for invitation-token hashing behavior.
//
// Design goals:
// - Default dev/back-compat mode: SHA-256(token) when no HMAC key is configured.
// - Production-enforced mode: HMAC-SHA256(token, key) when policy requires it.
// - Stable 64-char hex output for storage and constant-time comparison.
//
// Environment:
// - TEXLER_TOKEN_HMAC_KEY: when set, enables HMAC mode.
package token
