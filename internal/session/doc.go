// Package session persists the messaging protocol's long-lived state:
// identity credentials and per-peer key material, addressed by
// (category, id). It exists so the external connection survives process
// restarts without re-authentication.
package session
