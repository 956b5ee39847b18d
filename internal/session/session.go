// Package session defines the opaque admin session object the core reads
// but never owns. Per spec.md §3 ("Session (consumed, not owned)"), the
// admin REST API and its auth/RBAC/SSO flows are a separate subsystem;
// this package only carries the shape the core needs when a request
// touches admin-scoped behavior, such as restricting a cache-invalidation
// call to the vhosts an operator is scoped to. Grounded on the teacher's
// internal/session.Session, trimmed from a full session-lifecycle
// manager (touch/kill/rate-limit tracking for proxied connections) down
// to the read-only admin identity fields the spec actually names.
package session

import "time"

// Admin is the opaque session object the admin surface issues and the
// core only ever reads — never mutates, never expires, never stores.
type Admin struct {
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	VhostScope string    `json:"vhost_scope,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session should no longer be honored.
func (a Admin) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// AllowsVhost reports whether this session's scope permits operating on
// the given vhost. An empty VhostScope means unrestricted (global admin).
func (a Admin) AllowsVhost(vhostID string) bool {
	return a.VhostScope == "" || a.VhostScope == vhostID
}
