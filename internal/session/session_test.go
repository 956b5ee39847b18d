package session

import (
	"testing"
	"time"
)

func TestAdmin_ExpiredZeroExpiryNeverExpires(t *testing.T) {
	a := Admin{Username: "root"}
	if a.Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Error("expected a zero ExpiresAt to never expire")
	}
}

func TestAdmin_ExpiredPastDeadline(t *testing.T) {
	a := Admin{Username: "alice", ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if !a.Expired(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected a session past its ExpiresAt to be expired")
	}
	if a.Expired(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected a session before its ExpiresAt to not be expired")
	}
}

func TestAdmin_AllowsVhost_EmptyScopeIsGlobal(t *testing.T) {
	a := Admin{Username: "root"}
	if !a.AllowsVhost("shop.example.com") {
		t.Error("expected an empty VhostScope to permit any vhost")
	}
}

func TestAdmin_AllowsVhost_ScopedRestrictsToMatch(t *testing.T) {
	a := Admin{Username: "alice", VhostScope: "shop.example.com"}
	if !a.AllowsVhost("shop.example.com") {
		t.Error("expected the scoped vhost to be allowed")
	}
	if a.AllowsVhost("other.example.com") {
		t.Error("expected a different vhost to be denied")
	}
}
