package reputation

import (
	"context"
	"errors"
	"testing"

	"wardengate/internal/kvstore"
)

type fakeProvider struct {
	name       string
	listed     bool
	score      int
	err        error
	lookupCall int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Lookup(ctx context.Context, ip string) (bool, int, error) {
	f.lookupCall++
	return f.listed, f.score, f.err
}

func TestChecker_LocalBlocklistShortCircuitsBeforeRemote(t *testing.T) {
	remote := &fakeProvider{name: "abuse-db", listed: true}
	c := NewChecker(Config{LocalBlocklist: []string{"203.0.113.0/24"}, BlockScore: 90, FlagScore: 10}, kvstore.NewMemoryStore(), remote)

	v, err := c.Check(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.Listed || v.Source != "local" || v.BlockScore != 90 {
		t.Errorf("expected a local match, got %+v", v)
	}
	if remote.lookupCall != 0 {
		t.Error("expected the local blocklist hit to short-circuit before calling the remote provider")
	}
}

func TestChecker_NoRemoteConfiguredReturnsUnlistedWhenLocalMisses(t *testing.T) {
	c := NewChecker(Config{BlockScore: 90, FlagScore: 10}, nil, nil)
	v, err := c.Check(context.Background(), "8.8.8.8")
	if err != nil || v.Listed {
		t.Errorf("expected an unlisted verdict with no remote configured, got %+v err=%v", v, err)
	}
}

func TestChecker_RemoteLookupAndCache(t *testing.T) {
	remote := &fakeProvider{name: "abuse-db", listed: true, score: 40}
	kv := kvstore.NewMemoryStore()
	c := NewChecker(Config{BlockScore: 90, FlagScore: 10}, kv, remote)

	v, err := c.Check(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.Listed || v.Source != "abuse-db" || v.BlockScore != 90 || v.FlagScore != 40 {
		t.Errorf("got %+v", v)
	}
	if remote.lookupCall != 1 {
		t.Errorf("expected one remote lookup, got %d", remote.lookupCall)
	}

	// Second call should be served from cache, not the remote provider again.
	if _, err := c.Check(context.Background(), "8.8.8.8"); err != nil {
		t.Fatalf("Check (cached): %v", err)
	}
	if remote.lookupCall != 1 {
		t.Errorf("expected the second lookup to be served from cache, remote was called %d times", remote.lookupCall)
	}
}

func TestChecker_RemoteErrorPropagates(t *testing.T) {
	remote := &fakeProvider{name: "abuse-db", err: errors.New("timeout")}
	c := NewChecker(Config{}, kvstore.NewMemoryStore(), remote)
	_, err := c.Check(context.Background(), "8.8.8.8")
	if err == nil {
		t.Error("expected a remote lookup error to propagate")
	}
}

func TestChecker_UnlistedRemoteResultDoesNotCarryScores(t *testing.T) {
	remote := &fakeProvider{name: "abuse-db", listed: false}
	c := NewChecker(Config{BlockScore: 90, FlagScore: 10}, kvstore.NewMemoryStore(), remote)
	v, err := c.Check(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Listed || v.BlockScore != 0 || v.FlagScore != 0 {
		t.Errorf("expected an unlisted remote result to carry no scores, got %+v", v)
	}
}

func TestChecker_AddLocalExtendsBlocklist(t *testing.T) {
	c := NewChecker(Config{BlockScore: 50}, nil, nil)
	if !c.AddLocal("198.51.100.0/24") {
		t.Fatal("expected AddLocal to accept a valid CIDR")
	}
	v, err := c.Check(context.Background(), "198.51.100.7")
	if err != nil || !v.Listed {
		t.Errorf("expected the newly added CIDR to match, got %+v err=%v", v, err)
	}
}
