// Package cluster implements the instance coordinator (C15): instance
// registration/heartbeat, leader election via set-if-absent-with-TTL,
// leader-maintenance with conditional TTL renewal, and leader-only
// periodic work. Grounded on the teacher's internal/session.Manager.Run
// ticker/select loop for the background-task shape, and on
// internal/session/redis_store.go's pub/sub kill-signal channel for the
// invalidation-broadcast mechanism.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wardengate/internal/kvstore"
)

const (
	instanceHashKey  = "cluster:instances"
	leaderKey        = "cluster:leader"
	invalidationChan = "cluster:invalidate"

	heartbeatInterval   = 15 * time.Second
	instanceTTL         = 90 * time.Second
	driftedThreshold    = 60 * time.Second
	removedThreshold    = 300 * time.Second
	leaderTermTTL       = 30 * time.Second
	leaderCheckInterval = 10 * time.Second
	localLeaderCacheTTL = 5 * time.Second
)

// InstanceStatus classifies an instance by how stale its last heartbeat
// is, as observed by the current leader during maintenance.
type InstanceStatus string

const (
	StatusActive  InstanceStatus = "active"
	StatusDrifted InstanceStatus = "drifted"
	StatusRemoved InstanceStatus = "removed"
)

// InstanceRecord is one instance's heartbeat payload.
type InstanceRecord struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// LeaderTask is a unit of work only the elected leader runs, invoked once
// per leaderCheckInterval while leadership holds.
type LeaderTask func(ctx context.Context) error

// Coordinator manages this instance's membership and, when elected,
// leader-only work.
type Coordinator struct {
	kv         kvstore.Store
	instanceID string

	mu               sync.Mutex
	leaderCacheUntil time.Time
	leaderCacheVal   bool
	leaderToken      []byte // this instance's current leadership token, nil if not leader

	tasks []LeaderTask
}

// NewCoordinator builds a coordinator for instanceID (typically the pod
// or host identity, e.g. from $HOSTNAME).
func NewCoordinator(kv kvstore.Store, instanceID string) *Coordinator {
	return &Coordinator{kv: kv, instanceID: instanceID}
}

// AddLeaderTask registers work to run on every leader-maintenance tick
// while this instance holds leadership.
func (c *Coordinator) AddLeaderTask(t LeaderTask) {
	c.tasks = append(c.tasks, t)
}

// Run starts the heartbeat and leader-maintenance loops and blocks until
// ctx is cancelled. Each loop reschedules its own next timer rather than
// using a ticker, so shutdown is immediate and clean rather than waiting
// out a tick.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.leaderLoop(ctx)
	}()

	wg.Wait()
	slog.Info("cluster coordinator stopped", "instance_id", c.instanceID)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := c.heartbeat(ctx); err != nil {
				slog.Warn("heartbeat failed", "instance_id", c.instanceID, "error", err)
			}
			timer.Reset(heartbeatInterval)
		}
	}
}

func (c *Coordinator) heartbeat(ctx context.Context) error {
	rec := InstanceRecord{ID: c.instanceID, LastSeen: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.HSet(ctx, kvstore.Key(instanceHashKey), c.instanceID, data)
}

func (c *Coordinator) leaderLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.stepDown()
			return
		case <-timer.C:
			c.maintainLeadership(ctx)
			timer.Reset(leaderCheckInterval)
		}
	}
}

func (c *Coordinator) stepDown() {
	c.mu.Lock()
	c.leaderToken = nil
	c.mu.Unlock()
}

// maintainLeadership attempts to acquire leadership if unheld, or extend
// it if held, then runs registered leader tasks and classifies instance
// liveness when leadership is confirmed for this tick.
func (c *Coordinator) maintainLeadership(ctx context.Context) {
	c.mu.Lock()
	token := c.leaderToken
	c.mu.Unlock()

	isLeader := false
	if token == nil {
		newToken := []byte(fmt.Sprintf("%s:%d", c.instanceID, time.Now().UnixNano()))
		acquired, err := c.kv.SetNX(ctx, kvstore.Key(leaderKey), newToken, leaderTermTTL)
		if err != nil {
			slog.Warn("leader election attempt failed", "error", err)
			return
		}
		if acquired {
			c.mu.Lock()
			c.leaderToken = newToken
			c.mu.Unlock()
			isLeader = true
			slog.Info("leadership acquired", "instance_id", c.instanceID)
		}
	} else {
		extended, err := c.kv.CompareAndExtend(ctx, kvstore.Key(leaderKey), token, leaderTermTTL)
		if err != nil {
			slog.Warn("leadership renewal failed", "error", err)
			return
		}
		if extended {
			isLeader = true
		} else {
			c.mu.Lock()
			c.leaderToken = nil
			c.mu.Unlock()
			slog.Warn("leadership lost", "instance_id", c.instanceID)
		}
	}

	if !isLeader {
		return
	}

	c.classifyInstances(ctx)
	for _, task := range c.tasks {
		if err := task(ctx); err != nil {
			slog.Warn("leader task failed", "error", err)
		}
	}
}

// classifyInstances reads every registered instance's heartbeat and
// removes ones stale past removedThreshold, logging drifted ones that
// haven't yet been removed.
func (c *Coordinator) classifyInstances(ctx context.Context) {
	all, err := c.kv.HGetAll(ctx, kvstore.Key(instanceHashKey))
	if err != nil {
		slog.Warn("failed to list instances", "error", err)
		return
	}

	now := time.Now()
	for id, data := range all {
		var rec InstanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		age := now.Sub(rec.LastSeen)
		switch {
		case age > removedThreshold:
			_ = c.kv.HDel(ctx, kvstore.Key(instanceHashKey), id)
			slog.Info("instance removed", "instance_id", id, "age", age)
		case age > driftedThreshold:
			slog.Warn("instance drifted", "instance_id", id, "age", age)
		}
	}
}

// IsLeader reports current leadership, serving from a short local cache
// so hot request paths don't pay a store round trip per call.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.leaderCacheUntil) {
		return c.leaderCacheVal
	}
	c.leaderCacheVal = c.leaderToken != nil
	c.leaderCacheUntil = time.Now().Add(localLeaderCacheTTL)
	return c.leaderCacheVal
}

// BroadcastInvalidation publishes a cache-invalidation signal (e.g. after
// a profile or signature write) so every instance's local caches refresh
// on next read. kind distinguishes profile vs. signature invalidation.
func BroadcastInvalidation(ctx context.Context, kv kvstore.Store, kind, id string) error {
	return kv.Publish(ctx, kvstore.Key(invalidationChan), []byte(kind+":"+id))
}

// SubscribeInvalidations returns a channel of raw "kind:id" invalidation
// messages and a cancel func, for a background listener to wire into the
// profile/signature stores' InvalidateCache methods.
func SubscribeInvalidations(ctx context.Context, kv kvstore.Store) (<-chan []byte, func(), error) {
	return kv.Subscribe(ctx, kvstore.Key(invalidationChan))
}
