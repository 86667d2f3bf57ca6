// Package lock implements a fair, renewable, owner-verified distributed
// mutex over the coordination store. Acquisition is queued by priority and
// arrival time, lock state is guarded by server-side scripts, and a
// background heartbeat renews held locks until release.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/coord"
	"codeplane/internal/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default lock parameters.
const (
	DefaultAcquireTimeout = 10 * time.Second
	DefaultTTL            = 30 * time.Second
	DefaultRetryInterval  = 100 * time.Millisecond
)

// record is the JSON payload stored at lock:{resource}.
type record struct {
	LockID       string `json:"lock_id"`
	OwnerID      string `json:"owner_id"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	RenewalCount int64  `json:"renewal_count"`
}

// acquireScript deletes an abandoned lock (expires_at in the past), then
// takes the lock only when it is free and this request heads the queue.
var acquireScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[4])
if raw then
	local cur = cjson.decode(raw)
	if tonumber(cur.expires_at_ms) < now then
		redis.call('DEL', KEYS[1])
		raw = false
	end
end
if not raw then
	local head = redis.call('ZRANGE', KEYS[2], 0, 0)
	if head[1] == nil or head[1] == ARGV[1] then
		redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
		redis.call('ZREM', KEYS[2], ARGV[1])
		return 1
	end
end
return 0
`)

// renewScript extends a lock only when the caller still owns it.
var renewScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local cur = cjson.decode(raw)
if cur.owner_id ~= ARGV[1] or cur.lock_id ~= ARGV[2] then return -1 end
cur.expires_at_ms = tonumber(ARGV[3])
cur.renewal_count = (cur.renewal_count or 0) + 1
redis.call('SET', KEYS[1], cjson.encode(cur), 'PX', ARGV[4])
return cur.renewal_count
`)

// releaseScript deletes a lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local cur = cjson.decode(raw)
if cur.owner_id ~= ARGV[1] or cur.lock_id ~= ARGV[2] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Options tune one acquisition.
type Options struct {
	Timeout  time.Duration // total time to wait; 0 = DefaultAcquireTimeout
	Blocking bool          // false = single attempt
	TTL      time.Duration // lock lifetime per renewal; 0 = DefaultTTL
	Priority int           // higher wins the queue
}

// Manager coordinates lock acquisition for one logical owner (typically one
// process). It tracks held locks for ordering checks and deadlock scans.
type Manager struct {
	store   *coord.Store
	ownerID string
	retry   time.Duration
	log     *logging.Logger

	mu   sync.Mutex
	held map[string]*Lock // resource -> lock
}

// NewManager builds a Manager with a unique owner identity.
func NewManager(store *coord.Store) *Manager {
	return &Manager{
		store:   store,
		ownerID: fmt.Sprintf("owner-%s", uuid.New().String()[:8]),
		retry:   DefaultRetryInterval,
		log:     logging.Get(logging.CategoryLock),
		held:    make(map[string]*Lock),
	}
}

// OwnerID exposes the manager's owner identity.
func (m *Manager) OwnerID() string { return m.ownerID }

// SetRetryInterval overrides the polling interval between acquisition
// attempts.
func (m *Manager) SetRetryInterval(d time.Duration) { m.retry = d }

// Lock is a held distributed lock. Release it exactly once.
type Lock struct {
	manager  *Manager
	resource string
	lockID   string
	ttl      time.Duration

	cancelRenew context.CancelFunc
	lost        chan struct{}
	lostOnce    sync.Once

	mu           sync.Mutex
	renewalCount int64
}

// Resource returns the locked resource name.
func (l *Lock) Resource() string { return l.resource }

// Lost is closed when a renewal discovers the lock is gone or re-owned.
func (l *Lock) Lost() <-chan struct{} { return l.lost }

// RenewalCount returns how many times the heartbeat has renewed the lock.
func (l *Lock) RenewalCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewalCount
}

// queueMember encodes one waiter: owner|request|deadlineMs. The deadline
// lets any scanner prune waiters that gave up.
func queueMember(owner, request string, deadline time.Time) string {
	return fmt.Sprintf("%s|%s|%d", owner, request, deadline.UnixMilli())
}

func parseQueueMember(member string) (owner string, deadlineMs int64, ok bool) {
	parts := strings.Split(member, "|")
	if len(parts) != 3 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], ms, true
}

// queueScore orders waiters by priority (descending) then arrival. Priority
// dominates: one priority point outweighs any realistic arrival delta.
func queueScore(priority int, arrival time.Time) float64 {
	return float64(arrival.UnixMilli()) - float64(priority)*1e12
}

// Acquire takes the lock on resource, queue-fairly. Non-blocking attempts
// return LOCK_TIMEOUT immediately when the lock is unavailable.
func (m *Manager) Acquire(ctx context.Context, resource string, opts Options) (*Lock, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultAcquireTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	m.warnOnOrdering(resource)

	lockKey := coord.PrefixLock + resource
	queueKey := coord.PrefixLockQueue + resource
	lockID := uuid.New().String()
	deadline := time.Now().Add(opts.Timeout)
	member := queueMember(m.ownerID, lockID, deadline)

	if err := m.store.ZAdd(ctx, queueKey, queueScore(opts.Priority, time.Now()), member); err != nil {
		return nil, err
	}
	// The queue entry is removed on success (by the script) and on every
	// failure path below.
	dequeue := func() { _ = m.store.ZRem(context.WithoutCancel(ctx), queueKey, member) }

	for attempt := 0; ; attempt++ {
		now := time.Now()
		payload, _ := json.Marshal(record{
			LockID:       lockID,
			OwnerID:      m.ownerID,
			AcquiredAtMs: now.UnixMilli(),
			ExpiresAtMs:  now.Add(opts.TTL).UnixMilli(),
		})

		res, err := m.store.Eval(ctx, acquireScript,
			[]string{lockKey, queueKey},
			member, string(payload), opts.TTL.Milliseconds(), now.UnixMilli())
		if err != nil {
			dequeue()
			return nil, err
		}
		if n, _ := res.(int64); n == 1 {
			return m.registerHeld(resource, lockID, opts.TTL), nil
		}

		if !opts.Blocking {
			dequeue()
			return nil, apperrors.New(apperrors.CodeLockTimeout, "lock %s unavailable", resource)
		}
		if time.Now().After(deadline) {
			dequeue()
			return nil, apperrors.New(apperrors.CodeLockTimeout,
				"timed out acquiring lock %s after %s", resource, opts.Timeout)
		}

		m.pruneQueue(ctx, queueKey)
		if attempt > 0 {
			if err := m.detectDeadlock(ctx, resource); err != nil {
				dequeue()
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			dequeue()
			return nil, apperrors.Wrap(apperrors.CodeCancelled, ctx.Err(), "lock acquire cancelled")
		case <-time.After(m.retry):
		}
	}
}

// registerHeld records the lock and starts its renewal heartbeat.
func (m *Manager) registerHeld(resource, lockID string, ttl time.Duration) *Lock {
	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		manager:     m,
		resource:    resource,
		lockID:      lockID,
		ttl:         ttl,
		cancelRenew: cancel,
		lost:        make(chan struct{}),
	}

	m.mu.Lock()
	m.held[resource] = l
	m.mu.Unlock()

	go l.heartbeat(renewCtx)
	m.log.Debug("acquired lock %s (id=%s, ttl=%s)", resource, lockID[:8], ttl)
	return l
}

// heartbeat renews the lock every ttl/3 until released or lost.
func (l *Lock) heartbeat(ctx context.Context) {
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expires := time.Now().Add(l.ttl)
			res, err := l.manager.store.Eval(ctx, renewScript,
				[]string{coord.PrefixLock + l.resource},
				l.manager.ownerID, l.lockID, expires.UnixMilli(), l.ttl.Milliseconds())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.manager.log.Warn("renewal failed for %s: %v", l.resource, err)
				continue
			}
			n, _ := res.(int64)
			if n < 0 {
				// Lock missing or owned by someone else: we lost it.
				l.manager.log.Warn("lock %s lost during renewal", l.resource)
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
			l.mu.Lock()
			l.renewalCount = n
			l.mu.Unlock()
		}
	}
}

// Release gives the lock up. Releasing a lock the caller no longer owns
// returns LOCK_NOT_OWNED without side effects.
func (l *Lock) Release(ctx context.Context) error {
	l.cancelRenew()

	l.manager.mu.Lock()
	if l.manager.held[l.resource] == l {
		delete(l.manager.held, l.resource)
	}
	l.manager.mu.Unlock()

	res, err := l.manager.store.Eval(ctx, releaseScript,
		[]string{coord.PrefixLock + l.resource},
		l.manager.ownerID, l.lockID)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return apperrors.New(apperrors.CodeLockNotOwned, "lock %s not owned on release", l.resource)
	}
	l.manager.log.Debug("released lock %s", l.resource)
	return nil
}

// warnOnOrdering flags acquisitions that violate ascending resource-name
// order while other locks are held. Out-of-order acquisition is the
// precondition for circular wait.
func (m *Manager) warnOnOrdering(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for held := range m.held {
		if resource < held {
			m.log.Warn("acquiring %q while holding %q violates ascending lock order", resource, held)
			return
		}
	}
}

// pruneQueue drops waiters whose deadlines have passed.
func (m *Manager) pruneQueue(ctx context.Context, queueKey string) {
	entries, err := m.store.ZRangeWithScores(ctx, queueKey, 0, 63)
	if err != nil {
		return
	}
	nowMs := time.Now().UnixMilli()
	var stale []string
	for _, z := range entries {
		member, _ := z.Member.(string)
		if _, deadlineMs, ok := parseQueueMember(member); ok && deadlineMs < nowMs {
			stale = append(stale, member)
		}
	}
	if len(stale) > 0 {
		_ = m.store.ZRem(ctx, queueKey, stale...)
	}
}

// detectDeadlock rebuilds the wait-for graph from the lock keyspace and
// aborts with DEADLOCK_DETECTED when a cycle involves this owner.
func (m *Manager) detectDeadlock(ctx context.Context, waitingFor string) error {
	holders := make(map[string]string)   // resource -> owner
	waiters := make(map[string][]string) // owner -> resources waited on

	lockKeys, err := m.store.Keys(ctx, coord.PrefixLock+"*")
	if err != nil {
		return nil // scan failure degrades to no detection, next retry rescans
	}
	for _, key := range lockKeys {
		raw, found, err := m.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var rec record
		if json.Unmarshal([]byte(raw), &rec) == nil {
			holders[strings.TrimPrefix(key, coord.PrefixLock)] = rec.OwnerID
		}
	}

	queueKeys, err := m.store.Keys(ctx, coord.PrefixLockQueue+"*")
	if err != nil {
		return nil
	}
	for _, key := range queueKeys {
		resource := strings.TrimPrefix(key, coord.PrefixLockQueue)
		entries, err := m.store.ZRangeWithScores(ctx, key, 0, 63)
		if err != nil {
			continue
		}
		for _, z := range entries {
			member, _ := z.Member.(string)
			if owner, _, ok := parseQueueMember(member); ok {
				waiters[owner] = append(waiters[owner], resource)
			}
		}
	}
	waiters[m.ownerID] = append(waiters[m.ownerID], waitingFor)

	// DFS over owner -> holder edges starting at this owner.
	visited := make(map[string]bool)
	var visit func(owner string) bool
	visit = func(owner string) bool {
		if visited[owner] {
			return owner == m.ownerID
		}
		visited[owner] = true
		for _, resource := range waiters[owner] {
			holder, ok := holders[resource]
			if !ok || holder == owner {
				continue
			}
			if holder == m.ownerID || visit(holder) {
				return true
			}
		}
		return false
	}

	for _, resource := range waiters[m.ownerID] {
		holder, ok := holders[resource]
		if !ok || holder == m.ownerID {
			continue
		}
		if visit(holder) {
			return apperrors.New(apperrors.CodeDeadlockDetected,
				"circular wait detected acquiring %s", waitingFor)
		}
	}
	return nil
}
