// Package agent implements the agent registry, heartbeat tracking, the
// capability-based router with performance-weighted scoring, and the
// coordination-backed load reservation that prevents double booking.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// Registry default timing.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultInactiveAfter    = 120 * time.Second
)

// Registry holds registered agents, indexed by capability and tag, and
// tracks heartbeat liveness. The registry is the in-process authority for
// routing; the persistence store holds the durable copy.
type Registry struct {
	mu           sync.RWMutex
	agents       map[uuid.UUID]*types.Agent
	byCapability map[types.Capability]map[uuid.UUID]bool
	byTag        map[string]map[uuid.UUID]bool
	lastBeat     map[uuid.UUID]time.Time

	inactiveAfter time.Duration
	onInactive    func(a *types.Agent)
	log           *logging.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:        make(map[uuid.UUID]*types.Agent),
		byCapability:  make(map[types.Capability]map[uuid.UUID]bool),
		byTag:         make(map[string]map[uuid.UUID]bool),
		lastBeat:      make(map[uuid.UUID]time.Time),
		inactiveAfter: DefaultInactiveAfter,
		log:           logging.Get(logging.CategoryAgent),
	}
}

// SetInactiveAfter overrides the liveness window.
func (r *Registry) SetInactiveAfter(d time.Duration) { r.inactiveAfter = d }

// OnInactive installs a callback fired when the sweep deactivates an agent.
func (r *Registry) OnInactive(fn func(a *types.Agent)) { r.onInactive = fn }

// Register validates the agent against its tenant context and indexes it by
// every primary and secondary capability and every tag.
func (r *Registry) Register(ctx context.Context, a *types.Agent) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if tid != uuid.Nil && a.TenantID != tid {
		return apperrors.New(apperrors.CodeForbidden,
			"agent %s belongs to another tenant", a.ID)
	}
	if err := types.ValidateAgentCapabilities(a.AgentType, a.PrimaryCapabilities, a.SecondaryCapabilities); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
	for _, c := range a.PrimaryCapabilities {
		r.index(r.byCapability, c, a.ID)
	}
	for _, c := range a.SecondaryCapabilities {
		r.index(r.byCapability, c, a.ID)
	}
	for _, tag := range a.Tags {
		r.indexTag(tag, a.ID)
	}
	r.lastBeat[a.ID] = time.Now()

	logging.Agent("registered agent %s (%s, %s, %d primary caps)",
		a.Name, a.ID, a.AgentType, len(a.PrimaryCapabilities))
	return nil
}

func (r *Registry) index(m map[types.Capability]map[uuid.UUID]bool, c types.Capability, id uuid.UUID) {
	if m[c] == nil {
		m[c] = make(map[uuid.UUID]bool)
	}
	m[c][id] = true
}

func (r *Registry) indexTag(tag string, id uuid.UUID) {
	if r.byTag[tag] == nil {
		r.byTag[tag] = make(map[uuid.UUID]bool)
	}
	r.byTag[tag][id] = true
}

// Deregister removes an agent and its index entries.
func (r *Registry) Deregister(ctx context.Context, id uuid.UUID) error {
	if _, err := r.get(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.agents[id]
	delete(r.agents, id)
	delete(r.lastBeat, id)
	for _, set := range r.byCapability {
		delete(set, id)
	}
	for _, set := range r.byTag {
		delete(set, id)
	}
	logging.Agent("deregistered agent %s (%s)", a.Name, id)
	return nil
}

// Get returns the agent with the given ID, tenant-scoped.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok || (tid != uuid.Nil && a.TenantID != tid) {
		return nil, apperrors.New(apperrors.CodeNotFound, "agent %s not found", id)
	}
	return a, nil
}

// List returns the tenant's agents, name-sorted.
func (r *Registry) List(ctx context.Context) ([]*types.Agent, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Agent
	for _, a := range r.agents {
		if tid == uuid.Nil || a.TenantID == tid {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Heartbeat records liveness for an agent and reactivates it if the sweep
// had marked it inactive.
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID) error {
	a, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastBeat[id] = time.Now()
	a.LastActiveAt = time.Now().UTC()
	if !a.IsActive {
		a.IsActive = true
		logging.Agent("agent %s reactivated by heartbeat", a.Name)
	}
	return nil
}

// SweepInactive deactivates agents whose last heartbeat is older than the
// inactive window. Deactivated agents leave routing but stay registered.
func (r *Registry) SweepInactive(now time.Time) []*types.Agent {
	r.mu.Lock()
	var lost []*types.Agent
	for id, a := range r.agents {
		if !a.IsActive {
			continue
		}
		if beat, ok := r.lastBeat[id]; ok && now.Sub(beat) > r.inactiveAfter {
			a.IsActive = false
			lost = append(lost, a)
			r.log.Warn("agent %s missed heartbeats for %s, deactivating", a.Name, now.Sub(beat))
		}
	}
	r.mu.Unlock()

	if r.onInactive != nil {
		for _, a := range lost {
			r.onInactive(a)
		}
	}
	return lost
}

// RunSweeper runs the inactive sweep periodically until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepInactive(now)
		}
	}
}

// candidatesWithCapabilities returns tenant agents carrying every required
// capability, using the capability index for the initial cut.
func (r *Registry) candidatesWithCapabilities(tid uuid.UUID, required []types.Capability) []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pool map[uuid.UUID]bool
	if len(required) > 0 {
		pool = r.byCapability[required[0]]
	} else {
		pool = make(map[uuid.UUID]bool, len(r.agents))
		for id := range r.agents {
			pool[id] = true
		}
	}

	var out []*types.Agent
	for id := range pool {
		a, ok := r.agents[id]
		if !ok || (tid != uuid.Nil && a.TenantID != tid) {
			continue
		}
		hasAll := true
		for _, c := range required {
			if !a.HasCapability(c) {
				hasAll = false
				break
			}
		}
		if hasAll {
			out = append(out, a)
		}
	}
	return out
}
