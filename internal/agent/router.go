package agent

import (
	"context"
	"sort"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/coord"
	"codeplane/internal/logging"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// Scoring weights. They sum to 1 before the tier multiplier applies.
const (
	weightCapability  = 0.25
	weightSuccess     = 0.30
	weightHeadroom    = 0.15
	weightTechnology  = 0.15
	weightSessionType = 0.05
	weightComplexity  = 0.10
)

// RouteRequest describes the work needing an agent.
type RouteRequest struct {
	RequiredCapabilities []types.Capability
	Complexity           float64 // estimated complexity units (expected hours)
	Technologies         []string
	SessionType          types.SessionType
}

// RouteResult is a scored routing decision.
type RouteResult struct {
	Agent *types.Agent
	Score float64
}

// Router selects the best-fit agent for a request and reserves its load
// through the coordination store so two nodes cannot double book.
type Router struct {
	registry *Registry
	loads    *LoadCache
	log      *logging.Logger
}

// NewRouter builds a router over a registry and a load cache.
func NewRouter(registry *Registry, loads *LoadCache) *Router {
	return &Router{
		registry: registry,
		loads:    loads,
		log:      logging.Get(logging.CategoryAgent),
	}
}

// Route filters, scores and picks the best agent. It does not reserve;
// callers needing exclusive capacity call RouteAndReserve.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	candidates := r.registry.candidatesWithCapabilities(tid, req.RequiredCapabilities)
	var scored []RouteResult
	for _, a := range candidates {
		if !r.eligible(a, req) {
			continue
		}
		scored = append(scored, RouteResult{Agent: a, Score: Score(a, req)})
	}
	if len(scored) == 0 {
		return nil, apperrors.New(apperrors.CodeNoAgentAvailable,
			"no agent qualifies for capabilities %v", req.RequiredCapabilities)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		li, lj := scored[i].Agent.Load.Utilization(), scored[j].Agent.Load.Utilization()
		if li != lj {
			return li < lj
		}
		return scored[i].Agent.LastActiveAt.Before(scored[j].Agent.LastActiveAt)
	})

	best := scored[0]
	r.log.Debug("routed to %s (score=%.3f, %d candidates)", best.Agent.Name, best.Score, len(scored))
	return &best, nil
}

// RouteAndReserve routes and atomically reserves the winner's capacity.
// On reservation contention routing restarts with the contended agent
// excluded; NO_AGENT_AVAILABLE when every candidate is contended.
func (r *Router) RouteAndReserve(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	excluded := make(map[uuid.UUID]bool)
	for {
		res, err := r.routeExcluding(ctx, req, excluded)
		if err != nil {
			return nil, err
		}
		if err := r.loads.Reserve(ctx, res.Agent, req.Complexity); err != nil {
			if apperrors.HasCode(err, apperrors.CodeAgentContended) {
				excluded[res.Agent.ID] = true
				continue
			}
			return nil, err
		}
		return res, nil
	}
}

func (r *Router) routeExcluding(ctx context.Context, req RouteRequest, excluded map[uuid.UUID]bool) (*RouteResult, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	candidates := r.registry.candidatesWithCapabilities(tid, req.RequiredCapabilities)
	var scored []RouteResult
	for _, a := range candidates {
		if excluded[a.ID] || !r.eligible(a, req) {
			continue
		}
		scored = append(scored, RouteResult{Agent: a, Score: Score(a, req)})
	}
	if len(scored) == 0 {
		return nil, apperrors.New(apperrors.CodeNoAgentAvailable,
			"no agent qualifies for capabilities %v", req.RequiredCapabilities)
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		li, lj := scored[i].Agent.Load.Utilization(), scored[j].Agent.Load.Utilization()
		if li != lj {
			return li < lj
		}
		return scored[i].Agent.LastActiveAt.Before(scored[j].Agent.LastActiveAt)
	})
	return &scored[0], nil
}

// ReleaseAgent returns the capacity a task had reserved on an agent,
// resolving the agent through the registry so callers only need the
// assignment ID. Safe to call when the agent has since been deregistered.
func (r *Router) ReleaseAgent(ctx context.Context, id uuid.UUID, complexity float64) error {
	a, err := r.registry.Get(ctx, id)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if r.loads == nil {
		return nil
	}
	return r.loads.Release(ctx, a, complexity)
}

// eligible applies the hard routing filters: active, serviceable, not
// overloaded, not degraded, no avoided technology in play.
func (r *Router) eligible(a *types.Agent, req RouteRequest) bool {
	if !a.IsActive || a.MaintenanceMode {
		return false
	}
	if a.Load.Level() == types.LoadOverloaded {
		return false
	}
	if a.Performance.Tier == types.TierDegraded {
		return false
	}
	for _, avoided := range a.AvoidedTechnologies {
		for _, tech := range req.Technologies {
			if avoided == tech {
				return false
			}
		}
	}
	return true
}

// Score computes the weighted suitability of one agent for a request,
// multiplied by the agent's tier multiplier.
func Score(a *types.Agent, req RouteRequest) float64 {
	capScore := 1.0
	if n := len(req.RequiredCapabilities); n > 0 {
		sum := 0.0
		for _, c := range req.RequiredCapabilities {
			switch {
			case a.IsPrimary(c):
				sum += 1.0
			case a.HasCapability(c):
				sum += 0.7
			default:
				sum += 0.3
			}
		}
		capScore = sum / float64(n)
	}

	successScore := a.Performance.OverallSuccessRate()
	headroom := 1.0 - a.Load.Utilization()

	techScore := 1.0
	if len(req.Technologies) > 0 {
		matches := 0
		for _, tech := range req.Technologies {
			for _, pref := range a.PreferredTechnologies {
				if pref == tech {
					matches++
					break
				}
			}
		}
		techScore = float64(matches) / float64(len(req.Technologies))
	}

	sessionScore := 1.0
	if req.SessionType != "" && len(a.PreferredSessionTypes) > 0 {
		sessionScore = 0.3
		for _, st := range a.PreferredSessionTypes {
			if st == req.SessionType {
				sessionScore = 1.0
				break
			}
		}
	}

	complexityScore := 0.6
	switch {
	case req.Complexity >= 2 &&
		(a.ComplexityPreference == types.PrefComplex || a.ComplexityPreference == types.PrefExpert):
		complexityScore = 1.0
	case req.Complexity >= 1.5 && a.ComplexityPreference != types.PrefSimple:
		complexityScore = 0.8
	}

	score := weightCapability*capScore +
		weightSuccess*successScore +
		weightHeadroom*headroom +
		weightTechnology*techScore +
		weightSessionType*sessionScore +
		weightComplexity*complexityScore

	return score * a.Performance.Tier.Multiplier()
}

// LoadCache maintains agent load counters in the coordination store so
// reservation is atomic across nodes.
type LoadCache struct {
	store *coord.Store
	log   *logging.Logger
}

// NewLoadCache builds a LoadCache over the coordination store.
func NewLoadCache(store *coord.Store) *LoadCache {
	return &LoadCache{store: store, log: logging.Get(logging.CategoryAgent)}
}

// Reserve atomically adds complexity units to the agent's load counter.
// When the increment overshoots capacity it is rolled back and retried
// with backoff; after 3 failed attempts the agent is contended.
func (lc *LoadCache) Reserve(ctx context.Context, a *types.Agent, complexity float64) error {
	key := coord.PrefixAgentLoad + a.ID.String()
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		current, err := lc.store.IncrByFloat(ctx, key, complexity)
		if err != nil {
			return err
		}
		if current <= a.Load.Capacity {
			a.Load.Current = current
			if current > a.Load.Peak {
				a.Load.Peak = current
			}
			return nil
		}
		// Overshot: undo and retry, someone else reserved concurrently.
		if _, err := lc.store.IncrByFloat(ctx, key, -complexity); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CodeCancelled, ctx.Err(), "reservation cancelled")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return apperrors.New(apperrors.CodeAgentContended,
		"agent %s at capacity, reservation contended", a.Name)
}

// Release returns reserved capacity. Guaranteed-called on task completion,
// failure, cancellation and router eviction; the floor at zero makes
// double release harmless.
func (lc *LoadCache) Release(ctx context.Context, a *types.Agent, complexity float64) error {
	key := coord.PrefixAgentLoad + a.ID.String()
	current, err := lc.store.IncrByFloat(ctx, key, -complexity)
	if err != nil {
		return err
	}
	if current < 0 {
		if _, err := lc.store.IncrByFloat(ctx, key, -current); err != nil {
			return err
		}
		current = 0
	}
	a.Load.Current = current
	return nil
}
