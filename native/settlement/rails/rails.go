// Package rails abstracts the money-movement backends the coordinator drives.
// Every rail speaks the same two-phase contract: Prepare earmarks a transfer
// and returns a token, Commit executes it, Rollback discards an unprepared or
// uncommitted token. Commit may come back indeterminate; Status resolves those.
package rails

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlenet/models"
	"settlenet/observability"
)

var (
	// ErrNoHealthyRail indicates every configured rail failed its probe.
	ErrNoHealthyRail = errors.New("rails: no healthy rail available")
	// ErrUnknownRail indicates a rail name absent from the manager.
	ErrUnknownRail = errors.New("rails: unknown rail")
	// ErrTokenUnknown indicates a prepare token the rail has no record of.
	ErrTokenUnknown = errors.New("rails: unknown prepare token")
	// ErrInsufficientFunds indicates the debit account cannot cover the leg.
	ErrInsufficientFunds = errors.New("rails: insufficient funds")
)

// ResultKind classifies the outcome of a commit attempt.
type ResultKind string

const (
	// Committed means the transfer definitively executed.
	Committed ResultKind = "committed"
	// Indeterminate means the rail cannot say whether the transfer executed.
	Indeterminate ResultKind = "indeterminate"
	// Failed means the transfer definitively did not execute.
	Failed ResultKind = "failed"
)

// Transfer is one leg of a settlement expressed as account movements. Either
// side may be empty for single-sided bookkeeping entries.
type Transfer struct {
	SettlementID  string
	Leg           models.LegType
	DebitAccount  string
	CreditAccount string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// PrepareToken is the rail's receipt for an earmarked transfer.
type PrepareToken struct {
	Rail       string
	Token      string
	Transfer   Transfer
	PreparedAt time.Time
}

// CommitResult reports what a commit attempt produced.
type CommitResult struct {
	Kind  ResultKind
	TxID  string
	Cause string
}

// Adapter is one settlement rail.
type Adapter interface {
	Name() string
	Prepare(ctx context.Context, transfer Transfer) (PrepareToken, error)
	Commit(ctx context.Context, token PrepareToken) CommitResult
	Rollback(ctx context.Context, token PrepareToken) error
	Status(ctx context.Context, token string) (CommitResult, error)
	Health(ctx context.Context) error
}

type railEntry struct {
	adapter  Adapter
	priority int
}

type healthState struct {
	healthy   bool
	checkedAt time.Time
}

// Manager selects rails by priority, caching health probes.
type Manager struct {
	rails    []railEntry
	metrics  *observability.SettlementMetrics
	cacheTTL time.Duration
	now      func() time.Time

	mu     sync.Mutex
	health map[string]healthState
}

// ManagerOption customises the manager.
type ManagerOption func(*Manager)

// WithHealthTTL overrides the health cache lifetime.
func WithHealthTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.cacheTTL = ttl }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = clock }
}

// NewManager builds a manager over the provided rails. Lower priority values
// are preferred.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		metrics:  observability.Settlement(),
		cacheTTL: 30 * time.Second,
		now:      time.Now,
		health:   make(map[string]healthState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a rail at the given priority.
func (m *Manager) Register(adapter Adapter, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rails = append(m.rails, railEntry{adapter: adapter, priority: priority})
	sort.SliceStable(m.rails, func(i, j int) bool {
		return m.rails[i].priority < m.rails[j].priority
	})
}

// Get returns the named rail.
func (m *Manager) Get(name string) (Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.rails {
		if entry.adapter.Name() == name {
			return entry.adapter, nil
		}
	}
	return nil, ErrUnknownRail
}

// Select returns the highest-priority rail whose last probe inside the cache
// window succeeded, probing on demand when the cache is cold.
func (m *Manager) Select(ctx context.Context) (Adapter, error) {
	m.mu.Lock()
	entries := make([]railEntry, len(m.rails))
	copy(entries, m.rails)
	m.mu.Unlock()

	for _, entry := range entries {
		if m.healthy(ctx, entry.adapter) {
			return entry.adapter, nil
		}
	}
	return nil, ErrNoHealthyRail
}

func (m *Manager) healthy(ctx context.Context, adapter Adapter) bool {
	name := adapter.Name()
	now := m.now()

	m.mu.Lock()
	state, ok := m.health[name]
	m.mu.Unlock()
	if ok && now.Sub(state.checkedAt) < m.cacheTTL {
		return state.healthy
	}

	err := adapter.Health(ctx)
	healthy := err == nil
	m.mu.Lock()
	m.health[name] = healthState{healthy: healthy, checkedAt: now}
	m.mu.Unlock()
	if healthy {
		m.metrics.RailHealthy.WithLabelValues(name).Set(1)
	} else {
		m.metrics.RailHealthy.WithLabelValues(name).Set(0)
	}
	return healthy
}

// RailStatus is one rail's last-known health.
type RailStatus struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Priority int    `json:"priority"`
}

// Statuses probes every registered rail, honoring the health cache, and
// returns them in priority order.
func (m *Manager) Statuses(ctx context.Context) []RailStatus {
	m.mu.Lock()
	entries := make([]railEntry, len(m.rails))
	copy(entries, m.rails)
	m.mu.Unlock()

	out := make([]RailStatus, 0, len(entries))
	for _, entry := range entries {
		out = append(out, RailStatus{
			Name:     entry.adapter.Name(),
			Healthy:  m.healthy(ctx, entry.adapter),
			Priority: entry.priority,
		})
	}
	return out
}

// Invalidate drops the cached probe for a rail, forcing a fresh check on the
// next selection. The coordinator calls this after a rail surprises it.
func (m *Manager) Invalidate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, name)
}
