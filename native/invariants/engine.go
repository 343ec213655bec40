// Package invariants evaluates the guarded predicates protecting every money
// movement. Invariants declare dependencies and are evaluated in topological
// order; a failure short-circuits and is journalled to the decision ledger.
// All enforcement is block-mode.
package invariants

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"settlenet/native/decision"
)

// Criticality grades how an invariant failure is escalated.
type Criticality string

const (
	Critical  Criticality = "critical"
	Important Criticality = "important"
)

var (
	// ErrUnknownInvariant indicates a check referenced an unregistered id.
	ErrUnknownInvariant = errors.New("invariants: unknown invariant")
	// ErrCycle indicates the dependency graph is not acyclic.
	ErrCycle = errors.New("invariants: dependency cycle")
	// ErrNotFinalized indicates Check was called before Finalize.
	ErrNotFinalized = errors.New("invariants: engine not finalized")
)

// Context is the bag of facts a predicate may inspect.
type Context map[string]any

// String returns the string value stored under key, or "".
func (c Context) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Invariant is one checkable predicate with its enforcement metadata.
type Invariant struct {
	ID          string
	Statement   string
	Criticality Criticality
	DependsOn   []string
	// Decay bounds how old the assumption behind this invariant may be;
	// zero means it never decays.
	Decay time.Duration
	// FreezeOnFail escalates a failure to a system freeze instead of a
	// rollback. Reserved for financial-reconciliation invariants.
	FreezeOnFail bool

	// Pre guards admission of an operation; Post verifies its outcome.
	// A nil predicate passes for that phase.
	Pre  func(ctx context.Context, ictx Context) error
	Post func(ctx context.Context, ictx Context) error
}

// Stale reports whether an assumption observed at the given time has decayed.
func (inv *Invariant) Stale(observedAt, now time.Time) bool {
	if inv.Decay <= 0 {
		return false
	}
	return now.Sub(observedAt) > inv.Decay
}

// Decision is the outcome of evaluating a set of invariants.
type Decision struct {
	OK       bool
	Action   decision.Action
	FailedID string
	Reason   string
}

// Engine owns the invariant registry and its evaluation order.
type Engine struct {
	ledger *decision.Ledger

	mu         sync.RWMutex
	invariants map[string]*Invariant
	order      map[string]int
	finalized  bool
}

// NewEngine constructs an engine writing decisions to the given ledger.
func NewEngine(ledger *decision.Ledger) *Engine {
	return &Engine{
		ledger:     ledger,
		invariants: make(map[string]*Invariant),
	}
}

// Register adds an invariant. Registration closes once Finalize has run.
func (e *Engine) Register(inv *Invariant) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invariants: id required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return fmt.Errorf("invariants: registry closed")
	}
	if _, dup := e.invariants[inv.ID]; dup {
		return fmt.Errorf("invariants: duplicate id %s", inv.ID)
	}
	e.invariants[inv.ID] = inv
	return nil
}

// Finalize validates the dependency graph and fixes the evaluation order.
// It must be called once at startup, after all registrations.
func (e *Engine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, inv := range e.invariants {
		for _, dep := range inv.DependsOn {
			if _, ok := e.invariants[dep]; !ok {
				return fmt.Errorf("%w: %s depends on unregistered %s", ErrUnknownInvariant, id, dep)
			}
		}
	}
	order, err := topoSort(e.invariants)
	if err != nil {
		return err
	}
	e.order = order
	e.finalized = true
	return nil
}

// Check evaluates the named invariants for one phase, in topological order,
// short-circuiting on the first failure. Every evaluation appends a decision
// record; the returned Decision carries the enforcement action.
func (e *Engine) Check(ctx context.Context, ids []string, phase decision.Phase, ictx Context, actor string) (Decision, error) {
	e.mu.RLock()
	if !e.finalized {
		e.mu.RUnlock()
		return Decision{}, ErrNotFinalized
	}
	selected := make([]*Invariant, 0, len(ids))
	for _, id := range ids {
		inv, ok := e.invariants[id]
		if !ok {
			e.mu.RUnlock()
			return Decision{}, fmt.Errorf("%w: %s", ErrUnknownInvariant, id)
		}
		selected = append(selected, inv)
	}
	order := e.order
	e.mu.RUnlock()

	sort.SliceStable(selected, func(i, j int) bool {
		return order[selected[i].ID] < order[selected[j].ID]
	})

	for _, inv := range selected {
		predicate := inv.Pre
		if phase == decision.PhasePost {
			predicate = inv.Post
		}
		if predicate == nil {
			continue
		}
		err := predicate(ctx, ictx)
		passed := err == nil
		action := decision.ActionProceed
		if !passed {
			action = decision.ActionRollback
			if inv.FreezeOnFail {
				action = decision.ActionFreeze
			}
		}
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		snapshot := map[string]any{"context": ictx}
		if reason != "" {
			snapshot["reason"] = reason
		}
		if _, recErr := e.ledger.Append(ctx, inv.ID, phase, passed, action, snapshot, actor); recErr != nil {
			return Decision{}, fmt.Errorf("invariants: record decision: %w", recErr)
		}
		if !passed {
			return Decision{OK: false, Action: action, FailedID: inv.ID, Reason: reason}, nil
		}
	}
	return Decision{OK: true, Action: decision.ActionProceed}, nil
}

// Get returns a registered invariant by id.
func (e *Engine) Get(id string) (*Invariant, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inv, ok := e.invariants[id]
	return inv, ok
}

// topoSort runs Kahn's algorithm over the dependency graph, returning a
// position index per invariant or ErrCycle.
func topoSort(invariants map[string]*Invariant) (map[string]int, error) {
	indegree := make(map[string]int, len(invariants))
	dependents := make(map[string][]string, len(invariants))
	for id, inv := range invariants {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range inv.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0, len(invariants))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	// Deterministic order keeps decision logs reproducible.
	sort.Strings(ready)

	order := make(map[string]int, len(invariants))
	pos := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order[id] = pos
		pos++
		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if pos != len(invariants) {
		remaining := make([]string, 0)
		for id := range invariants {
			if _, done := order[id]; !done {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w involving %v", ErrCycle, remaining)
	}
	return order, nil
}
