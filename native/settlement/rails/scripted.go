package rails

import (
	"context"
	"fmt"
	"sync"

	"settlenet/models"
)

// ScriptedRail is a deterministic in-memory rail for tests. Each leg can be
// scripted to fail at prepare, return any commit result, and resolve to any
// status afterwards.
type ScriptedRail struct {
	name string

	mu          sync.Mutex
	prepareErr  map[models.LegType]error
	commitRes   map[models.LegType]CommitResult
	statusRes   map[string]CommitResult
	healthErr   error
	prepares    []Transfer
	commits     []models.LegType
	rollbacks   []models.LegType
	statusCalls []string
}

// NewScriptedRail constructs a scripted rail that commits everything by
// default.
func NewScriptedRail(name string) *ScriptedRail {
	return &ScriptedRail{
		name:       name,
		prepareErr: make(map[models.LegType]error),
		commitRes:  make(map[models.LegType]CommitResult),
		statusRes:  make(map[string]CommitResult),
	}
}

// FailPrepare scripts an error for the leg's prepare.
func (r *ScriptedRail) FailPrepare(leg models.LegType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareErr[leg] = err
}

// ScriptCommit scripts the commit result for the leg.
func (r *ScriptedRail) ScriptCommit(leg models.LegType, result CommitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitRes[leg] = result
}

// ScriptStatus scripts the status answer for a token.
func (r *ScriptedRail) ScriptStatus(token string, result CommitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusRes[token] = result
}

// SetHealthErr scripts the health probe.
func (r *ScriptedRail) SetHealthErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthErr = err
}

// Prepares returns the transfers prepared so far.
func (r *ScriptedRail) Prepares() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transfer, len(r.prepares))
	copy(out, r.prepares)
	return out
}

// Rollbacks returns the legs rolled back so far.
func (r *ScriptedRail) Rollbacks() []models.LegType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LegType, len(r.rollbacks))
	copy(out, r.rollbacks)
	return out
}

// Commits returns the legs committed so far.
func (r *ScriptedRail) Commits() []models.LegType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LegType, len(r.commits))
	copy(out, r.commits)
	return out
}

// StatusCalls returns the tokens whose status was polled.
func (r *ScriptedRail) StatusCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.statusCalls))
	copy(out, r.statusCalls)
	return out
}

// Name implements Adapter.
func (r *ScriptedRail) Name() string { return r.name }

// Prepare implements Adapter.
func (r *ScriptedRail) Prepare(_ context.Context, transfer Transfer) (PrepareToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.prepareErr[transfer.Leg]; err != nil {
		return PrepareToken{}, err
	}
	r.prepares = append(r.prepares, transfer)
	return PrepareToken{
		Rail:     r.name,
		Token:    fmt.Sprintf("%s:%s:%s", r.name, transfer.SettlementID, transfer.Leg),
		Transfer: transfer,
	}, nil
}

// Commit implements Adapter.
func (r *ScriptedRail) Commit(_ context.Context, token PrepareToken) CommitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, token.Transfer.Leg)
	if result, ok := r.commitRes[token.Transfer.Leg]; ok {
		return result
	}
	return CommitResult{Kind: Committed, TxID: token.Token}
}

// Rollback implements Adapter.
func (r *ScriptedRail) Rollback(_ context.Context, token PrepareToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, token.Transfer.Leg)
	return nil
}

// Status implements Adapter.
func (r *ScriptedRail) Status(_ context.Context, token string) (CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls = append(r.statusCalls, token)
	if result, ok := r.statusRes[token]; ok {
		return result, nil
	}
	return CommitResult{}, ErrTokenUnknown
}

// Health implements Adapter.
func (r *ScriptedRail) Health(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthErr
}
