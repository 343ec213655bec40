package settlement

import (
	"log/slog"
	"sync"
	"time"

	"settlenet/observability"
)

// Freeze is the process-wide latch engaged on consistency failures. Once set
// it refuses new acceptances while in-flight settlements drain; only an
// operator restart after investigation clears it.
type Freeze struct {
	mu       sync.RWMutex
	engaged  bool
	reason   string
	at       time.Time
	metrics  *observability.SettlementMetrics
	onEngage []func(reason string)
}

// NewFreeze constructs a disengaged latch.
func NewFreeze() *Freeze {
	return &Freeze{metrics: observability.Settlement()}
}

// OnEngage registers a callback fired once when the latch engages.
func (f *Freeze) OnEngage(fn func(reason string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEngage = append(f.onEngage, fn)
}

// Engage sets the latch. Repeat calls keep the first reason.
func (f *Freeze) Engage(reason string) {
	f.mu.Lock()
	if f.engaged {
		f.mu.Unlock()
		return
	}
	f.engaged = true
	f.reason = reason
	f.at = time.Now().UTC()
	callbacks := f.onEngage
	f.mu.Unlock()

	f.metrics.FreezeEngaged.Set(1)
	slog.Error("system freeze engaged", "reason", reason)
	for _, fn := range callbacks {
		fn(reason)
	}
}

// Engaged reports the latch state.
func (f *Freeze) Engaged() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.engaged
}

// State returns the latch state with its reason and timestamp.
func (f *Freeze) State() (engaged bool, reason string, at time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.engaged, f.reason, f.at
}
