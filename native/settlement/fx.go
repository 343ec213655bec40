package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFxUnavailable indicates no rate is published for the currency pair.
var ErrFxUnavailable = errors.New("settlement: fx rate unavailable")

// RateProvider publishes mid-market FX rates with their observation time.
// A settlement in a non-base currency locks the rate it saw at acceptance.
type RateProvider interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, time.Time, error)
}

type fxQuote struct {
	rate decimal.Decimal
	at   time.Time
}

// StaticRates is an in-process rate table refreshed by an external feed.
// Published rates carry the mid-market value adjusted by a symmetric spread.
type StaticRates struct {
	spread decimal.Decimal
	now    func() time.Time

	mu    sync.RWMutex
	rates map[string]fxQuote
}

// NewStaticRates constructs an empty table with the given spread, expressed
// as a fraction of the mid rate.
func NewStaticRates(spread decimal.Decimal) *StaticRates {
	return &StaticRates{
		spread: spread,
		now:    time.Now,
		rates:  make(map[string]fxQuote),
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (s *StaticRates) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Publish records the mid-market rate for the pair as of now.
func (s *StaticRates) Publish(base, quote string, mid decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[base+"/"+quote] = fxQuote{rate: mid, at: s.now().UTC()}
}

// Rate implements RateProvider, returning the mid rate plus spread.
func (s *StaticRates) Rate(_ context.Context, base, quote string) (decimal.Decimal, time.Time, error) {
	if base == quote {
		return decimal.NewFromInt(1), s.now().UTC(), nil
	}
	s.mu.RLock()
	entry, ok := s.rates[base+"/"+quote]
	s.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("%w: %s/%s", ErrFxUnavailable, base, quote)
	}
	adjusted := entry.rate.Mul(decimal.NewFromInt(1).Add(s.spread))
	return adjusted, entry.at, nil
}
