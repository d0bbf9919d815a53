// Package throttle implements StreamLoadEMA (component D) and
// StreamThrottler (component E).
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/cppla/tpuquic/internal/stats"
)

// LoadEMA tracks an exponentially weighted moving average of the
// stream-open rate, sampled once per interval, and derives
// per-connection budgets from it. Defaults (alpha=0.25, interval=10ms,
// budget floor=1/ms) follow spec.md §9's open-question resolution.
type LoadEMA struct {
	mu sync.Mutex

	alpha            float64
	interval         time.Duration
	maxStreamsPerMs  float64
	budgetFloorPerMs float64

	ema        float64
	opensSince atomic.Int64 // opens observed in the current interval

	stats *stats.Stats
}

// NewLoadEMA constructs a LoadEMA with the given smoothing factor,
// sampling interval, global stream-open budget, and a floor below
// which per-connection budgets never contract.
func NewLoadEMA(alpha float64, interval time.Duration, maxStreamsPerMs, budgetFloorPerMs float64, st *stats.Stats) *LoadEMA {
	return &LoadEMA{
		alpha:            alpha,
		interval:         interval,
		maxStreamsPerMs:  maxStreamsPerMs,
		budgetFloorPerMs: budgetFloorPerMs,
		stats:            st,
	}
}

// RecordOpen registers one stream-open event in the current sampling
// interval. Saturating: an overflowing counter is clamped and recorded
// in the overflow gauge rather than wrapping.
func (l *LoadEMA) RecordOpen() {
	const maxInt64 = math.MaxInt64
	if l.opensSince.Load() >= maxInt64 {
		l.stats.StreamLoadEMAOverflow.Add(1)
		return
	}
	l.opensSince.Add(1)
}

// Run ticks every interval, folding the observed opens into the EMA,
// until ctx is canceled. This is the single mutator of the EMA
// scalar; readers go through CurrentLoad, directly or via the budget
// functions below.
func (l *LoadEMA) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *LoadEMA) tick() {
	sample := float64(l.opensSince.Swap(0))
	l.mu.Lock()
	l.ema = l.alpha*sample + (1-l.alpha)*l.ema
	ema := l.ema
	l.mu.Unlock()
	l.stats.StreamLoadEMA.Store(int64(ema))
}

// CurrentLoad returns the current EMA value.
func (l *LoadEMA) CurrentLoad() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ema
}

// Interval returns the sampling interval.
func (l *LoadEMA) Interval() time.Duration {
	return l.interval
}

// Capacity returns max_streams_per_ms * interval, the nominal opens
// budget for one sampling interval.
func (l *LoadEMA) Capacity() float64 {
	return l.maxStreamsPerMs * float64(l.interval.Milliseconds())
}

// contractionFactor returns min(1, capacity/max(ema, 1)) — budgets
// contract under load, never expand above the nominal capacity.
func (l *LoadEMA) contractionFactor() float64 {
	ema := l.CurrentLoad()
	if ema < 1 {
		ema = 1
	}
	f := l.Capacity() / ema
	if f > 1 {
		f = 1
	}
	if f < 0 {
		f = 0
	}
	return f
}

// StakedBudget returns a staked connection's per-interval stream
// budget: a proportional share (stake/totalStake) of the staked pool,
// scaled by the EMA contraction factor, floored at budgetFloorPerMs *
// interval streams.
func (l *LoadEMA) StakedBudget(stake, totalStake uint64) int {
	share := 0.0
	if totalStake > 0 {
		share = float64(stake) / float64(totalStake)
	}
	budget := share * l.Capacity() * l.contractionFactor()
	return l.floor(budget)
}

// UnstakedBudget returns an unstaked connection's equal share of the
// unstaked pool (1/unstakedPeers of the unstaked capacity), scaled by
// the EMA contraction factor.
func (l *LoadEMA) UnstakedBudget(unstakedPeers int) int {
	if unstakedPeers <= 0 {
		unstakedPeers = 1
	}
	budget := (l.Capacity() / float64(unstakedPeers)) * l.contractionFactor()
	return l.floor(budget)
}

func (l *LoadEMA) floor(budget float64) int {
	floor := l.budgetFloorPerMs * float64(l.interval.Milliseconds())
	if budget < floor {
		budget = floor
	}
	b := int(budget)
	if b < 1 {
		b = 1
	}
	return b
}
