package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"geocache/internal/core"
)

// BudgetConfig tunes the gate pacing warming calls.
type BudgetConfig struct {
	CallsPerSecond float64 // upstream request rate, default 5
	Burst          int     // default 10
	DailyBudget    float64 // dollars per UTC day, 0 means unlimited
}

func (c BudgetConfig) withDefaults() BudgetConfig {
	if c.CallsPerSecond <= 0 {
		c.CallsPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return c
}

// Gate implements core.BudgetGate with a token-bucket rate limit and a
// daily spend ceiling. The spend counter resets at the UTC day boundary.
type Gate struct {
	limiter *rate.Limiter
	clock   core.Clock
	cfg     BudgetConfig

	mu    sync.Mutex
	day   string
	spent float64
}

// NewGate builds a budget gate.
func NewGate(cfg BudgetConfig, clock core.Clock) *Gate {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		clock:   clock,
		cfg:     cfg,
	}
}

// Reserve confirms quota for one call costing approximately cost. The
// spend is committed before the rate wait so a concurrent reserver sees
// it; a failed wait refunds it.
func (g *Gate) Reserve(ctx context.Context, cost float64) error {
	if err := g.reserveSpend(cost); err != nil {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.Refund(cost)
		return core.NewProviderError(core.KindProviderTimeout, "budget.reserve", "rate wait interrupted", err)
	}
	return nil
}

func (g *Gate) reserveSpend(cost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	if g.cfg.DailyBudget > 0 && g.spent+cost > g.cfg.DailyBudget {
		return core.NewBudgetError("budget.reserve",
			fmt.Sprintf("daily budget %.2f exhausted (spent %.4f, requested %.4f)",
				g.cfg.DailyBudget, g.spent, cost))
	}
	g.spent += cost
	return nil
}

// Refund returns quota reserved for a call that was never issued.
func (g *Gate) Refund(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spent -= cost
	if g.spent < 0 {
		g.spent = 0
	}
}

// Spent reports today's committed spend.
func (g *Gate) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	return g.spent
}

// rollover resets the counter at the UTC day boundary. Caller holds mu.
func (g *Gate) rollover() {
	today := g.clock.Now().UTC().Format("2006-01-02")
	if g.day != today {
		g.day = today
		g.spent = 0
	}
}

var _ core.BudgetGate = (*Gate)(nil)
