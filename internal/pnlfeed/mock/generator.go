package mock

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/stratafi/strata-backend/internal/calc"
	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"go.uber.org/zap"
)

const DefaultInterval = 15 * time.Second

// Config tunes the synthetic credit book.
type Config struct {
	Seed        int64         // 0 seeds from the clock
	Interval    time.Duration // emit cadence
	Outstanding *big.Int      // starting book size, pool smallest unit
	YieldBps    uint64        // annual portfolio yield
	DefaultBps  uint64        // per-tick default chance, bps
}

// Generator provides mock PnL reports for testing and fallback scenarios.
// It walks a simulated borrower book: every tick collects a payment with a
// yield portion, sometimes draws new credit, rarely defaults on a slice of
// the book and later recovers part of it. Identical seeds replay identical
// report streams.
type Generator struct {
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	health      pnlfeed.ProviderHealth
	rng         *rand.Rand
	interval    time.Duration
	yieldBps    uint64
	defaultBps  uint64
	seq         uint64
	outstanding *big.Int // simulated borrower book
	lossCarry   *big.Int // written-off exposure still open for recovery
}

// NewGenerator creates a new mock report generator
func NewGenerator(logger *zap.SugaredLogger, cfg Config) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Outstanding == nil || cfg.Outstanding.Sign() <= 0 {
		cfg.Outstanding = big.NewInt(1_000_000_000_000) // 1M units at 6 decimals
	}
	if cfg.YieldBps == 0 {
		cfg.YieldBps = 1500
	}
	if cfg.DefaultBps == 0 {
		cfg.DefaultBps = 200
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Generator{
		logger:      logger,
		rng:         rand.New(rand.NewSource(seed)),
		interval:    cfg.Interval,
		yieldBps:    cfg.YieldBps,
		defaultBps:  cfg.DefaultBps,
		outstanding: new(big.Int).Set(cfg.Outstanding),
		lossCarry:   new(big.Int),
		health: pnlfeed.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

// Name returns the provider identifier
func (g *Generator) Name() string {
	return "mock"
}

// Health returns current provider health status
func (g *Generator) Health() pnlfeed.ProviderHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// Run emits synthetic reports until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, out chan<- pnlfeed.Report) error {
	g.logger.Infow("Starting mock PnL feed", "outstanding", g.GetOutstanding().String(), "interval", g.interval)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, r := range g.next(now) {
				// Reports move money; block rather than drop.
				select {
				case out <- r:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// next advances the simulated book by one servicing period and returns the
// reports it produced, in sequence order.
func (g *Generator) next(now time.Time) []pnlfeed.Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	var batch []pnlfeed.Report

	// One tick stands in for one servicing day of yield accrual.
	yield := calc.BpsOf(g.outstanding, g.yieldBps)
	yield.Div(yield, big.NewInt(365))

	// Principal amortizes 0.5-2% per tick.
	principalBps := uint64(50 + g.rng.Intn(151))
	principal := calc.BpsOf(g.outstanding, principalBps)

	amount := new(big.Int).Add(principal, yield)
	if amount.Sign() > 0 {
		batch = append(batch, g.report(pnlfeed.KindPayment, amount, yield, "", now))
		g.outstanding.Sub(g.outstanding, principal)
	}

	// Occasional drawdowns grow the book back.
	if g.rng.Float64() < 0.3 {
		drawBps := uint64(100 + g.rng.Intn(401)) // 1-5% of the book
		draw := calc.BpsOf(g.outstanding, drawBps)
		if draw.Sign() > 0 {
			batch = append(batch, g.report(pnlfeed.KindDrawdown, draw, nil, "borrower-mock", now))
			g.outstanding.Add(g.outstanding, draw)
		}
	}

	// Rare defaults write off a slice of the book.
	if g.rng.Float64() < float64(g.defaultBps)/10000 {
		lossBps := uint64(500 + g.rng.Intn(1501)) // 5-20% of the book
		loss := calc.BpsOf(g.outstanding, lossBps)
		if loss.Sign() > 0 {
			batch = append(batch, g.report(pnlfeed.KindLoss, loss, nil, "", now))
			g.outstanding.Sub(g.outstanding, loss)
			g.lossCarry.Add(g.lossCarry, loss)
		}
	}

	// Partial recoveries trickle back while written-off exposure remains.
	if g.lossCarry.Sign() > 0 && g.rng.Float64() < 0.25 {
		recBps := uint64(1000 + g.rng.Intn(4001)) // 10-50% of the carry
		rec := calc.BpsOf(g.lossCarry, recBps)
		if rec.Sign() > 0 {
			batch = append(batch, g.report(pnlfeed.KindRecovery, rec, nil, "", now))
			g.lossCarry.Sub(g.lossCarry, rec)
		}
	}

	g.health.LastSuccess = now
	return batch
}

// report stamps the next sequence number onto a new report.
func (g *Generator) report(kind string, amount, yield *big.Int, borrower string, now time.Time) pnlfeed.Report {
	g.seq++
	r := pnlfeed.Report{
		Sequence: g.seq,
		Kind:     kind,
		Amount:   amount.String(),
		Borrower: borrower,
		At:       now.Unix(),
	}
	if yield != nil && yield.Sign() > 0 {
		r.Yield = yield.String()
	}
	return r
}

// SetOutstanding resets the simulated book, typically to the pool's actual
// outstanding exposure at startup.
func (g *Generator) SetOutstanding(v *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v != nil && v.Sign() > 0 {
		g.outstanding = new(big.Int).Set(v)
	}
}

// GetOutstanding returns the current simulated book size.
func (g *Generator) GetOutstanding() *big.Int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return new(big.Int).Set(g.outstanding)
}
