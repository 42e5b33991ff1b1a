package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stratafi/strata-backend/internal/metrics"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/store"
	"github.com/stratafi/strata-backend/pkg/kv"
	"go.uber.org/zap"
)

// EpochCloser settles epochs on schedule: reconcile outstanding profit, close
// the epoch, pay out yield to non-reinvesting lenders, then refresh the
// published state. A catch-up ticker retries between scheduled runs so an
// epoch whose close was missed (downtime, failed run) settles at most one
// catch-up interval late.
type EpochCloser struct {
	service *pool.Service
	cache   *store.Cache
	markers kv.Store
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	config  EpochCloserConfig

	cron      *cron.Cron
	mu        sync.Mutex // one close attempt at a time
	cancelCtx context.CancelFunc
}

type EpochCloserConfig struct {
	Schedule        string        // six-field cron spec, seconds first
	CatchupInterval time.Duration // missed-close scan cadence; 0 disables
	Actor           string        // operator account the engine calls run under
}

func NewEpochCloser(service *pool.Service, cache *store.Cache, markers kv.Store, m *metrics.Metrics, logger *zap.SugaredLogger, config EpochCloserConfig) *EpochCloser {
	return &EpochCloser{
		service: service,
		cache:   cache,
		markers: markers,
		metrics: m,
		logger:  logger,
		config:  config,
	}
}

func (c *EpochCloser) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel

	c.cron = cron.New(cron.WithSeconds())
	if _, err := c.cron.AddFunc(c.config.Schedule, func() { c.CloseDue(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("register epoch close schedule: %w", err)
	}
	c.cron.Start()
	c.logger.Infow("Epoch closer started",
		"schedule", c.config.Schedule,
		"catchup", c.config.CatchupInterval,
	)

	if c.config.CatchupInterval > 0 {
		go c.catchupLoop(ctx)
	}
	return nil
}

func (c *EpochCloser) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
	if c.cancelCtx != nil {
		c.cancelCtx()
	}
}

func (c *EpochCloser) catchupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CatchupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CloseDue(ctx)
		}
	}
}

// CloseDue runs one close attempt. Safe to call any time: an epoch that has
// not reached its end is left alone.
func (c *EpochCloser) CloseDue(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch, err := c.service.CurrentEpoch()
	if err != nil {
		c.logger.Warnw("Failed to read current epoch", "error", err)
		return
	}
	if time.Now().Before(epoch.EndTime) {
		return
	}

	start := time.Now()

	// Distributed-but-unreconciled profit blocks the close.
	if _, err := c.service.ReconcileProfit(ctx, c.config.Actor); err != nil {
		c.logger.Warnw("Profit reconciliation failed", "error", err)
	}

	settlements, err := c.service.CloseEpoch(ctx, c.config.Actor)
	if err != nil {
		if errors.Is(err, pool.ErrEpochNotEnded) {
			c.logger.Debugw("Epoch not due", "epoch", epoch.ID)
		} else {
			c.logger.Warnw("Epoch close failed", "epoch", epoch.ID, "error", err)
		}
		return
	}
	duration := time.Since(start)

	var closedID uint64
	for _, s := range settlements {
		if closedID == 0 {
			closedID = s.EpochID
		}
		if c.metrics != nil {
			shares, _ := new(big.Float).SetInt(s.SharesProcessed).Float64()
			c.metrics.RecordEpochClose(ctx, s.Tranche.String(), shares, duration)
		}
	}

	// Accrued yield for non-reinvesting lenders pays out with the close.
	for _, t := range pool.Tranches {
		payouts, err := c.service.ProcessYieldForLenders(ctx, c.config.Actor, t)
		if err != nil {
			c.logger.Warnw("Yield processing failed", "tranche", t.String(), "error", err)
			continue
		}
		if len(payouts) > 0 {
			c.logger.Infow("Yield paid out", "tranche", t.String(), "lenders", len(payouts))
		}
	}

	c.saveClosedEpoch(ctx, closedID)
	c.publishState(ctx)
	c.logger.Infow("Epoch settled", "epoch", closedID, "settlements", len(settlements), "took", duration)
}

func (c *EpochCloser) saveClosedEpoch(ctx context.Context, epochID uint64) {
	if c.markers == nil || epochID == 0 {
		return
	}
	if err := c.markers.SetString(ctx, MarkerLastClosedEpoch, strconv.FormatUint(epochID, 10)); err != nil {
		c.logger.Warnw("Failed to persist closed epoch marker", "epoch", epochID, "error", err)
	}
}

func (c *EpochCloser) publishState(ctx context.Context) {
	if c.cache == nil {
		return
	}
	snap, err := c.service.Snapshot()
	if err != nil {
		c.logger.Warnw("Failed to snapshot pool", "error", err)
		return
	}
	if err := c.cache.SetPoolState(ctx, snap); err != nil {
		c.logger.Warnw("Failed to cache pool state", "error", err)
	}
	if err := c.cache.Publish(ctx, store.ChannelPoolState, NewPoolStateEvent(snap)); err != nil {
		c.logger.Warnw("Failed to publish pool state", "error", err)
	}
}
