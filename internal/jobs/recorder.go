package jobs

import (
	"context"

	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/store"
	"go.uber.org/zap"
)

// FanoutRecorder is the pool.Recorder the service writes through: settlements
// and events land in Postgres first, then fan out on the pub/sub channels so
// websocket and SSE clients see them live. Publish failures are logged and
// swallowed; persistence failures surface to the caller.
type FanoutRecorder struct {
	repo   pool.Recorder
	cache  *store.Cache
	logger *zap.SugaredLogger
}

func NewFanoutRecorder(repo pool.Recorder, cache *store.Cache, logger *zap.SugaredLogger) *FanoutRecorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FanoutRecorder{repo: repo, cache: cache, logger: logger}
}

func (f *FanoutRecorder) RecordSettlements(ctx context.Context, settlements []*pool.EpochSettlement) error {
	if f.repo != nil {
		if err := f.repo.RecordSettlements(ctx, settlements); err != nil {
			return err
		}
	}
	if f.cache == nil {
		return nil
	}
	for _, s := range settlements {
		channel := store.ChannelEpochSettledFor(s.Tranche.String())
		if err := f.cache.Publish(ctx, channel, NewSettlementEvent(s)); err != nil {
			f.logger.Warnw("Failed to publish settlement", "tranche", s.Tranche.String(), "epoch", s.EpochID, "error", err)
		}
	}
	return nil
}

func (f *FanoutRecorder) RecordEvent(ctx context.Context, ev *pool.PoolEvent) error {
	if f.repo != nil {
		if err := f.repo.RecordEvent(ctx, ev); err != nil {
			return err
		}
	}
	if f.cache == nil {
		return nil
	}
	if err := f.cache.Publish(ctx, store.ChannelPoolEvents, ev); err != nil {
		f.logger.Warnw("Failed to publish pool event", "type", ev.Type, "error", err)
	}
	return nil
}
