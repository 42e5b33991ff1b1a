package jobs

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stratafi/strata-backend/internal/metrics"
	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"github.com/stratafi/strata-backend/internal/pnlfeed/httpfeed"
	"github.com/stratafi/strata-backend/internal/pnlfeed/mock"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/store"
	"github.com/stratafi/strata-backend/pkg/kv"
	"go.uber.org/zap"
)

// Job markers persisted in pkg/kv so restarts resume where they stopped.
const (
	MarkerFeedSequence    = "strata:feed:last_sequence"
	MarkerLastClosedEpoch = "strata:jobs:last_closed_epoch"
)

// PnLPublisher drives the credit-side report stream into the pool engine and
// pushes the refreshed pool state to cache and pub/sub after every applied
// report. When the configured provider goes unhealthy it falls back to the
// mock feed and probes the primary until it recovers.
type PnLPublisher struct {
	provider     pnlfeed.Provider
	mockProvider pnlfeed.Provider
	service      *pool.Service
	cache        *store.Cache
	markers      kv.Store
	metrics      *metrics.Metrics
	logger       *zap.SugaredLogger
	config       PnLPublisherConfig
	verifyKey    *secp256k1.PublicKey

	mu        sync.RWMutex
	usingMock bool
	runCancel context.CancelFunc
	cancelCtx context.CancelFunc
}

type PnLPublisherConfig struct {
	ProviderType    string        // "http" or "mock"
	BaseURL         string        // credit service root, http provider only
	PollInterval    time.Duration // report poll cadence
	RetryInterval   time.Duration // health check and reconnect cadence
	PublicKeyHex    string        // compressed secp256k1 key; empty disables verification
	Actor           string        // credit-service account reports apply under
	MockSeed        int64         // 0 seeds from the clock
	MockInterval    time.Duration // mock emit cadence
	MockYieldBps    uint64
	MockDefaultBps  uint64
	MockOutstanding *big.Int
}

func NewPnLPublisher(service *pool.Service, cache *store.Cache, markers kv.Store, m *metrics.Metrics, logger *zap.SugaredLogger, config PnLPublisherConfig) (*PnLPublisher, error) {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}

	// Always create the mock generator as fallback.
	mockProvider := mock.NewGenerator(logger, mock.Config{
		Seed:        config.MockSeed,
		Interval:    config.MockInterval,
		Outstanding: config.MockOutstanding,
		YieldBps:    config.MockYieldBps,
		DefaultBps:  config.MockDefaultBps,
	})

	var provider pnlfeed.Provider
	switch config.ProviderType {
	case "http":
		provider = httpfeed.NewProvider(logger, httpfeed.Config{
			BaseURL:       config.BaseURL,
			PollInterval:  config.PollInterval,
			RetryInterval: config.RetryInterval,
		})
	default:
		provider = mockProvider
	}

	var verifyKey *secp256k1.PublicKey
	if config.PublicKeyHex != "" {
		key, err := pnlfeed.ParsePublicKey(config.PublicKeyHex)
		if err != nil {
			return nil, err
		}
		verifyKey = key
	}

	return &PnLPublisher{
		provider:     provider,
		mockProvider: mockProvider,
		service:      service,
		cache:        cache,
		markers:      markers,
		metrics:      m,
		logger:       logger,
		config:       config,
		verifyKey:    verifyKey,
	}, nil
}

func (p *PnLPublisher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelCtx = cancel

	p.restoreSequence(ctx)

	p.logger.Infow("Starting PnL publisher",
		"provider", p.provider.Name(),
		"actor", p.config.Actor,
		"verifying", p.verifyKey != nil,
	)

	reports := make(chan pnlfeed.Report, 100)
	go p.runFeed(ctx, reports)

	retryTicker := time.NewTicker(p.config.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("PnL publisher stopping due to context cancellation")
			return ctx.Err()
		case r := <-reports:
			p.processReport(ctx, r)
		case <-retryTicker.C:
			p.checkProviderHealth(ctx)
		}
	}
}

func (p *PnLPublisher) Stop() {
	if p.cancelCtx != nil {
		p.cancelCtx()
	}
}

// runFeed keeps exactly one provider running. Switching providers cancels the
// active run; the loop then picks up whichever side usingMock selects.
func (p *PnLPublisher) runFeed(ctx context.Context, out chan<- pnlfeed.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		current := p.getCurrentProvider()
		runCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.runCancel = cancel
		p.mu.Unlock()

		err := current.Run(runCtx, out)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warnw("Report feed stopped", "provider", current.Name(), "error", err)
			if current.Name() != "mock" {
				p.switchToMock("feed run failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.RetryInterval):
		}
	}
}

// processReport validates, verifies and applies one report, then refreshes
// the published pool state. A report the engine rejects is logged and
// skipped; the sequence marker still advances so restarts never replay it.
func (p *PnLPublisher) processReport(ctx context.Context, r pnlfeed.Report) {
	if err := p.verifyReport(r); err != nil {
		p.logger.Warnw("Rejecting report", "sequence", r.Sequence, "kind", r.Kind, "error", err)
		p.saveSequence(ctx, r.Sequence)
		return
	}

	if err := p.applyReport(ctx, r); err != nil {
		p.logger.Warnw("Report rejected by pool engine", "sequence", r.Sequence, "kind", r.Kind, "amount", r.Amount, "error", err)
	} else if p.metrics != nil {
		p.metrics.RecordPnLReport(ctx, r.Kind)
	}

	p.saveSequence(ctx, r.Sequence)
	p.publishState(ctx)
}

// verifyReport enforces the signature policy: when a credit-service key is
// configured every externally sourced report must verify. In-process mock
// reports are trusted as-is.
func (p *PnLPublisher) verifyReport(r pnlfeed.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if p.verifyKey == nil {
		return nil
	}
	if r.Signature == "" && p.isUsingMock() {
		return nil
	}
	return r.Verify(p.verifyKey)
}

func (p *PnLPublisher) applyReport(ctx context.Context, r pnlfeed.Report) error {
	return ApplyReport(ctx, p.service, p.config.Actor, r)
}

// ApplyReport maps one credit-side report onto pool engine operations, acting
// as the given account. The JSON-RPC surface applies collaborator-submitted
// reports through the same mapping the feed uses.
func ApplyReport(ctx context.Context, svc *pool.Service, actor string, r pnlfeed.Report) error {
	amount, err := r.AmountInt()
	if err != nil {
		return err
	}

	switch r.Kind {
	case pnlfeed.KindPayment:
		yield, err := r.YieldInt()
		if err != nil {
			return err
		}
		// Yield accrues as profit before the cash that pays it lands.
		if yield.Sign() > 0 {
			if _, err := svc.ReportPnL(ctx, actor, yield, nil, nil); err != nil {
				return err
			}
		}
		return svc.ReceivePayment(ctx, actor, amount)
	case pnlfeed.KindDrawdown:
		to := r.Borrower
		if to == "" {
			to = actor
		}
		return svc.Drawdown(ctx, actor, to, amount)
	case pnlfeed.KindLoss:
		_, err := svc.ReportPnL(ctx, actor, nil, amount, nil)
		return err
	case pnlfeed.KindRecovery:
		_, err := svc.ReportPnL(ctx, actor, nil, nil, amount)
		return err
	default:
		return pnlfeed.ErrUnknownKind
	}
}

// publishState caches a fresh snapshot and pushes the compact state event.
func (p *PnLPublisher) publishState(ctx context.Context) {
	snap, err := p.service.Snapshot()
	if err != nil {
		p.logger.Warnw("Failed to snapshot pool", "error", err)
		return
	}
	if err := p.cache.SetPoolState(ctx, snap); err != nil {
		p.logger.Warnw("Failed to cache pool state", "error", err)
	}
	if err := p.cache.Publish(ctx, store.ChannelPoolState, NewPoolStateEvent(snap)); err != nil {
		p.logger.Warnw("Failed to publish pool state", "error", err)
	}
}

func (p *PnLPublisher) restoreSequence(ctx context.Context) {
	if p.markers == nil {
		return
	}
	raw, err := p.markers.GetString(ctx, MarkerFeedSequence)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			p.logger.Warnw("Failed to read feed sequence marker", "error", err)
		}
		return
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		p.logger.Warnw("Ignoring malformed feed sequence marker", "value", raw)
		return
	}
	if hp, ok := p.provider.(*httpfeed.Provider); ok {
		hp.SetAfter(seq)
		p.logger.Infow("Resuming report feed", "after", seq)
	}
}

func (p *PnLPublisher) saveSequence(ctx context.Context, seq uint64) {
	if p.markers == nil {
		return
	}
	if err := p.markers.SetString(ctx, MarkerFeedSequence, strconv.FormatUint(seq, 10)); err != nil {
		p.logger.Warnw("Failed to persist feed sequence", "sequence", seq, "error", err)
	}
}

// getCurrentProvider returns the currently active provider
func (p *PnLPublisher) getCurrentProvider() pnlfeed.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.usingMock {
		return p.mockProvider
	}
	return p.provider
}

func (p *PnLPublisher) isUsingMock() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usingMock
}

// switchToMock switches to the mock provider with logging
func (p *PnLPublisher) switchToMock(reason string) {
	p.mu.Lock()
	if p.usingMock {
		p.mu.Unlock()
		return
	}
	p.usingMock = true
	cancel := p.runCancel
	p.mu.Unlock()

	p.logger.Warnw("Switching to mock report feed",
		"reason", reason,
		"provider", p.provider.Name(),
	)
	if cancel != nil {
		cancel()
	}
}

func (p *PnLPublisher) switchToPrimary() {
	p.mu.Lock()
	if !p.usingMock {
		p.mu.Unlock()
		return
	}
	p.usingMock = false
	cancel := p.runCancel
	p.mu.Unlock()

	p.logger.Infow("Primary report feed recovered, switching back",
		"provider", p.provider.Name(),
	)
	if cancel != nil {
		cancel()
	}
}

// prober is implemented by providers that can cheaply test the upstream.
type prober interface {
	Probe(ctx context.Context) error
}

// checkProviderHealth checks and potentially switches providers
func (p *PnLPublisher) checkProviderHealth(ctx context.Context) {
	if p.provider == p.mockProvider {
		return
	}

	if !p.isUsingMock() {
		if health := p.provider.Health(); !health.Healthy {
			p.logger.Warnw("Primary report feed unhealthy",
				"provider", p.provider.Name(),
				"lastError", health.LastError,
				"reconnects", health.Reconnects,
			)
			p.switchToMock("provider health check failed")
		}
		return
	}

	// While the mock runs the primary sits idle, so its health only moves
	// when we probe it.
	pr, ok := p.provider.(prober)
	if !ok {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.config.RetryInterval)
	defer cancel()
	if err := pr.Probe(probeCtx); err == nil {
		p.switchToPrimary()
	}
}
