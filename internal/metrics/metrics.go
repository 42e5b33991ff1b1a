package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	PnLReports      metric.Int64Counter
	EpochsClosed    metric.Int64Counter
	SharesProcessed metric.Float64Counter
	EpochCloseTime  metric.Float64Histogram

	trancheAssets     metric.Float64ObservableGauge
	trancheSharePrice metric.Float64ObservableGauge
	safeBalance       metric.Float64ObservableGauge
	outstandingCredit metric.Float64ObservableGauge
	meter             metric.Meter
	stateRegistration metric.Registration
}

// PoolObservation is what the state callback reports on every scrape.
type PoolObservation struct {
	TrancheAssets     map[string]float64 // tranche name -> total assets
	TrancheSharePrice map[string]float64 // tranche name -> share price
	SafeBalance       float64
	OutstandingCredit float64
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{meter: meter}

	m.HTTPRequests, err = meter.Int64Counter(
		"strata_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"strata_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"strata_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"strata_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"strata_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PnLReports, err = meter.Int64Counter(
		"strata_pnl_reports_total",
		metric.WithDescription("Total number of profit and loss reports applied"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EpochsClosed, err = meter.Int64Counter(
		"strata_epochs_closed_total",
		metric.WithDescription("Total number of redemption epochs closed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SharesProcessed, err = meter.Float64Counter(
		"strata_redemption_shares_processed_total",
		metric.WithDescription("Total redemption shares processed at epoch close"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EpochCloseTime, err = meter.Float64Histogram(
		"strata_epoch_close_duration_seconds",
		metric.WithDescription("Time taken to close a redemption epoch"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.trancheAssets, err = meter.Float64ObservableGauge(
		"strata_tranche_assets",
		metric.WithDescription("Total assets held per tranche"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.trancheSharePrice, err = meter.Float64ObservableGauge(
		"strata_tranche_share_price",
		metric.WithDescription("Current share price per tranche"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.safeBalance, err = meter.Float64ObservableGauge(
		"strata_pool_safe_balance",
		metric.WithDescription("Uncommitted balance held in the pool safe"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.outstandingCredit, err = meter.Float64ObservableGauge(
		"strata_outstanding_credit",
		metric.WithDescription("Principal currently drawn down by the borrower"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

// ObservePoolState registers observe as the source for the pool gauges.
// Calling it again replaces the previous callback.
func (m *Metrics) ObservePoolState(observe func(context.Context) PoolObservation) error {
	if m.stateRegistration != nil {
		if err := m.stateRegistration.Unregister(); err != nil {
			return err
		}
		m.stateRegistration = nil
	}
	reg, err := m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		obs := observe(ctx)
		for name, v := range obs.TrancheAssets {
			o.ObserveFloat64(m.trancheAssets, v, metric.WithAttributes(attribute.String("tranche", name)))
		}
		for name, v := range obs.TrancheSharePrice {
			o.ObserveFloat64(m.trancheSharePrice, v, metric.WithAttributes(attribute.String("tranche", name)))
		}
		o.ObserveFloat64(m.safeBalance, obs.SafeBalance)
		o.ObserveFloat64(m.outstandingCredit, obs.OutstandingCredit)
		return nil
	}, m.trancheAssets, m.trancheSharePrice, m.safeBalance, m.outstandingCredit)
	if err != nil {
		return err
	}
	m.stateRegistration = reg
	return nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordPnLReport(ctx context.Context, kind string) {
	m.PnLReports.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordEpochClose(ctx context.Context, tranche string, shares float64, duration time.Duration) {
	labels := metric.WithAttributes(attribute.String("tranche", tranche))
	m.EpochsClosed.Add(ctx, 1, labels)
	m.SharesProcessed.Add(ctx, shares, labels)
	m.EpochCloseTime.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}
