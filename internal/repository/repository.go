package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/strata-backend/internal/pool"
)

// Repository persists the pool's audit trail: one row per tranche epoch
// settlement and an append-only event feed. It implements pool.Recorder.
type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// SettlementRecord is a stored epoch settlement. Share and amount columns are
// NUMERIC in Postgres and surface as base-10 strings.
type SettlementRecord struct {
	Tranche         string
	EpochID         uint64
	SharesRequested string
	SharesProcessed string
	AmountProcessed string
	SharesCarried   string
	PriceBefore     decimal.Decimal
	PriceAfter      decimal.Decimal
	Digest          string
	ClosedAt        time.Time
}

// EventRecord is a stored pool event. Sequence is the append-only ordering
// used for cursors.
type EventRecord struct {
	Sequence int64
	EventID  string
	Type     string
	Tranche  string
	Cover    string
	Actor    string
	Amount   string
	Shares   string
	EpochID  uint64
	At       time.Time
}

// RecordSettlements upserts the settlements produced by an epoch close.
// Re-running a close after a crash rewrites identical rows, so the insert
// conflicts on (tranche, epoch_id) and updates in place.
func (r *Repository) RecordSettlements(ctx context.Context, settlements []*pool.EpochSettlement) error {
	if len(settlements) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO epoch_settlements
			(tranche, epoch_id, shares_requested, shares_processed, amount_processed, shares_carried, price_before, price_after, digest, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tranche, epoch_id) DO UPDATE SET
			shares_requested = EXCLUDED.shares_requested,
			shares_processed = EXCLUDED.shares_processed,
			amount_processed = EXCLUDED.amount_processed,
			shares_carried = EXCLUDED.shares_carried,
			price_before = EXCLUDED.price_before,
			price_after = EXCLUDED.price_after,
			digest = EXCLUDED.digest,
			closed_at = EXCLUDED.closed_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range settlements {
		digest, err := s.Digest()
		if err != nil {
			return fmt.Errorf("failed to digest settlement: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			s.Tranche.String(),
			s.EpochID,
			s.SharesRequested.String(),
			s.SharesProcessed.String(),
			s.AmountProcessed.String(),
			s.SharesCarried.String(),
			s.PriceBefore,
			s.PriceAfter,
			digest,
			s.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if r.logger != nil {
		r.logger.Debugw("Stored epoch settlements", "count", len(settlements))
	}
	return nil
}

// RecordEvent appends one event to the feed. Duplicate event ids are dropped
// so replays stay idempotent.
func (r *Repository) RecordEvent(ctx context.Context, ev *pool.PoolEvent) error {
	query := `
		INSERT INTO pool_events (event_id, type, tranche, cover, actor, amount, shares, epoch_id, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	var amount, shares sql.NullString
	if ev.Amount != nil {
		amount = sql.NullString{String: ev.Amount.String(), Valid: true}
	}
	if ev.Shares != nil {
		shares = sql.NullString{String: ev.Shares.String(), Valid: true}
	}
	var epochID sql.NullInt64
	if ev.EpochID != 0 {
		epochID = sql.NullInt64{Int64: int64(ev.EpochID), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		uuid.NewString(),
		ev.Type,
		nullString(ev.Tranche),
		nullString(ev.Cover),
		nullString(ev.Actor),
		amount,
		shares,
		epochID,
		ev.At,
	)
	if err != nil {
		return fmt.Errorf("failed to store pool event: %w", err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ListSettlements returns settlements for a tranche, newest epoch first.
// The cursor is the last epoch id from the previous page.
func (r *Repository) ListSettlements(ctx context.Context, tranche string, limit int, cursor string) ([]SettlementRecord, string, error) {
	beforeEpoch := uint64(0)
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor format: %w", err)
		}
		beforeEpoch = parsed
	}

	query := `
		SELECT tranche, epoch_id, shares_requested, shares_processed, amount_processed, shares_carried, price_before, price_after, digest, closed_at
		FROM epoch_settlements
		WHERE tranche = $1
		AND ($2 = 0 OR epoch_id < $2)
		ORDER BY epoch_id DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, tranche, beforeEpoch, limit+1) // +1 to check if there are more
	if err != nil {
		return nil, "", fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var records []SettlementRecord
	var hasMore bool

	for rows.Next() {
		if len(records) >= limit {
			hasMore = true
			break
		}

		var rec SettlementRecord
		err := rows.Scan(
			&rec.Tranche,
			&rec.EpochID,
			&rec.SharesRequested,
			&rec.SharesProcessed,
			&rec.AmountProcessed,
			&rec.SharesCarried,
			&rec.PriceBefore,
			&rec.PriceAfter,
			&rec.Digest,
			&rec.ClosedAt,
		)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan settlement: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration error: %w", err)
	}

	var nextCursor string
	if hasMore && len(records) > 0 {
		nextCursor = strconv.FormatUint(records[len(records)-1].EpochID, 10)
	}

	return records, nextCursor, nil
}

// LatestSettledEpoch reports the highest settled epoch id for a tranche,
// zero when nothing has settled yet.
func (r *Repository) LatestSettledEpoch(ctx context.Context, tranche string) (uint64, error) {
	var epochID uint64
	query := `SELECT COALESCE(MAX(epoch_id), 0) FROM epoch_settlements WHERE tranche = $1`

	if err := r.db.QueryRowContext(ctx, query, tranche).Scan(&epochID); err != nil {
		return 0, fmt.Errorf("failed to get latest settled epoch: %w", err)
	}

	return epochID, nil
}

// PricePoint is one bucket of the share-price series.
type PricePoint struct {
	Bucket  time.Time
	EpochID uint64
	Price   decimal.Decimal
}

var historyIntervals = map[string]bool{
	"hour":  true,
	"day":   true,
	"week":  true,
	"month": true,
}

// SharePriceHistory buckets settlement prices by interval, newest first. The
// last settlement inside a bucket wins.
func (r *Repository) SharePriceHistory(ctx context.Context, tranche, interval string, limit int) ([]PricePoint, error) {
	if !historyIntervals[interval] {
		return nil, fmt.Errorf("unsupported history interval %q", interval)
	}

	query := `
		SELECT DISTINCT ON (date_trunc($2, closed_at))
			date_trunc($2, closed_at) AS bucket, epoch_id, price_after
		FROM epoch_settlements
		WHERE tranche = $1
		ORDER BY date_trunc($2, closed_at) DESC, closed_at DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, tranche, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.Bucket, &p.EpochID, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return points, nil
}

// ListEventsByActor returns the event feed rows for one address, newest
// first. The cursor is the last sequence from the previous page.
func (r *Repository) ListEventsByActor(ctx context.Context, actor string, limit int, cursor string) ([]EventRecord, string, error) {
	beforeSeq := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor format: %w", err)
		}
		beforeSeq = parsed
	}

	query := `
		SELECT sequence, event_id, type, tranche, cover, actor, amount, shares, epoch_id, at
		FROM pool_events
		WHERE actor = $1
		AND ($2 = 0 OR sequence < $2)
		ORDER BY sequence DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, actor, beforeSeq, limit+1) // +1 to check if there are more
	if err != nil {
		return nil, "", fmt.Errorf("failed to query pool events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	var hasMore bool

	for rows.Next() {
		if len(records) >= limit {
			hasMore = true
			break
		}

		var rec EventRecord
		var tranche, cover, eventActor, amount, shares sql.NullString
		var epochID sql.NullInt64

		err := rows.Scan(
			&rec.Sequence,
			&rec.EventID,
			&rec.Type,
			&tranche,
			&cover,
			&eventActor,
			&amount,
			&shares,
			&epochID,
			&rec.At,
		)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan pool event: %w", err)
		}

		rec.Tranche = tranche.String
		rec.Cover = cover.String
		rec.Actor = eventActor.String
		rec.Amount = amount.String
		rec.Shares = shares.String
		if epochID.Valid {
			rec.EpochID = uint64(epochID.Int64)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration error: %w", err)
	}

	var nextCursor string
	if hasMore && len(records) > 0 {
		nextCursor = strconv.FormatInt(records[len(records)-1].Sequence, 10)
	}

	return records, nextCursor, nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
