// Package postgres persists the payload ledger and the cached replies.
//
// The payload ledger drives the freshness decision; the cached replies are
// the durable rate snapshots replayed on a cache hit. Both are written in
// one transaction so a reader never observes a reply without its ledger row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the store for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RateStore implements domain.RateStore on PostgreSQL.
type RateStore struct{ Pool PgxPool }

// NewRateStore constructs a RateStore with the given pool.
func NewRateStore(p PgxPool) *RateStore { return &RateStore{Pool: p} }

// PayloadLastSaved returns lastSaved for the exact payload text.
func (s *RateStore) PayloadLastSaved(ctx domain.Context, payload string) (time.Time, error) {
	tracer := otel.Tracer("repo.rates")
	ctx, span := tracer.Start(ctx, "rates.PayloadLastSaved")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "payload_table"),
	)
	q := `SELECT last_save_payload FROM payload_table WHERE payload=$1`
	var last time.Time
	if err := s.Pool.QueryRow(ctx, q, payload).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, fmt.Errorf("op=payload.last_saved: %w", domain.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("op=payload.last_saved: %w: %v", domain.ErrStorage, err)
	}
	return last, nil
}

// TouchPayload sets lastSaved on an existing payload row. A stale entry is
// touched before the refetch so concurrent requests inside the window do
// not all fan out to the provider.
func (s *RateStore) TouchPayload(ctx domain.Context, payload string, at time.Time) error {
	tracer := otel.Tracer("repo.rates")
	ctx, span := tracer.Start(ctx, "rates.TouchPayload")
	defer span.End()
	q := `UPDATE payload_table SET last_save_payload=$2 WHERE payload=$1`
	if _, err := s.Pool.Exec(ctx, q, payload, at.UTC()); err != nil {
		return fmt.Errorf("op=payload.touch: %w: %v", domain.ErrStorage, err)
	}
	return nil
}

// SaveReply upserts the cached reply and its payload-ledger row in a single
// transaction: response row by currency key, child rate rows replaced
// wholesale, ledger row stamped with the fetch time.
func (s *RateStore) SaveReply(ctx domain.Context, payload string, reply domain.RateReply, at time.Time) error {
	tracer := otel.Tracer("repo.rates")
	ctx, span := tracer.Start(ctx, "rates.SaveReply")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
	)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=reply.save: %w: %v", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var responseID string
	q := `INSERT INTO response_to_kafka (id, currency, base_currency, date, request_id)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (currency)
	DO UPDATE SET base_currency=EXCLUDED.base_currency, date=EXCLUDED.date, request_id=EXCLUDED.request_id
	RETURNING id`
	if err := tx.QueryRow(ctx, q, uuid.New().String(), reply.Currency, reply.BaseCurrency, reply.Date, reply.RequestID).Scan(&responseID); err != nil {
		return fmt.Errorf("op=reply.save: %w: %v", domain.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM exchange_rates WHERE response_id=$1`, responseID); err != nil {
		return fmt.Errorf("op=reply.save: %w: %v", domain.ErrStorage, err)
	}
	for code, rate := range reply.Rates {
		if _, err := tx.Exec(ctx, `INSERT INTO exchange_rates (response_id, currency, rate) VALUES ($1,$2,$3)`, responseID, code, rate); err != nil {
			return fmt.Errorf("op=reply.save: %w: %v", domain.ErrStorage, err)
		}
	}

	q = `INSERT INTO payload_table (payload, last_save_payload) VALUES ($1,$2)
	ON CONFLICT (payload) DO UPDATE SET last_save_payload=EXCLUDED.last_save_payload`
	if _, err := tx.Exec(ctx, q, payload, at.UTC()); err != nil {
		return fmt.Errorf("op=reply.save: %w: %v", domain.ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=reply.save: %w: %v", domain.ErrStorage, err)
	}
	return nil
}

// ReplyByCurrency loads the cached reply keyed by the argument string.
func (s *RateStore) ReplyByCurrency(ctx domain.Context, currency string) (domain.RateReply, error) {
	tracer := otel.Tracer("repo.rates")
	ctx, span := tracer.Start(ctx, "rates.ReplyByCurrency")
	defer span.End()

	q := `SELECT id, currency, base_currency, date, request_id FROM response_to_kafka WHERE currency=$1`
	var responseID string
	var reply domain.RateReply
	if err := s.Pool.QueryRow(ctx, q, currency).Scan(&responseID, &reply.Currency, &reply.BaseCurrency, &reply.Date, &reply.RequestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RateReply{}, fmt.Errorf("op=reply.get: %w", domain.ErrNotFound)
		}
		return domain.RateReply{}, fmt.Errorf("op=reply.get: %w: %v", domain.ErrStorage, err)
	}

	rows, err := s.Pool.Query(ctx, `SELECT currency, rate FROM exchange_rates WHERE response_id=$1`, responseID)
	if err != nil {
		return domain.RateReply{}, fmt.Errorf("op=reply.get_rates: %w: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	reply.Rates = make(map[string]float64)
	for rows.Next() {
		var code string
		var rate float64
		if err := rows.Scan(&code, &rate); err != nil {
			return domain.RateReply{}, fmt.Errorf("op=reply.get_rates: %w: %v", domain.ErrStorage, err)
		}
		reply.Rates[code] = rate
	}
	if err := rows.Err(); err != nil {
		return domain.RateReply{}, fmt.Errorf("op=reply.get_rates: %w: %v", domain.ErrStorage, err)
	}
	return reply, nil
}

// EnsureSchema creates the store tables when they do not exist yet. Meant to
// run once at worker start.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payload_table (
			payload TEXT PRIMARY KEY,
			last_save_payload TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS response_to_kafka (
			id TEXT PRIMARY KEY,
			currency TEXT NOT NULL UNIQUE,
			base_currency TEXT NOT NULL,
			date TEXT NOT NULL,
			request_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_rates (
			response_id TEXT NOT NULL REFERENCES response_to_kafka(id) ON DELETE CASCADE,
			currency TEXT NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (response_id, currency)
		)`,
	}
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
