package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"

	defaultTxRetries = 3
)

type Repository struct {
	pool      *pgxpool.Pool
	txRetries int
}

type Option func(*Repository)

// WithTxRetries sets how many times a transaction is retried after a
// serialization failure before ErrSerializationFailure is returned.
func WithTxRetries(n int) Option {
	return func(r *Repository) {
		if n >= 0 {
			r.txRetries = n
		}
	}
}

func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, txRetries: defaultTxRetries}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type txKey struct{}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// q returns the transaction carried by ctx, or the pool.
func (r *Repository) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// WithTx runs fn in a SERIALIZABLE transaction. Calls made with the context
// passed to fn join it; a nested WithTx reuses the outer transaction.
// Serialization failures are retried, so fn must be safe to run again.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	timer := prometheus.NewTimer(observability.DBTxDuration)
	defer timer.ObserveDuration()

	var err error
	for attempt := 0; attempt <= r.txRetries; attempt++ {
		err = r.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return errors.WithSecondaryError(
		errors.Wrapf(domain.ErrSerializationFailure, "gave up after %d attempts", r.txRetries+1),
		err,
	)
}

func (r *Repository) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}
