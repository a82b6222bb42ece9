package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sbenjam1n/studysync/internal/db"
)

// OpenPostgres connects to PostgreSQL and creates the tables if needed.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*SQL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &SQL{
		db: &pgxConn{pgxQuerier: pgxQuerier{pool}, pool: pool},
		dialect: dialect{
			name: "postgres",
			lockStudy: func(ctx context.Context, q querier, studyID int64) error {
				_, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock(?)", studyID)
				return err
			},
			forUpdate:   " FOR UPDATE",
			isDuplicate: isUniqueViolation,
		},
		logger: logger.Named("postgres"),
	}, nil
}

type pgxRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxQuerier adapts a pool or transaction to querier.
type pgxQuerier struct {
	r pgxRunner
}

func (q pgxQuerier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := q.r.Exec(ctx, rebindDollar(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgxQuerier) Query(ctx context.Context, query string, args ...any) (rows, error) {
	return q.r.Query(ctx, rebindDollar(query), args...)
}

func (q pgxQuerier) QueryRow(ctx context.Context, query string, args ...any) row {
	return q.r.QueryRow(ctx, rebindDollar(query), args...)
}

type pgxConn struct {
	pgxQuerier
	pool *pgxpool.Pool
}

func (c *pgxConn) InTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(pgxQuerier{tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (c *pgxConn) Close() error {
	c.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
