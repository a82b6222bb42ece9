package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/sbenjam1n/studysync/internal/db"
)

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "studysync.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, which keeps trial numbering
	// linear without an explicit lock.
	sqlDB.SetMaxOpenConns(1)

	schema, err := db.Schema("sqlite")
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	for _, stmt := range db.Statements(schema) {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}

	return &SQL{
		db: &stdConn{stdQuerier: stdQuerier{sqlDB}, db: sqlDB},
		dialect: dialect{
			name:        "sqlite",
			lockStudy:   func(context.Context, querier, int64) error { return nil },
			isDuplicate: isSQLiteConstraint,
		},
		logger: logger.Named("sqlite").With(zap.String("path", path)),
	}, nil
}

type stdRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// stdQuerier adapts a database/sql DB or Tx to querier.
type stdQuerier struct {
	r stdRunner
}

func (q stdQuerier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.r.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q stdQuerier) Query(ctx context.Context, query string, args ...any) (rows, error) {
	rs, err := q.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return stdRows{rs}, nil
}

func (q stdQuerier) QueryRow(ctx context.Context, query string, args ...any) row {
	return q.r.QueryRowContext(ctx, query, args...)
}

type stdRows struct {
	*sql.Rows
}

func (r stdRows) Close() { _ = r.Rows.Close() }

type stdConn struct {
	stdQuerier
	db *sql.DB
}

func (c *stdConn) InTx(ctx context.Context, fn func(q querier) error) (retErr error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(stdQuerier{tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *stdConn) Close() error {
	return c.db.Close()
}

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
