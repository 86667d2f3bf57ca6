// Package store implements the persistence layer: tenant-scoped, soft
// deleting, optimistically locked repositories over Postgres. Repositories
// read the current tenant from the context and add tenant predicates to
// every query; callers never pass tenant IDs explicitly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
)

// DB wraps the sqlx handle plus the shared read cache.
type DB struct {
	sqlx  *sqlx.DB
	cache *Cache
	log   *logging.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to connect to persistence store")
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DB{
		sqlx:  db,
		cache: NewCache(),
		log:   logging.Get(logging.CategoryStore),
	}, nil
}

// NewWithDB wraps an existing *sql.DB (tests use this with sqlmock).
func NewWithDB(db *sql.DB) *DB {
	return &DB{
		sqlx:  sqlx.NewDb(db, "pgx"),
		cache: NewCache(),
		log:   logging.Get(logging.CategoryStore),
	}
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.sqlx.Close() }

// Ping verifies reachability; used by the readiness probe.
func (d *DB) Ping(ctx context.Context) error { return d.sqlx.PingContext(ctx) }

// Migrate applies the ordered schema statements. Statements are idempotent
// (IF NOT EXISTS) so startup can always run them.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := d.sqlx.ExecContext(ctx, stmt); err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "migration statement %d failed", i)
		}
	}
	d.log.Info("schema migrated (%d statements)", len(schemaStatements))
	return nil
}

// querier abstracts *sqlx.DB and *sqlx.Tx so repository methods run inside
// or outside a unit of work unchanged.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type txKey struct{}

// WithUnitOfWork runs fn inside one transaction. Repository calls made with
// the ctx fn receives join the transaction; nested units of work join the
// outer transaction instead of opening a second one. Rollback on error or
// panic.
func (d *DB) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := d.sqlx.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = apperrors.Wrap(apperrors.CodeInternal, commitErr, "failed to commit transaction")
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}

// q returns the active transaction from ctx, or the pool.
func (d *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return d.sqlx
}

// SortOrder is a single sort clause.
type SortOrder struct {
	Field string
	Desc  bool
}

// Page is a limit/offset window plus its total.
type Page struct {
	Limit  int
	Offset int
}

// PageResult carries one page and the unwindowed total.
type PageResult[T any] struct {
	Items []T
	Total int64
	Page  Page
}

// notFound converts sql.ErrNoRows to NOT_FOUND, everything else to INTERNAL.
func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.CodeNotFound, "%s %v not found", what, id)
	}
	return apperrors.Wrap(apperrors.CodeInternal, err, "failed to load %s %v", what, id)
}

// jsonColumn marshals v for a jsonb column; nil maps encode as empty object.
func jsonColumn(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Map && rv.IsNil() {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to encode json column")
	}
	return data, nil
}

// scanJSON unmarshals a jsonb column into dst, tolerating NULL.
func scanJSON(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to decode json column")
	}
	return nil
}

// checkVersion converts a zero-row optimistic update into STALE_VERSION.
func checkVersion(res sql.Result, what string, id interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "rows affected unavailable")
	}
	if n == 0 {
		return apperrors.New(apperrors.CodeStaleVersion,
			"%s %v was modified concurrently", what, id)
	}
	return nil
}

func fmtSort(allowed map[string]bool, sorts []SortOrder, fallback string) string {
	clause := ""
	for _, s := range sorts {
		if !allowed[s.Field] {
			continue
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		if clause != "" {
			clause += ", "
		}
		clause += fmt.Sprintf("%s %s", s.Field, dir)
	}
	if clause == "" {
		clause = fallback
	}
	return "ORDER BY " + clause
}
