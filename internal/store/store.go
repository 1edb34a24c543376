// Package store is the relational repository of quipucords. Every write runs
// in a short transaction and returns value structs from internal/model.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/quipucords/quipucords/internal/model"
	_ "modernc.org/sqlite"
)

// DBMS names accepted by Open.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
	MySQL    = "mysql"
)

var (
	ErrInUse           = errors.New("in use")
	ErrCounterOverflow = errors.New("task counters would exceed systems_count")
)

// ErrInit is returned when the database cannot be opened or migrated.
type ErrInit struct {
	DBMS string
	Err  error
}

func (e ErrInit) Error() string {
	return fmt.Sprintf("unable to initialize %s database: %v", e.DBMS, e.Err)
}

func (e ErrInit) Unwrap() error {
	return e.Err
}

type Store struct {
	db   *sqlx.DB
	dbms string
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, dbms, dsn string) (*Store, error) {
	var driver string
	switch dbms {
	case "", SQLite:
		dbms, driver = SQLite, "sqlite"
		dsn = sqliteDSN(dsn)
	case Postgres:
		driver = "pgx"
	case MySQL:
		driver = "mysql"
	default:
		return nil, ErrInit{DBMS: dbms, Err: fmt.Errorf("unsupported dbms %q", dbms)}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, ErrInit{DBMS: dbms, Err: err}
	}
	if dbms == SQLite {
		// one writer at a time, otherwise SQLITE_BUSY under concurrent tasks
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ErrInit{DBMS: dbms, Err: err}
	}

	s := &Store{db: db, dbms: dbms}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, ErrInit{DBMS: dbms, Err: err}
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "quipucords.db"
	}
	if strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DBMS returns the name of the database backend.
func (s *Store) DBMS() string {
	return s.dbms
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs f in a transaction, which is committed when f returns nil.
func (s *Store) inTx(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction failed: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("error", err.Error()))
		}
	}()

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// insert executes an INSERT and returns the id of the new row.
func (s *Store) insert(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	if s.dbms == MySQL {
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, fmt.Errorf("executing sql insert failed: %w", err)
		}
		return res.LastInsertId()
	}
	var id int64
	if err := tx.QueryRowxContext(ctx, tx.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return id, nil
}

func exec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("executing sql statement failed: %w", err)
	}
	return res.RowsAffected()
}

func get(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q, dest, sqlx.Rebind(bindType(q), query), args...)
}

func selectAll(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q, dest, sqlx.Rebind(bindType(q), query), args...)
}

func bindType(q sqlx.QueryerContext) int {
	switch v := q.(type) {
	case *sqlx.Tx:
		return sqlx.BindType(v.DriverName())
	case *sqlx.DB:
		return sqlx.BindType(v.DriverName())
	default:
		return sqlx.QUESTION
	}
}

// inClause expands `IN (?)` for args; sqlx.In does not rebind.
func inClause(query string, args ...any) (string, []any, error) {
	return sqlx.In(query, args...)
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// timestamps are stored as unix microseconds, which all three dialects
// scan without driver specific time parsing
func timeToDB(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UTC().UnixMicro()
	return &v
}

func timeFromDB(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMicro(*v).UTC()
	return &t
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, model.ErrNotFound)
}
