package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ongoingai/airelay/migrations"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const recordColumns = `id, recorded_at, correlation_id, provider, operation, model_id, streaming, status,
request_body, request_body_truncated, response_text, response_text_truncated,
prompt_tokens, completion_tokens, total_tokens, duration_ms, ttfb_ms, response_bytes,
error_kind, degraded, dropped`

const recordColumnCount = 21

// SQLStore writes records to SQLite, Postgres or MySQL.
type SQLStore struct {
	driver string
	db     *sql.DB
	insert string

	// SQLite allows one writer at a time.
	writeMu sync.Mutex
}

// OpenSQL opens the database for driver and applies migrations. For sqlite
// the dsn is a file path.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn cannot be empty", driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
			}
		}
		db, err = sql.Open("sqlite", "file:"+dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	case DriverMySQL:
		db, err = sql.Open("mysql", dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	store := &SQLStore{driver: driver, db: db, insert: insertStatement(driver)}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s ledger: %w", driver, err)
	}
	return store, nil
}

// Driver returns the store's driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// DB exposes the handle for tests and diagnostics.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) configure() error {
	if s.driver == DriverSQLite {
		for _, pragma := range []string{
			`PRAGMA journal_mode = WAL;`,
			`PRAGMA synchronous = NORMAL;`,
			`PRAGMA busy_timeout = 5000;`,
		} {
			if _, err := s.db.Exec(pragma); err != nil {
				return fmt.Errorf("configure sqlite (%s): %w", pragma, err)
			}
		}
		return nil
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.driver, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write inserts one record.
func (s *SQLStore) Write(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Record{record})
}

// WriteBatch inserts records in one transaction.
func (s *SQLStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	if s.driver == DriverSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s transaction: %w", s.driver, err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, s.insert)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", s.driver, err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record == nil {
				continue
			}
			row := normalize(record)
			if _, err := stmt.ExecContext(ctx, rowArgs(row)...); err != nil {
				return fmt.Errorf("write record %q: %w", row.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s transaction: %w", s.driver, err)
		}
		return nil
	})
}

func rowArgs(r *Record) []any {
	return []any{
		r.ID,
		r.Timestamp,
		r.CorrelationID,
		r.Provider,
		r.Operation,
		r.ModelID,
		r.Streaming,
		r.Status,
		r.RequestBody,
		r.RequestBodyTruncated,
		r.ResponseText,
		r.ResponseTextTruncated,
		r.PromptTokens,
		r.CompletionTokens,
		r.TotalTokens,
		r.DurationMS,
		r.TimeToFirstByteMS,
		r.ResponseBytes,
		r.ErrorKind,
		r.Degraded,
		r.Dropped,
	}
}

func insertStatement(driver string) string {
	placeholders := make([]string, recordColumnCount)
	for i := range placeholders {
		if driver == DriverPostgres {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return "INSERT INTO usage_records (" + recordColumns + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
}

const (
	busyMaxRetries     = 12
	busyInitialBackoff = 5 * time.Millisecond
	busyMaxBackoff     = 250 * time.Millisecond
)

// retryBusy retries lock contention with capped exponential backoff.
func retryBusy(ctx context.Context, fn func() error) error {
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ClassifyWriteError(err) != FailureContention || retries >= busyMaxRetries {
			return err
		}
		wait := busyInitialBackoff << retries
		if wait > busyMaxBackoff {
			wait = busyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
