package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stageguard/internal/config"
)

// Store manages processing state backed by SQLite.
type Store struct {
	db       *sql.DB
	path     string
	workflow *Workflow
	now      func() time.Time

	defaultMaxRetries int
	defaultPriority   int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the status database at cfg.Store.Path and
// applies pending migrations. A nil workflow uses DefaultWorkflow.
func Open(cfg *config.Config, workflow *Workflow, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("open status store: config is nil")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	if workflow == nil {
		workflow = DefaultWorkflow()
	}

	busy := cfg.Store.BusyTimeoutMillis
	if busy <= 0 {
		busy = 5000
	}
	db, err := sql.Open("sqlite", dsn(cfg.Store.Path, busy))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragma %q: %w", "journal_mode=WAL", err)
	}

	store := &Store{
		db:                db,
		path:              cfg.Store.Path,
		workflow:          workflow,
		now:               time.Now,
		defaultMaxRetries: cfg.Store.DefaultMaxRetries,
		defaultPriority:   cfg.Store.DefaultPriority,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// dsn enables foreign keys and the busy timeout on every pooled connection and
// makes BEGIN take the write lock up front.
func dsn(path string, busyMillis int) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyMillis))
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Workflow returns the transition table the store validates against.
func (s *Store) Workflow() *Workflow { return s.workflow }

// DefaultMaxRetries is the retry budget stamped on new records.
func (s *Store) DefaultMaxRetries() int { return s.defaultMaxRetries }

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn inside one immediate transaction, retrying the whole unit
// when SQLite reports the database busy.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}
