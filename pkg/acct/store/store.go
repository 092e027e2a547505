// Package store implements the persistent store adapter. All mutations of
// the accounting state run inside exactly one transaction obtained from
// Begin or WithTxn; commits write the audit trail and deliver buffered
// update objects to subscribers.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"github.com/slurm-tools/slacctdb/pkg/acct/updates"
)

// SQLite connection options. WAL keeps readers unblocked during the long
// range-update statements of tree shifts.
const sqliteDSNOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=true"

// Config makes a store config from CLI args.
type Config struct {
	Logger   *slog.Logger
	DataPath string
	AppName  string
}

// Store wraps the SQL database together with the process-wide cluster-name
// cache and the update-object subscriber registry.
type Store struct {
	logger   *slog.Logger
	db       *sql.DB
	dbPath   string
	clusters *ClusterCache
	registry *updates.Registry
}

// Open opens (creating if needed) the accounting database, applies schema
// migrations and loads the cluster-name cache.
func Open(c *Config) (*Store, error) {
	dbPath := filepath.Join(c.DataPath, fmt.Sprintf("%s.db", c.AppName))

	db, err := sql.Open("sqlite3", dbPath+sqliteDSNOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open DB: %w", err)
	}

	m, err := newMigrator(migrationsFS, migrationsDir, c.Logger)
	if err != nil {
		return nil, err
	}

	if err := m.ApplyMigrations(db); err != nil {
		return nil, err
	}

	s := &Store{
		logger:   c.Logger,
		db:       db,
		dbPath:   dbPath,
		clusters: clusterNames,
		registry: updates.NewRegistry(),
	}

	if err := s.clusters.Refresh(context.Background(), db); err != nil {
		return nil, fmt.Errorf("failed to load cluster cache: %w", err)
	}

	c.Logger.Info("Accounting store opened", "path", dbPath)

	return s, nil
}

// DB returns the underlying database handle for read-only callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Clusters returns the process-wide cluster-name cache.
func (s *Store) Clusters() *ClusterCache {
	return s.clusters
}

// Subscribe registers an update-object subscriber.
func (s *Store) Subscribe(sub updates.Subscriber) {
	s.registry.Subscribe(sub)
}

// Close closes the DB connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a transaction owned by actor.
func (s *Store) Begin(ctx context.Context, actor string) (*Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isConnLost(err) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionLost, err)
		}

		return nil, err
	}

	return newTxn(s, tx, actor), nil
}

// WithTxn runs fn inside a transaction and commits it when fn succeeds.
// When the store reports a lost connection the whole transaction is retried
// exactly once after a reconnect attempt before the error is surfaced.
func (s *Store) WithTxn(ctx context.Context, actor string, fn func(*Txn) error) error {
	err := s.runTxn(ctx, actor, fn)
	if err == nil || !errors.Is(err, ErrConnectionLost) {
		return err
	}

	connRetries.Inc()
	s.logger.Warn("Store connection lost, retrying transaction once", "actor", actor, "err", err)

	// Reconnect attempt. Ping reopens the pooled connection.
	if pingErr := s.db.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("%w: reconnect failed: %s", ErrConnectionLost, pingErr)
	}

	return s.runTxn(ctx, actor, fn)
}

func (s *Store) runTxn(ctx context.Context, actor string, fn func(*Txn) error) error {
	txn, err := s.Begin(ctx, actor)
	if err != nil {
		return err
	}

	if err := fn(txn); err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", "actor", actor, "err", rbErr)
		}

		return err
	}

	return txn.Commit(ctx)
}

// isConnLost reports whether err indicates a broken store connection.
func isConnLost(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return true
		}
	}

	return false
}

// isConstraint reports whether err is a unique-constraint violation, the
// signal for the insert-then-update upsert fallback.
func isConstraint(err error) bool {
	var serr sqlite3.Error

	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}
