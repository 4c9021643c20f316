package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"golang-email-ingestion-service/internal/locking"
	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL,
	queued_at INTEGER NOT NULL,
	version INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_fingerprint ON queue_items(fingerprint) WHERE fingerprint <> '';
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, priority DESC, queued_at);

CREATE TABLE IF NOT EXISTS fingerprint_registry (
	fingerprint TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	portfolio_id TEXT NOT NULL DEFAULT '',
	review_item_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lock_leases (
	key TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// DefaultLockPollInterval is how often a blocked Acquire retries the lease
const DefaultLockPollInterval = 50 * time.Millisecond

// SQLite stores queue items, registry entries and lock leases in one
// database file. Several processes may share the file.
type SQLite struct {
	db           *sql.DB
	logger       logger.Logger
	now          func() time.Time
	pollInterval time.Duration
}

// OpenSQLite opens the database at path and creates the schema
func OpenSQLite(path string, log logger.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "open sqlite", fmt.Errorf("storage path is required"))
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "open sqlite", err)
	}
	// one connection per process; other processes are serialized by the busy timeout
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "ping sqlite", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "create schema", err)
	}

	s := &SQLite{
		db:           db,
		logger:       logger.OrNop(log).WithComponent("sqlite"),
		now:          time.Now,
		pollInterval: DefaultLockPollInterval,
	}
	s.logger.WithField("path", path).Debug("Opened sqlite store")
	return s, nil
}

// DB exposes the connection so the ledger can share the database file
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close releases the database connection
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores a new queue item. ErrExists is returned if an item with the
// same id or fingerprint is already stored.
func (s *SQLite) Insert(ctx context.Context, item *models.ReviewQueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item %s: %w", item.ID, err)
	}
	result, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO queue_items (id, fingerprint, status, priority, queued_at, version, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Fingerprint(), string(item.Status), item.Priority,
		item.QueuedAt.UTC().UnixMilli(), item.Version, string(payload))
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	} else if n == 0 {
		return ErrExists
	}
	return nil
}

// Get loads a queue item by id
func (s *SQLite) Get(ctx context.Context, id string) (*models.ReviewQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM queue_items WHERE id = ?`, id)
	return scanItem(row)
}

// GetByFingerprint loads the queue item created for an email fingerprint
func (s *SQLite) GetByFingerprint(ctx context.Context, fingerprint string) (*models.ReviewQueueItem, error) {
	if fingerprint == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM queue_items WHERE fingerprint = ?`, fingerprint)
	return scanItem(row)
}

// CompareAndSwap replaces the stored item if its version still equals
// expectedVersion, and bumps item.Version.
func (s *SQLite) CompareAndSwap(ctx context.Context, item *models.ReviewQueueItem, expectedVersion int64) error {
	next := item.Clone()
	next.Version = expectedVersion + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode queue item %s: %w", item.ID, err)
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, priority = ?, version = ?, payload = ?
WHERE id = ? AND version = ?`,
		string(next.Status), next.Priority, next.Version, string(payload), item.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?`, item.ID).Scan(&exists)
		if stderrors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check queue item: %w", err)
		}
		return ErrVersionMismatch
	}
	item.Version = next.Version
	return nil
}

// List returns matching queue items ordered by priority, then age
func (s *SQLite) List(ctx context.Context, filter models.QueueFilter) ([]*models.ReviewQueueItem, error) {
	query := `SELECT payload FROM queue_items`
	var args []interface{}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY priority DESC, queued_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []*models.ReviewQueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(item) {
			continue
		}
		items = append(items, item)
		if filter.Limit > 0 && len(items) == filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// PutEntry records the state of a fingerprint, replacing any previous entry
func (s *SQLite) PutEntry(ctx context.Context, entry RegistryEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fingerprint_registry (fingerprint, state, transaction_id, portfolio_id, review_item_id, detail, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
	state = excluded.state,
	transaction_id = excluded.transaction_id,
	portfolio_id = excluded.portfolio_id,
	review_item_id = excluded.review_item_id,
	detail = excluded.detail,
	updated_at = excluded.updated_at`,
		entry.Fingerprint, string(entry.State), entry.TransactionID, entry.PortfolioID,
		entry.ReviewItemID, entry.Detail, entry.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put registry entry: %w", err)
	}
	return nil
}

// GetEntry loads the registry entry for a fingerprint
func (s *SQLite) GetEntry(ctx context.Context, fingerprint string) (*RegistryEntry, error) {
	var (
		entry     RegistryEntry
		state     string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT fingerprint, state, transaction_id, portfolio_id, review_item_id, detail, updated_at
FROM fingerprint_registry WHERE fingerprint = ?`, fingerprint).Scan(
		&entry.Fingerprint, &state, &entry.TransactionID, &entry.PortfolioID,
		&entry.ReviewItemID, &entry.Detail, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registry entry: %w", err)
	}
	entry.State = RegistryState(state)
	entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &entry, nil
}

// LookupFingerprint reports fingerprints whose email was fully processed.
// Creating and failed entries are not processed and are reported as absent.
func (s *SQLite) LookupFingerprint(ctx context.Context, fingerprint string) (string, bool, error) {
	entry, err := s.GetEntry(ctx, fingerprint)
	if err == ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Ref(), entry.State.IsProcessed(), nil
}

// Acquire takes a lease on key, polling until it is free or ctx is done.
// A lease whose holder died is taken over once it expires.
func (s *SQLite) Acquire(ctx context.Context, key string, ttl time.Duration) (locking.Release, error) {
	if ttl <= 0 {
		return nil, errors.ValidationError(errors.CodeOutOfRange, "ttl", ttl, nil)
	}
	owner := uuid.NewString()

	for {
		ok, err := s.tryLease(ctx, key, owner, ttl)
		if err != nil {
			return nil, errors.StorageError(errors.CodeStorageUnavailable, "acquire "+key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.StorageError(errors.CodeLockTimeout, "acquire "+key, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() error {
		var relErr error
		once.Do(func() {
			// release even when the caller's context is already cancelled
			_, err := s.db.ExecContext(context.Background(),
				`DELETE FROM lock_leases WHERE key = ? AND owner = ?`, key, owner)
			if err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("Failed to release lease; it will expire")
				relErr = errors.StorageError(errors.CodeStorageUnavailable, "release "+key, err)
			}
		})
		return relErr
	}, nil
}

func (s *SQLite) tryLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
INSERT INTO lock_leases (key, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE lock_leases.expires_at < ?`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.ReviewQueueItem, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	var item models.ReviewQueueItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("decode queue item: %w", err)
	}
	return &item, nil
}
