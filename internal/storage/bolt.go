package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

var (
	queueBucket       = []byte("queue_items")
	fingerprintBucket = []byte("queue_fingerprints")
	registryBucket    = []byte("fingerprint_registry")
)

// Bolt stores queue items and registry entries in a bolt database, gob
// encoded. Bolt holds an exclusive file lock, so only one process can open
// the file at a time.
type Bolt struct {
	db     *bolt.DB
	logger logger.Logger
	now    func() time.Time
}

// OpenBolt opens or creates the database at path
func OpenBolt(path string, log logger.Logger) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "open "+path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{queueBucket, fingerprintBucket, registryBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "create buckets", err)
	}

	b := &Bolt{db: db, logger: logger.OrNop(log).WithComponent("bolt"), now: time.Now}
	b.logger.WithField("path", path).Debug("Opened bolt store")
	return b, nil
}

// Close releases the database file
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Insert stores a new queue item. ErrExists is returned if an item with the
// same fingerprint is already stored.
func (b *Bolt) Insert(ctx context.Context, item *models.ReviewQueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		fps := tx.Bucket(fingerprintBucket)
		fp := []byte(item.Fingerprint())
		if len(fp) > 0 && fps.Get(fp) != nil {
			return ErrExists
		}
		if tx.Bucket(queueBucket).Get([]byte(item.ID)) != nil {
			return ErrExists
		}
		if err := putGob(tx.Bucket(queueBucket), []byte(item.ID), item); err != nil {
			return err
		}
		if len(fp) > 0 {
			return fps.Put(fp, []byte(item.ID))
		}
		return nil
	})
}

// Get loads a queue item by id
func (b *Bolt) Get(ctx context.Context, id string) (*models.ReviewQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *models.ReviewQueueItem
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx, []byte(id))
		return err
	})
	return item, err
}

// GetByFingerprint loads the queue item created for an email fingerprint
func (b *Bolt) GetByFingerprint(ctx context.Context, fingerprint string) (*models.ReviewQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *models.ReviewQueueItem
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(fingerprintBucket).Get([]byte(fingerprint))
		if id == nil {
			return ErrNotFound
		}
		var err error
		item, err = getItem(tx, id)
		return err
	})
	return item, err
}

// CompareAndSwap replaces the stored item if its version still equals
// expectedVersion, and bumps item.Version.
func (b *Bolt) CompareAndSwap(ctx context.Context, item *models.ReviewQueueItem, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		current, err := getItem(tx, []byte(item.ID))
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionMismatch
		}
		next := item.Clone()
		next.Version = expectedVersion + 1
		if err := putGob(tx.Bucket(queueBucket), []byte(item.ID), next); err != nil {
			return err
		}
		item.Version = next.Version
		return nil
	})
}

// List returns matching queue items ordered by priority, then age
func (b *Bolt) List(ctx context.Context, filter models.QueueFilter) ([]*models.ReviewQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []*models.ReviewQueueItem
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(queueBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item models.ReviewQueueItem
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&item); err != nil {
				return fmt.Errorf("decode queue item %s: %w", k, err)
			}
			if filter.Matches(&item) {
				items = append(items, &item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	models.SortQueueItems(items)
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

// PutEntry records the state of a fingerprint, replacing any previous entry
func (b *Bolt) PutEntry(ctx context.Context, entry RegistryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = b.now().UTC()
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return putGob(tx.Bucket(registryBucket), []byte(entry.Fingerprint), &entry)
	})
}

// GetEntry loads the registry entry for a fingerprint
func (b *Bolt) GetEntry(ctx context.Context, fingerprint string) (*RegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *RegistryEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(registryBucket).Get([]byte(fingerprint))
		if v == nil {
			return ErrNotFound
		}
		entry = &RegistryEntry{}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(entry)
	})
	return entry, err
}

// LookupFingerprint reports fingerprints whose email was fully processed.
// Creating and failed entries are not processed and are reported as absent.
func (b *Bolt) LookupFingerprint(ctx context.Context, fingerprint string) (string, bool, error) {
	entry, err := b.GetEntry(ctx, fingerprint)
	if err == ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Ref(), entry.State.IsProcessed(), nil
}

func getItem(tx *bolt.Tx, id []byte) (*models.ReviewQueueItem, error) {
	v := tx.Bucket(queueBucket).Get(id)
	if v == nil {
		return nil, ErrNotFound
	}
	var item models.ReviewQueueItem
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode queue item %s: %w", id, err)
	}
	return &item, nil
}

func putGob(bucket *bolt.Bucket, key []byte, value interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return bucket.Put(key, buf.Bytes())
}
