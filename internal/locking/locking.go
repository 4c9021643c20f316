// Package locking serializes work on a key, such as an email fingerprint or
// a review queue item, across the goroutines of one process or across every
// process sharing a store.
package locking

import (
	"context"
	"sync"
	"time"

	"golang-email-ingestion-service/pkg/errors"
)

// Release gives up a held lock. Calling it more than once is safe.
type Release func() error

// Locker acquires exclusive locks on keys. The ttl bounds how long a lock
// outlives a holder that never releases it; lockers that cannot outlive
// their process may ignore it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Key helpers for the keys the pipeline and queue lock on
func FingerprintKey(fingerprint string) string { return "fingerprint:" + fingerprint }
func QueueItemKey(id string) string            { return "queue-item:" + id }

// Local is an in-process keyed mutex. Waiters are released in no
// particular order.
type Local struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	slot chan struct{}
	refs int
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key is free or ctx is done. ttl is ignored: a
// process that dies takes its locks with it.
func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (Release, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, errors.StorageError(errors.CodeLockTimeout, "acquire "+key, ctx.Err())
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-kl.slot
			l.unref(key, kl)
		})
		return nil
	}, nil
}

// Held returns the number of keys currently locked or waited on
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Local) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// With runs fn while holding key. The release error is returned only when
// fn itself succeeded.
func With(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	release, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	relErr := release()
	if fnErr != nil {
		return fnErr
	}
	return relErr
}
