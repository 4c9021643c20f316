package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang-email-ingestion-service/pkg/errors"
)

func TestLocalSerializesKey(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(ctx, locker, FingerprintKey("abc"), time.Minute, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("With() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
	if locker.Held() != 0 {
		t.Errorf("Held() = %d after all releases, want 0", locker.Held())
	}
}

func TestLocalIndependentKeys(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire(a) error = %v", err)
	}
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := locker.Acquire(ctx2, "b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire(b) error = %v while a is held", err)
	}
	releaseB()
}

func TestLocalAcquireHonorsContext(t *testing.T) {
	locker := NewLocal()
	release, err := locker.Acquire(context.Background(), "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k", time.Minute)
	if !errors.HasCode(err, errors.CodeLockTimeout) {
		t.Fatalf("Acquire() on held key error = %v, want lock timeout", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	// double release must not unlock someone else
	if err := release(); err != nil {
		t.Fatalf("second release() error = %v", err)
	}

	again, err := locker.Acquire(context.Background(), "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again()
	if locker.Held() != 0 {
		t.Errorf("Held() = %d, want 0", locker.Held())
	}
}

func TestWithReturnsFnError(t *testing.T) {
	locker := NewLocal()
	want := errors.InternalError("test", nil)
	err := With(context.Background(), locker, QueueItemKey("1"), time.Minute, func(context.Context) error {
		return want
	})
	if err != want {
		t.Errorf("With() error = %v, want %v", err, want)
	}
}
