package locks

import (
	"context"
	"testing"
	"time"
)

func TestMemoryService_AcquireRelease(t *testing.T) {
	svc := NewMemoryService()
	defer svc.Close()
	ctx := context.Background()

	id, err := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("first acquire should succeed")
	}

	// Second acquire on the same key must fail while held.
	id2, err := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != "" {
		t.Error("second acquire should be rejected while lock held")
	}

	// Different scope is a different lock.
	id3, err := svc.Acquire(ctx, ScopeProcessing, "u1", "d1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == "" {
		t.Error("different scope should acquire independently")
	}

	if err := svc.Release(ctx, ScopeFile, "u1", "d1", id); err != nil {
		t.Fatal(err)
	}
	id4, _ := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if id4 == "" {
		t.Error("acquire after release should succeed")
	}
}

func TestMemoryService_ReleaseChecksNonce(t *testing.T) {
	svc := NewMemoryService()
	defer svc.Close()
	ctx := context.Background()

	id, _ := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if id == "" {
		t.Fatal("acquire failed")
	}

	// Release with a wrong nonce must be a no-op.
	svc.Release(ctx, ScopeFile, "u1", "d1", "not-the-nonce")
	again, _ := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if again != "" {
		t.Error("lock should survive a release with mismatched nonce")
	}
}

func TestMemoryService_Expiry(t *testing.T) {
	svc := NewMemoryService()
	defer svc.Close()
	ctx := context.Background()

	id, _ := svc.Acquire(ctx, ScopeFile, "u1", "d1", 10*time.Millisecond)
	if id == "" {
		t.Fatal("acquire failed")
	}

	time.Sleep(20 * time.Millisecond)
	id2, _ := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if id2 == "" {
		t.Error("expired lock should be reacquirable")
	}
}

func TestAcquireWithRetry(t *testing.T) {
	svc := NewMemoryService()
	defer svc.Close()
	ctx := context.Background()

	held, _ := svc.Acquire(ctx, ScopeProcessing, "u1", "d1", 150*time.Millisecond)
	if held == "" {
		t.Fatal("setup acquire failed")
	}

	// Lock expires mid-poll; retry should pick it up.
	id, err := AcquireWithRetry(ctx, svc, ScopeProcessing, "u1", "d1", time.Minute, 5)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("retry should acquire after expiry")
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	svc := NewMemoryService()
	defer svc.Close()
	ctx := context.Background()

	wantErr := context.DeadlineExceeded
	err := WithLock(ctx, svc, ScopeFile, "u1", "d1", func(context.Context) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithLock err = %v, want %v", err, wantErr)
	}

	id, _ := svc.Acquire(ctx, ScopeFile, "u1", "d1", time.Minute)
	if id == "" {
		t.Error("lock should be released after f returned an error")
	}
}

func TestWithLock_Contention(t *testing.T) {
	svc := NewMemoryService()
	defer svc.Close()
	ctx := context.Background()

	held, _ := svc.Acquire(ctx, ScopeProcessing, "u1", "d1", time.Minute)
	if held == "" {
		t.Fatal("setup acquire failed")
	}

	err := WithLock(ctx, svc, ScopeProcessing, "u1", "d1", func(context.Context) error {
		t.Error("f must not run while lock is held elsewhere")
		return nil
	})
	if err != ErrHeld {
		t.Errorf("err = %v, want ErrHeld", err)
	}
}
