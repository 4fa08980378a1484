package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestNormalize(t *testing.T) {
	got := normalize([]string{"b", "a", "", "b", "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}
}

// exerciseMutualExclusion checks that holders of a shared key never overlap.
func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Overlapping key sets in different orders must not deadlock.
			keys := []string{"group:eng", "actor:alice"}
			if i%2 == 1 {
				keys = []string{"actor:alice", "group:eng"}
			}
			for j := 0; j < 5; j++ {
				unlock, err := l.Lock(ctx, keys)
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}
		}(i)
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("Expected at most 1 holder, saw %d", maxInside)
	}
}

// exerciseCancellation checks that a waiter gives up when its context ends.
func exerciseCancellation(t *testing.T, l Locker) {
	t.Helper()

	unlock, err := l.Lock(context.Background(), []string{"actor:bob"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, []string{"actor:bob"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	// Disjoint keys never wait.
	other, err := l.Lock(context.Background(), []string{"actor:carol"})
	if err != nil {
		t.Fatalf("Expected disjoint key to lock, got %v", err)
	}
	other()
}

func TestLocal(t *testing.T) {
	l := NewLocal()
	exerciseMutualExclusion(t, l)
	exerciseCancellation(t, l)

	if n := l.size(); n != 0 {
		t.Errorf("Expected all entries released, got %d", n)
	}
}

func TestLocal_UnlockIsIdempotent(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	unlock()
	unlock()

	unlock, err = l.Lock(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("Expected relock after release, got %v", err)
	}
	unlock()
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedis(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewRedis(client, WithRetryInterval(time.Millisecond))

	exerciseMutualExclusion(t, l)
	exerciseCancellation(t, l)
}

func TestRedis_KeysAndRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedis(client, WithKeyPrefix("test:"), WithTTL(time.Minute))

	unlock, err := l.Lock(context.Background(), []string{"group:eng"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if !mr.Exists("test:group:eng") {
		t.Fatal("Expected lock key to exist")
	}
	if ttl := mr.TTL("test:group:eng"); ttl != time.Minute {
		t.Errorf("Expected TTL 1m, got %v", ttl)
	}

	unlock()
	if mr.Exists("test:group:eng") {
		t.Error("Expected lock key to be deleted on unlock")
	}
}

func TestRedis_UnlockKeepsForeignToken(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedis(client, WithKeyPrefix("test:"), WithTTL(time.Second))

	unlock, err := l.Lock(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// The lock expires and another instance takes it over.
	mr.FastForward(2 * time.Second)
	if err := mr.Set("test:k", "someone-else"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	unlock()
	got, err := mr.Get("test:k")
	if err != nil || got != "someone-else" {
		t.Errorf("Expected foreign lock to survive, got %q (%v)", got, err)
	}
}

func TestRedis_UnlockFailuresLogged(t *testing.T) {
	mr, client := setupTestRedis(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := NewRedis(client, WithKeyPrefix("test:"), WithTTL(time.Second), WithLogger(logger))

	unlock, err := l.Lock(context.Background(), []string{"expired"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	mr.FastForward(2 * time.Second)
	unlock()
	if !strings.Contains(buf.String(), "lock expired before release") || !strings.Contains(buf.String(), "test:expired") {
		t.Errorf("Expected expired release to be logged, got %q", buf.String())
	}

	buf.Reset()
	unlock, err = l.Lock(context.Background(), []string{"stuck"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	mr.Close()
	unlock()
	if !strings.Contains(buf.String(), "lock release failed") || !strings.Contains(buf.String(), "test:stuck") {
		t.Errorf("Expected failed release to be logged, got %q", buf.String())
	}
}

func TestRedis_Unavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedis(client).Lock(ctx, []string{"k"}); err == nil {
		t.Error("Expected error when redis is down")
	}
}

func TestNop(t *testing.T) {
	unlock, err := Nop{}.Lock(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Nop{}).Lock(ctx, nil); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
