package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

type fakeSource struct {
	calls   atomic.Int64
	delay   time.Duration
	fail    atomic.Bool
	expires func() time.Time
}

func (s *fakeSource) Retrieve(context.Context) (aws.Credentials, error) {
	n := s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return aws.Credentials{}, errors.New("sts unavailable")
	}
	return aws.Credentials{
		AccessKeyID:     fmt.Sprintf("AKID%d", n),
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Source:          "fake",
		CanExpire:       true,
		Expires:         s.expires(),
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(source *fakeSource, clock *fakeClock) *Cache {
	return NewCache(source, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clock.Now,
	})
}

func TestCacheConcurrentFirstRetrieveCallsSourceOnce(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := &fakeSource{delay: 20 * time.Millisecond, expires: func() time.Time { return clock.Now().Add(time.Hour) }}
	cache := newTestCache(source, clock)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := cache.Retrieve(context.Background())
			if err != nil {
				t.Errorf("Retrieve error: %v", err)
				return
			}
			if creds.AccessKeyID != "AKID1" {
				t.Errorf("access key=%q, want AKID1", creds.AccessKeyID)
			}
		}()
	}
	wg.Wait()

	if calls := source.calls.Load(); calls != 1 {
		t.Fatalf("source calls=%d, want 1", calls)
	}
}

func TestCacheRefreshesAheadWithoutBlocking(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := &fakeSource{expires: func() time.Time { return clock.Now().Add(time.Hour) }}
	cache := newTestCache(source, clock)

	if _, err := cache.Retrieve(context.Background()); err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}

	clock.Advance(56 * time.Minute)
	creds, err := cache.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if creds.AccessKeyID != "AKID1" {
		t.Fatalf("access key=%q, want the still-valid AKID1", creds.AccessKeyID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snapshot, ok := cache.Snapshot()
		if ok && snapshot.AccessKeyID == "AKID2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh-ahead did not install new credentials, snapshot=%q", snapshot.AccessKeyID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCacheKeepsCredentialsWhenRefreshAheadFails(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := &fakeSource{expires: func() time.Time { return clock.Now().Add(time.Hour) }}
	refreshed := make(chan error, 4)
	cache := NewCache(source, Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clock.Now,
		OnRefresh: func(err error) { refreshed <- err },
	})

	if _, err := cache.Retrieve(context.Background()); err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	<-refreshed

	source.fail.Store(true)
	clock.Advance(58 * time.Minute)
	creds, err := cache.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if creds.AccessKeyID != "AKID1" {
		t.Fatalf("access key=%q, want AKID1", creds.AccessKeyID)
	}

	select {
	case err := <-refreshed:
		if err == nil {
			t.Fatal("refresh succeeded, want failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh-ahead never ran")
	}

	snapshot, ok := cache.Snapshot()
	if !ok || snapshot.AccessKeyID != "AKID1" {
		t.Fatalf("snapshot=%q ok=%t, want AKID1 retained", snapshot.AccessKeyID, ok)
	}
}

func TestCacheRefreshesExpiredSynchronously(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := &fakeSource{expires: func() time.Time { return clock.Now().Add(time.Hour) }}
	cache := newTestCache(source, clock)

	if _, err := cache.Retrieve(context.Background()); err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	clock.Advance(2 * time.Hour)

	creds, err := cache.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if creds.AccessKeyID != "AKID2" {
		t.Fatalf("access key=%q, want AKID2", creds.AccessKeyID)
	}
}

func TestCacheSurfacesSourceError(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := &fakeSource{expires: func() time.Time { return clock.Now().Add(time.Hour) }}
	source.fail.Store(true)
	cache := newTestCache(source, clock)

	if _, err := cache.Retrieve(context.Background()); err == nil {
		t.Fatal("Retrieve error=nil, want failure")
	}
	if _, ok := cache.Snapshot(); ok {
		t.Fatal("Snapshot ok=true after failed refresh")
	}
}

func TestCacheRunStopsWithContext(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := &fakeSource{expires: func() time.Time { return clock.Now().Add(time.Hour) }}
	cache := newTestCache(source, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not perform the initial refresh")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
