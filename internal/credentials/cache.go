// Package credentials keeps AWS credentials for outbound Bedrock calls. The
// cache is the only state shared across requests: readers load an immutable
// snapshot and one refresher replaces it ahead of expiry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshAhead   = 5 * time.Minute
	defaultRefreshTimeout = 30 * time.Second
	minRetryInterval      = 5 * time.Second
	refreshKey            = "refresh"
)

// Options configures a Cache.
type Options struct {
	// RefreshAhead is how long before expiry a refresh is started.
	RefreshAhead time.Duration
	// RefreshTimeout bounds one call to the source provider.
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
	// OnRefresh, when set, is called after every refresh attempt.
	OnRefresh func(err error)
}

// Cache is a refresh-ahead aws.CredentialsProvider. Credentials stay in use
// until their replacement is installed.
type Cache struct {
	source         aws.CredentialsProvider
	refreshAhead   time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
	onRefresh      func(error)

	current    atomic.Pointer[aws.Credentials]
	group      singleflight.Group
	refreshing atomic.Bool
}

// NewCache wraps source. source is called only by the refresher.
func NewCache(source aws.CredentialsProvider, options Options) *Cache {
	if options.RefreshAhead <= 0 {
		options.RefreshAhead = defaultRefreshAhead
	}
	if options.RefreshTimeout <= 0 {
		options.RefreshTimeout = defaultRefreshTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Cache{
		source:         source,
		refreshAhead:   options.RefreshAhead,
		refreshTimeout: options.RefreshTimeout,
		logger:         options.Logger,
		now:            options.Now,
		onRefresh:      options.OnRefresh,
	}
}

// Retrieve returns the current snapshot. An expired or missing snapshot is
// refreshed synchronously; a snapshot inside the refresh-ahead window is
// returned immediately while a background refresh runs.
func (c *Cache) Retrieve(ctx context.Context) (aws.Credentials, error) {
	if c == nil || c.source == nil {
		return aws.Credentials{}, errors.New("credential cache is not initialized")
	}

	now := c.now()
	if snapshot := c.current.Load(); snapshot != nil && !c.expired(snapshot, now) {
		if c.dueForRefresh(snapshot, now) {
			c.refreshAsync()
		}
		return *snapshot, nil
	}

	result := c.group.DoChan(refreshKey, c.refresh)
	select {
	case <-ctx.Done():
		return aws.Credentials{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return aws.Credentials{}, res.Err
		}
		return res.Val.(aws.Credentials), nil
	}
}

// Snapshot returns the installed credentials without triggering a refresh.
func (c *Cache) Snapshot() (aws.Credentials, bool) {
	if c == nil {
		return aws.Credentials{}, false
	}
	snapshot := c.current.Load()
	if snapshot == nil {
		return aws.Credentials{}, false
	}
	return *snapshot, true
}

// Run refreshes ahead of expiry until ctx is done, so idle periods do not
// leave the next request waiting on STS.
func (c *Cache) Run(ctx context.Context) {
	if c == nil || c.source == nil {
		return
	}
	var lastErr error
	for {
		wait := c.nextRefreshIn()
		if lastErr != nil && wait < minRetryInterval {
			wait = minRetryInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		res := <-c.group.DoChan(refreshKey, c.refresh)
		lastErr = res.Err
		if lastErr != nil {
			c.logger.Warn("background credential refresh failed", "error", lastErr)
		}
	}
}

func (c *Cache) nextRefreshIn() time.Duration {
	snapshot := c.current.Load()
	if snapshot == nil {
		return 0
	}
	if !snapshot.CanExpire {
		return c.refreshAhead
	}
	wait := snapshot.Expires.Add(-c.refreshAhead).Sub(c.now())
	if wait < minRetryInterval {
		wait = minRetryInterval
	}
	return wait
}

func (c *Cache) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		res := <-c.group.DoChan(refreshKey, c.refresh)
		if res.Err != nil {
			c.logger.Warn("credential refresh-ahead failed; keeping current credentials", "error", res.Err)
		}
	}()
}

func (c *Cache) refresh() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()

	creds, err := c.source.Retrieve(ctx)
	if err == nil && !creds.HasKeys() {
		err = errors.New("credential source returned empty keys")
	}
	if c.onRefresh != nil {
		c.onRefresh(err)
	}
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("retrieve credentials: %w", err)
	}

	c.current.Store(&creds)
	c.logger.Debug("installed refreshed credentials",
		"source", creds.Source,
		"can_expire", creds.CanExpire,
		"expires", creds.Expires.UTC().Format(time.RFC3339),
	)
	return creds, nil
}

func (c *Cache) expired(creds *aws.Credentials, now time.Time) bool {
	return creds.CanExpire && !now.Before(creds.Expires)
}

func (c *Cache) dueForRefresh(creds *aws.Credentials, now time.Time) bool {
	return creds.CanExpire && !now.Before(creds.Expires.Add(-c.refreshAhead))
}
