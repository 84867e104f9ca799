package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamKey    = "airelay:usage"
	defaultStreamMaxLen = 100000
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Stream is the stream key records are appended to.
	Stream string
	// MaxLen trims the stream approximately to this many entries.
	MaxLen int64
}

// RedisStore appends records to a Redis stream, one entry per record with
// the JSON document in the "record" field.
type RedisStore struct {
	client redis.Cmdable
	closer func() error
	stream string
	maxLen int64
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, options RedisOptions) (*RedisStore, error) {
	if strings.TrimSpace(options.Addr) == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := NewRedisStore(client, options.Stream, options.MaxLen)
	store.closer = client.Close
	return store, nil
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.Cmdable, stream string, maxLen int64) *RedisStore {
	if stream == "" {
		stream = defaultStreamKey
	}
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisStore{client: client, stream: stream, maxLen: maxLen}
}

// Write appends one record.
func (s *RedisStore) Write(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	args, err := s.xaddArgs(normalize(record))
	if err != nil {
		return err
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// WriteBatch appends records in one pipeline round trip.
func (s *RedisStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, record := range records {
		if record == nil {
			continue
		}
		args, err := s.xaddArgs(normalize(record))
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s pipeline: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStore) xaddArgs(record *Record) (*redis.XAddArgs, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record %q: %w", record.ID, err)
	}
	return &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":       record.ID,
			"provider": record.Provider,
			"record":   string(payload),
		},
	}, nil
}

// Close closes the client when the store opened it.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
