package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/tasuki/internal/model"
)

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping redis", err)
	}
	return client, nil
}

// RedisStore keeps the document as one JSON value under KeyState.
//
// Writes use optimistic concurrency: WATCH the key, read and mutate, then
// SET inside MULTI/EXEC. If another writer touched the key in between, EXEC
// fails with redis.TxFailedErr and the whole read-mutate-write is retried.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisStore wraps an existing client. The caller owns the client unless
// Close is called on the store.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, key: KeyState, logger: logger}
}

// Read returns the stored snapshot, or an empty one if the key is absent.
func (s *RedisStore) Read(ctx context.Context) (model.Snapshot, error) {
	return s.load(ctx, s.client)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c redisGetter) (model.Snapshot, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.NewSnapshot(), nil
	}
	if err != nil {
		return model.Snapshot{}, unavailable("redis get state", err)
	}
	snap := model.NewSnapshot()
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("storage: decode redis state: %w", err)
	}
	if snap.Runners == nil {
		snap.Runners = make(map[string]model.Runner)
	}
	return snap, nil
}

// WriteAtomic runs fn inside a WATCH/MULTI transaction, retrying when the
// key changed concurrently. Returns ErrConflict once retries run out.
func (s *RedisStore) WriteAtomic(ctx context.Context, fn MutateFunc) (model.Snapshot, error) {
	var result model.Snapshot

	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		next, err := mutate(cur, fn)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("storage: encode redis state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	err := WithRetry(ctx, writeRetries, writeBaseDelay, isRedisRetriable, func() error {
		return s.client.Watch(ctx, txf, s.key)
	})
	if err == nil {
		return result, nil
	}
	if inner, ok := unwrapAbort(err); ok {
		return model.Snapshot{}, inner
	}
	if isRedisRetriable(err) {
		s.logger.Warn("storage: redis write retries exhausted", "key", s.key)
		return model.Snapshot{}, fmt.Errorf("%w: %s", ErrConflict, s.key)
	}
	if errors.Is(err, ErrUnavailable) {
		return model.Snapshot{}, err
	}
	return model.Snapshot{}, unavailable("redis write state", err)
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RedisEventLog stores serialized events in a list under KeyEvents,
// newest at the head.
type RedisEventLog struct {
	client *redis.Client
	key    string
	cap    int
}

// NewRedisEventLog returns a log that keeps at most cap entries.
func NewRedisEventLog(client *redis.Client, cap int) *RedisEventLog {
	if cap <= 0 {
		cap = DefaultEventCap
	}
	return &RedisEventLog{client: client, key: KeyEvents, cap: cap}
}

// Append pushes and trims in one MULTI/EXEC so the list never exceeds the cap.
func (l *RedisEventLog) Append(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, l.key, data)
		pipe.LTrim(ctx, l.key, 0, int64(l.cap-1))
		return nil
	})
	if err != nil {
		return unavailable("redis append event", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. Entries that fail to
// decode are skipped.
func (l *RedisEventLog) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	limit = clampLimit(limit, l.cap)
	raws, err := l.client.LRange(ctx, l.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("redis read events", err)
	}
	events := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		var ev model.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
