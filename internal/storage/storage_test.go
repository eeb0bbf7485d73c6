package storage_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/testutil"
)

// Shared containers, nil under -short.
var (
	pgContainer    *testutil.TestContainer
	redisContainer *testutil.TestContainer
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	pgContainer = testutil.MustStartPostgres()
	redisContainer = testutil.MustStartRedis()
	code := m.Run()
	pgContainer.Terminate()
	redisContainer.Terminate()
	os.Exit(code)
}

type backend struct {
	name    string
	store   func(t *testing.T) storage.Store
	events  func(t *testing.T, cap int) storage.EventLog
	needsDB bool
}

func backends() []backend {
	return []backend{
		{
			name:   "memory",
			store:  func(*testing.T) storage.Store { return storage.NewMemoryStore() },
			events: func(_ *testing.T, cap int) storage.EventLog { return storage.NewMemoryEventLog(cap) },
		},
		{
			name: "sqlite",
			store: func(t *testing.T) storage.Store {
				return storage.NewSQLiteStore(openSQLite(t))
			},
			events: func(t *testing.T, cap int) storage.EventLog {
				return storage.NewSQLiteEventLog(openSQLite(t), cap)
			},
		},
		{
			name:    "postgres",
			needsDB: true,
			store: func(t *testing.T) storage.Store {
				return storage.NewPostgresStore(freshPostgres(t))
			},
			events: func(t *testing.T, cap int) storage.EventLog {
				return storage.NewPostgresEventLog(freshPostgres(t), cap)
			},
		},
		{
			name:    "redis",
			needsDB: true,
			store: func(t *testing.T) storage.Store {
				return storage.NewRedisStore(freshRedis(t), testutil.TestLogger())
			},
			events: func(t *testing.T, cap int) storage.EventLog {
				return storage.NewRedisEventLog(freshRedis(t), cap)
			},
		},
	}
}

func openSQLite(t *testing.T) *storage.SQLiteDB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func freshPostgres(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := pgContainer.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	_, err = db.Pool().Exec(ctx, `TRUNCATE documents, event_log`)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func freshRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	client, err := redisContainer.NewRedisClient(ctx)
	require.NoError(t, err)
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			if b.needsDB && testing.Short() {
				t.Skip("skipping container-backed store in short mode")
			}
			fn(t, b)
		})
	}
}

func addRunner(id string, status model.Status) storage.MutateFunc {
	return func(s *model.Snapshot) error {
		s.Runners[id] = model.Runner{ID: id, Name: id, Status: status, StartTS: 1}
		return nil
	}
}

func TestStore_EmptyRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		snap, err := b.store(t).Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), snap.Version)
		assert.NotNil(t, snap.Runners)
		assert.Empty(t, snap.Runners)
	})
}

func TestStore_WriteAtomicBumpsVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		s := b.store(t)

		next, err := s.WriteAtomic(ctx, addRunner("a", model.StatusWarming))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), next.Version)

		next, err = s.WriteAtomic(ctx, addRunner("b", model.StatusQueue))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), next.Version)

		got, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
		require.Len(t, got.Runners, 2)
		assert.Equal(t, model.StatusQueue, got.Runners["b"].Status)
	})
}

func TestStore_AbortLeavesDocumentUntouched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		s := b.store(t)
		_, err := s.WriteAtomic(ctx, addRunner("a", model.StatusWarming))
		require.NoError(t, err)

		sentinel := errors.New("nope")
		_, err = s.WriteAtomic(ctx, func(snap *model.Snapshot) error {
			delete(snap.Runners, "a")
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.NotErrorIs(t, err, storage.ErrUnavailable)

		got, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
		assert.Contains(t, got.Runners, "a")
	})
}

func TestStore_ConcurrentWritesLoseNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		s := b.store(t)

		const writers = 20
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.WriteAtomic(ctx, addRunner(fmt.Sprintf("r%02d", i), model.StatusWarming))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		committed := 0
		for err := range errs {
			if err == nil {
				committed++
				continue
			}
			// Optimistic backends may give up under heavy contention, but
			// never silently.
			assert.ErrorIs(t, err, storage.ErrConflict)
		}

		got, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Len(t, got.Runners, committed)
		assert.Equal(t, uint64(committed), got.Version) //nolint:gosec // small test count
	})
}

func TestStore_QueueExclusivityUnderRace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		s := b.store(t)
		for _, id := range []string{"a", "b", "c", "d"} {
			_, err := s.WriteAtomic(ctx, addRunner(id, model.StatusWarming))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for _, id := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.WriteAtomic(ctx, func(snap *model.Snapshot) error {
					for _, other := range snap.WithStatus(model.StatusQueue) {
						r := snap.Runners[other]
						r.Status = model.StatusDone
						snap.Runners[other] = r
					}
					r := snap.Runners[id]
					r.Status = model.StatusQueue
					snap.Runners[id] = r
					return nil
				})
			}()
		}
		wg.Wait()

		got, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Len(t, got.WithStatus(model.StatusQueue), 1)
	})
}

func TestEventLog_CapAndOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		log := b.events(t, 5)

		for i := range 8 {
			require.NoError(t, log.Append(ctx, model.Event{
				ID:       fmt.Sprintf("ev%d", i),
				TS:       int64(i),
				Type:     model.EventAdd,
				RunnerID: fmt.Sprintf("r%d", i),
				Actor:    "api",
				Data:     &model.AddData{Name: "x"},
			}))
		}

		all, err := log.Recent(ctx, 100)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "ev7", all[0].ID)
		assert.Equal(t, "ev3", all[4].ID)
		assert.Equal(t, &model.AddData{Name: "x"}, all[0].Data)

		two, err := log.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, "ev6", two[1].ID)
	})
}

func TestEventLog_EmptyRecent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		events, err := b.events(t, 10).Recent(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("transient")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(ctx, 3, 1, isTransient, func() error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up with last error", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(ctx, 2, 1, isTransient, func() error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		permanent := errors.New("permanent")
		err := storage.WithRetry(ctx, 5, 1, isTransient, func() error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})
}
