// Package testutil provides shared test infrastructure for integration tests
// that need a real Postgres or Redis.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    flag.Parse()
//	    if testing.Short() {
//	        os.Exit(m.Run())
//	    }
//	    pg := testutil.MustStartPostgres()
//	    code := m.Run()
//	    pg.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/migrations"
)

// TestContainer wraps a running container with the URL used to reach it.
type TestContainer struct {
	Container testcontainers.Container
	URL       string
}

// MustStartPostgres starts a Postgres container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tasuki",
				"POSTGRES_PASSWORD": "tasuki",
				"POSTGRES_DB":       "tasuki",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fail("start postgres container", err)
	}
	host, port := endpoint(ctx, container, "5432")
	return &TestContainer{
		Container: container,
		URL:       fmt.Sprintf("postgres://tasuki:tasuki@%s:%s/tasuki?sslmode=disable", host, port),
	}
}

// MustStartRedis starts a Redis container. Calls os.Exit(1) on failure.
func MustStartRedis() *TestContainer {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fail("start redis container", err)
	}
	host, port := endpoint(ctx, container, "6379")
	return &TestContainer{
		Container: container,
		URL:       fmt.Sprintf("redis://%s:%s/0", host, port),
	}
}

func endpoint(ctx context.Context, c testcontainers.Container, port nat.Port) (string, string) {
	host, err := c.Host(ctx)
	if err != nil {
		fail("get container host", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		fail("get container port", err)
	}
	return host, mapped.Port()
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "testutil: failed to %s: %v\n", what, err)
	os.Exit(1)
}

// NewTestDB connects to this Postgres container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.NewDB(ctx, tc.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// NewRedisClient connects to this Redis container.
func (tc *TestContainer) NewRedisClient(ctx context.Context) (*redis.Client, error) {
	return storage.NewRedisClient(ctx, tc.URL)
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
