package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	pkgpostgres "github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a postgres testcontainer.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NATSContainer wraps a NATS server started with JetStream.
type NATSContainer struct {
	testcontainers.Container
	URL string
}

// RedisContainer wraps a Redis testcontainer.
type RedisContainer struct {
	testcontainers.Container
	URL string
}

// NewPostgresContainer creates a new PostgreSQL container for testing.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("channel_access"),
		postgres.WithUsername("access"),
		postgres.WithPassword("access"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}, nil
}

// MigrationsURL returns the file:// URL of the repository migrations.
func MigrationsURL() string {
	_, file, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	return "file://" + filepath.ToSlash(dir)
}

// NewMigratedPool applies migrations to the container database and opens a pool.
func (c *PostgresContainer) NewMigratedPool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := pkgpostgres.Migrate(MigrationsURL(), c.ConnectionString); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, c.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

// serviceContainer describes a single-port dependency started from a stock image.
type serviceContainer struct {
	image  string
	cmd    []string
	port   string
	ready  string
	scheme string
	path   string
}

// start runs the container and returns it with its client URL.
func (s serviceContainer) start(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.image,
			Cmd:          s.cmd,
			ExposedPorts: []string{s.port},
			WaitingFor: wait.ForAll(
				wait.ForLog(s.ready),
				wait.ForListeningPort(nat.Port(s.port)),
			).WithDeadline(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start %s container: %w", s.image, err)
	}

	endpoint, err := container.PortEndpoint(ctx, nat.Port(s.port), s.scheme)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("resolve %s endpoint: %w", s.image, err)
	}
	return container, endpoint + s.path, nil
}

// NewNATSContainer starts a NATS server with JetStream enabled.
func NewNATSContainer(ctx context.Context) (*NATSContainer, error) {
	container, url, err := serviceContainer{
		image:  "nats:2.10-alpine",
		cmd:    []string{"-js"},
		port:   "4222/tcp",
		ready:  "Server is ready",
		scheme: "nats",
	}.start(ctx)
	if err != nil {
		return nil, err
	}
	return &NATSContainer{Container: container, URL: url}, nil
}

// NewRedisContainer starts a Redis server; the URL selects database 0.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, url, err := serviceContainer{
		image:  "redis:7-alpine",
		port:   "6379/tcp",
		ready:  "Ready to accept connections",
		scheme: "redis",
		path:   "/0",
	}.start(ctx)
	if err != nil {
		return nil, err
	}
	return &RedisContainer{Container: container, URL: url}, nil
}
