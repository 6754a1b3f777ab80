//go:build integration

// Package integration spins up real Postgres, Redis, and Redpanda containers
// via testcontainers-go and drives pixtools's own adapters against them. Run
// with `go test -tags integration ./internal/integration/...`; plain `go
// test ./...` never touches Docker.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pixtools/pixtools/internal/adapter/idempotency"
	"github.com/pixtools/pixtools/internal/adapter/queue/kafka"
	"github.com/pixtools/pixtools/internal/adapter/repo/postgres"
	"github.com/pixtools/pixtools/internal/domain"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "pixtools"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return "postgres://postgres:postgres@" + host + ":" + port.Port() + "/pixtools?sslmode=disable"
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return "redis://" + host + ":" + port.Port() + "/0"
}

// startRedpanda binds the broker's container port to a fixed host port
// before the container starts, so --advertise-kafka-addr can name a port
// the client will actually be able to reach: Redpanda needs its advertised
// address fixed at startup, but testcontainers only assigns the host's
// mapped port once the container is already running.
func startRedpanda(t *testing.T, ctx context.Context) []string {
	t.Helper()
	hostPort := 29092

	req := testcontainers.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp", "9644/tcp"},
		Cmd: []string{
			"redpanda", "start", "--smp", "1", "--overprovisioned", "--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", hostPort),
		},
		HostConfigModifier: func(hc *containerTypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
			}
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	return []string{fmt.Sprintf("127.0.0.1:%d", hostPort)}
}

// TestDependenciesUp verifies pixtools's own Postgres pool, Redis idempotency
// cache, and Kafka producer all connect and operate against freshly started
// containers, rather than just pinging the bare SDK clients.
func TestDependenciesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := startPostgres(t, ctx)
	redisURL := startRedis(t, ctx)
	brokers := startRedpanda(t, ctx)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	cache := idempotency.New(rdb)
	owner, created, err := cache.Reserve(ctx, "test-key", "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "job-1", owner)

	// A second reservation under the same key must report the original owner.
	owner, created, err = cache.Reserve(ctx, "test-key", "job-2", time.Minute)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "job-1", owner)

	producer, err := kafka.NewProducerWithTransactionalID(brokers, "pixtools-integration-test")
	require.NoError(t, err)
	defer producer.Close()

	task := domain.OperationTask{
		JobID:      "job-1",
		RequestID:  "req-1",
		Operation:  domain.OpConvertJPG,
		RawKey:     "raw/job-1",
		GroupIndex: 0,
		GroupSize:  1,
		EnqueuedAt: time.Now(),
	}
	require.NoError(t, producer.EnqueueOperation(ctx, kafka.TopicDefault, task))
}
