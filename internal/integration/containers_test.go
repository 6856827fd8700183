//go:build integration

// Package integration spins up the real backing services in containers and
// drives the adapters against them. Run with: go test -tags integration ./internal/integration/
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	redisledger "github.com/EvgeniOk14/currency-rates-service/internal/adapter/ledger/redis"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/queue/kafka"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/repo/postgres"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

func TestRateStore_AgainstPostgres(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "currency"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/currency?sslmode=disable"

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		p, err := postgres.NewPool(ctx, dsn)
		if err != nil {
			return false
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return false
		}
		pool = p
		return true
	}, 30*time.Second, 1*time.Second)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.EnsureSchema(ctx, pool))
	store := postgres.NewRateStore(pool)

	now := time.Now().UTC().Truncate(time.Second)
	reply := domain.RateReply{
		Rates:        map[string]float64{"USD": 1.0823, "RUB": 98.41},
		BaseCurrency: "EUR",
		Date:         "2026-08-25",
		Currency:     "ALL",
		RequestID:    "rid-int-1",
	}
	require.NoError(t, store.SaveReply(ctx, "ALL:", reply, now))

	last, err := store.PayloadLastSaved(ctx, "ALL:")
	require.NoError(t, err)
	require.WithinDuration(t, now, last, time.Second)

	got, err := store.ReplyByCurrency(ctx, "ALL")
	require.NoError(t, err)
	require.Equal(t, reply.Rates, got.Rates)
	require.Equal(t, reply.BaseCurrency, got.BaseCurrency)

	later := now.Add(30 * time.Minute)
	require.NoError(t, store.TouchPayload(ctx, "ALL:", later))
	last, err = store.PayloadLastSaved(ctx, "ALL:")
	require.NoError(t, err)
	require.WithinDuration(t, later, last, time.Second)
}

func TestDedupLedger_AgainstRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rdReq := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	rdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: rdReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	host, err := rdC.Host(ctx)
	require.NoError(t, err)
	port, err := rdC.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := goredis.NewClient(&goredis.Options{Addr: host + ":" + port.Port()})
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, 1*time.Second)
	t.Cleanup(func() { _ = rdb.Close() })

	ledger := redisledger.New(rdb)

	expires := time.Now().Add(10 * time.Minute)
	inserted, err := ledger.Insert(ctx, "rid-int-2", expires)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = ledger.Insert(ctx, "rid-int-2", expires)
	require.NoError(t, err)
	require.False(t, inserted)

	seen, err := ledger.Exists(ctx, "rid-int-2")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestProducer_AgainstRedpanda(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rpReq := testcontainers.ContainerRequest{
		Image: "redpandadata/redpanda:v24.1.2",
		Cmd: []string{
			"redpanda", "start",
			"--mode", "dev-container",
			"--smp", "1",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", "PLAINTEXT://localhost:9092",
		},
		ExposedPorts: []string{"9092:9092/tcp"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda").WithStartupTimeout(120 * time.Second),
	}
	rpC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: rpReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rpC.Terminate(ctx) })

	brokers := []string{"localhost:9092"}
	require.NoError(t, kafka.EnsureTopics(ctx, brokers, "response-topic", "dead-letter-topic"))

	producer, err := kafka.NewProducer(brokers, "integration-producer", "dead-letter-topic")
	require.NoError(t, err)
	t.Cleanup(func() { _ = producer.Close() })

	require.NoError(t, producer.Ping(ctx))
	require.NoError(t, producer.Publish(ctx, "response-topic", "rid-int-3", `{"rates":{}}`, map[string]string{
		domain.HeaderMessageKey:    "rid-int-3",
		domain.HeaderCorrelationID: "rid-int-3",
	}))
	require.NoError(t, producer.PublishDeadLetter(ctx, "rid-int-3", "junk", domain.ReasonUnrecognised))
}
