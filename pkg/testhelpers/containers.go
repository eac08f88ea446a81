// Package testhelpers starts the containers integration tests run against: PostgreSQL
// for the datastore itself, Redis for column cache invalidation and MinIO for the S3
// content store. Each container is started once per test binary and shared.
package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/database"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
)

const (
	PostgresImage = "postgres:16-alpine"
	RedisImage    = "redis:7-alpine"
	MinIOImage    = "minio/minio:latest"

	// Credentials of the superuser in the PostgreSQL container.
	PostgresUser     = "ekaya"
	PostgresPassword = "test_password"

	MinIOUser     = "minioadmin"
	MinIOPassword = "minioadmin"
)

// shared starts a value once and hands it to every test that asks for it.
type shared[T any] struct {
	once  sync.Once
	value T
	err   error
}

func (s *shared[T]) get(t *testing.T, what string, start func(ctx context.Context) (T, error)) T {
	t.Helper()
	if testing.Short() {
		t.Skipf("Skipping %s integration test in short mode (requires Docker)", what)
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.value, s.err = start(ctx)
	})
	if s.err != nil {
		t.Fatalf("Failed to start %s: %v", what, s.err)
	}
	return s.value
}

// endpoint starts a container and returns the host:port its first exposed port maps to.
func endpoint(ctx context.Context, req testcontainers.ContainerRequest) (string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start %s: %w", req.Image, err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get host of %s: %w", req.Image, err)
	}
	port, err := container.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	if err != nil {
		return "", fmt.Errorf("failed to get port of %s: %w", req.Image, err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

// DatastoreDB is a PostgreSQL database with the datastore bootstrap applied.
type DatastoreDB struct {
	DB *database.DB
	// ConnStr connects as the superuser to the test database.
	ConnStr string
	// Addr is the host:port of the server.
	Addr string
}

// URL returns a connection URL for another database or user on the same server.
func (d *DatastoreDB) URL(user, password, dbName string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, d.Addr, dbName)
}

var datastoreDB shared[*DatastoreDB]

// GetDatastoreDB returns the shared datastore database. Tests isolate themselves by
// working in a schema of their own, see FreshSchema.
func GetDatastoreDB(t *testing.T) *DatastoreDB {
	t.Helper()
	return datastoreDB.get(t, "PostgreSQL", startDatastoreDB)
}

func startDatastoreDB(ctx context.Context) (*DatastoreDB, error) {
	addr, err := endpoint(ctx, testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "datastore_test",
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
		},
		// the entrypoint restarts the server once after init
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	if err != nil {
		return nil, err
	}
	d := &DatastoreDB{Addr: addr}
	d.ConnStr = d.URL(PostgresUser, PostgresPassword, "datastore_test")

	d.DB, err = database.NewConnection(ctx, &database.Config{
		URL:            d.ConnStr,
		MaxConnections: 10,
		Connect:        &retry.Config{MaxRetries: 10, InitialDelay: 250 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.OpenSQL(d.ConnStr)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to bootstrap datastore: %w", err)
	}
	return d, nil
}

var schemaSeq atomic.Int64

// FreshSchema returns a schema name unique to t and drops the schema when t ends. The
// schema itself is not created.
func FreshSchema(t *testing.T, db *DatastoreDB) string {
	t.Helper()
	schema := fmt.Sprintf("t_%d_%d", time.Now().Unix(), schemaSeq.Add(1))
	t.Cleanup(func() {
		_, _ = db.DB.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})
	return schema
}

var redisAddr shared[string]

// GetRedis returns a client of the shared Redis server, closed when t ends.
func GetRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := redisAddr.get(t, "Redis", func(ctx context.Context) (string, error) {
		return endpoint(ctx, testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		})
	})

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to ping Redis: %v", err)
	}
	return client
}

var minioAddr shared[string]

// GetMinIO returns the http:// endpoint of the shared MinIO server. Tests authenticate
// with MinIOUser and MinIOPassword.
func GetMinIO(t *testing.T) string {
	t.Helper()
	addr := minioAddr.get(t, "MinIO", func(ctx context.Context) (string, error) {
		return endpoint(ctx, testcontainers.ContainerRequest{
			Image:        MinIOImage,
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     MinIOUser,
				"MINIO_ROOT_PASSWORD": MinIOPassword,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		})
	})
	return "http://" + addr
}
