package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN returns the DSN of a PostgreSQL instance shared by every
// test in the package. Tests are skipped when no container can be
// started, typically because Docker is unavailable.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()

	pgOnce.Do(func() {
		pgDSN, pgErr = startPostgresContainer()
	})

	if pgErr != nil {
		t.Skipf("skipping Postgres tests: %v", pgErr)
	}

	return pgDSN
}

func startPostgresContainer() (dsn string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	// Some rootless Docker setups make testcontainers panic instead of
	// returning an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("postgres testcontainer panicked: %v", r)
		}
	}()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:16-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     "turno",
				"POSTGRES_PASSWORD": "turno",
				"POSTGRES_DB":       "turno",
			},
			ExposedPorts: []string{"5432/tcp"},
			// Postgres restarts once during init, so wait for the second
			// ready line.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}

	// No t.Cleanup here: the container outlives any single test and is
	// reaped at process exit.

	host, err := ctr.Host(ctx)
	if err != nil {
		_ = ctr.Terminate(context.Background())
		return "", fmt.Errorf("postgres container host: %w", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = ctr.Terminate(context.Background())
		return "", fmt.Errorf("postgres container port: %w", err)
	}

	// Pin the IPv4 loopback; a [::1]:port DSN breaks on stacks where the
	// mapped port only listens on IPv4.
	if host == "" || host == "localhost" || host == "::1" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("postgres://turno:turno@%s:%s/turno?sslmode=disable", host, port.Port()), nil
}
