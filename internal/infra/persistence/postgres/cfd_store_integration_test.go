package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/cfdmaker/internal/domain/cfdstore/cfdstoretest"
	"github.com/coachpo/cfdmaker/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/cfdmaker/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	setupErr = startDatabase(ctx)
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func startDatabase(ctx context.Context) (err error) {
	defer func() {
		// testcontainers panics when no Docker daemon is reachable.
		if r := recover(); r != nil {
			err = fmt.Errorf("start postgres container: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "cfdmaker"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("start postgres container: %w", err)
	}
	pgContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/cfdmaker?sslmode=disable", host, port.Port())

	pool, err := pgstore.OpenPool(ctx, pgstore.PoolConfig{DSN: dsn, ConnectTimeout: 30 * time.Second}, nil)
	if err != nil {
		return err
	}
	testPool = pool

	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func TestPostgresCfdStoreContract(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	cfdstoretest.Run(t, pgstore.NewCfdStore(testPool))
}

func TestObservePoolMetrics(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	if err := pgstore.ObservePoolMetrics(testPool, ""); err != nil {
		t.Fatalf("ObservePoolMetrics returned error: %v", err)
	}
}
