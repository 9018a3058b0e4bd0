// Package testutil provides shared test infrastructure for integration
// tests that require Postgres with the pgvector extension.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
	"github.com/troykelly/openclaw-projects-sub012/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container with the pgvector
// extension pre-created. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "projects",
			"POSTGRES_PASSWORD": "projects",
			"POSTGRES_DB":       "projects",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://projects:projects@%s:%s/projects?sslmode=disable", host, port.Port())

	// Create the extension before any pool exists so pgvector types get
	// registered on the pool's AfterConnect hook.
	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to create vector extension: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
