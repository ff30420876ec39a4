// Package util holds shared database test infrastructure: a Postgres
// testcontainer started once per package, with one schema per test for
// isolation.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/amelia-ai/amelia/pkg/store"
)

var shared struct {
	once    sync.Once
	connStr string
	err     error
}

// SetupTestDatabase returns a migrated store client on a schema private to
// this test. CI points at an external Postgres via CI_DATABASE_URL; local
// runs share one testcontainer across the package. The schema is dropped at
// cleanup.
func SetupTestDatabase(t *testing.T) *store.Client {
	t.Helper()
	ctx := context.Background()

	base := baseConnString(t)
	schema := schemaName(t)
	createSchema(t, ctx, base, schema)

	db, err := stdsql.Open("pgx", withSearchPath(base, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("dropping schema %s: %v", schema, err)
		}
		_ = db.Close()
	})

	client := store.NewClientFromDB(db)
	require.NoError(t, client.Migrate())
	return client
}

func createSchema(t *testing.T, ctx context.Context, connStr, schema string) {
	t.Helper()
	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
}

func baseConnString(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	shared.once.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("amelia_test"),
			postgres.WithUsername("amelia"),
			postgres.WithPassword("amelia"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			shared.err = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		shared.connStr, shared.err = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, shared.err)
	return shared.connStr
}

// schemaName derives a Postgres-safe schema identifier from the test name,
// suffixed with random hex so parallel runs of one test never collide. Kept
// under the 63-character identifier limit.
func schemaName(t *testing.T) string {
	t.Helper()
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, t.Name())
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return "test_" + name + "_" + hex.EncodeToString(suffix)
}

func withSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "search_path=" + schema
}
