// Package database provides integration-test helpers backed by a real
// PostgreSQL instance.
package database

import (
	"testing"

	"github.com/amelia-ai/amelia/pkg/store"
	"github.com/amelia-ai/amelia/test/util"
)

// NewTestClient creates a migrated test database client.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *store.Client {
	t.Helper()
	return util.SetupTestDatabase(t)
}
