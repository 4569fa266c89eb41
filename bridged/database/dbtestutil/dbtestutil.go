// Package dbtestutil opens throwaway sqlite stores for tests.
package dbtestutil

import (
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/ocbridge/ocbridge/bridged/database"
)

// Open returns a store backed by a file in a per-test temp dir.
func Open(t testing.TB) database.Store {
	t.Helper()
	return OpenWithClock(t, quartz.NewReal())
}

// OpenWithClock is Open with an injected clock.
func OpenWithClock(t testing.TB, clock quartz.Clock) database.Store {
	t.Helper()
	store, err := database.OpenWithClock(filepath.Join(t.TempDir(), "bridge.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
