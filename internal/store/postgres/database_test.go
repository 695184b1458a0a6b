package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrateToLatest(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	// applying again must be a no-op, not an error
	require.NoError(t, store.MigrateToLatest(context.Background()))
}

func TestOpenRejectsMissingConnectionString(t *testing.T) {
	_, err := Open(context.Background(), &Config{})
	require.Error(t, err)
}

func TestOpenRejectsNilConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	require.Error(t, err)
}
