package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "0001_init.sql", all[0].Name)
	assert.Contains(t, all[0].SQL, "CREATE TABLE IF NOT EXISTS cluster_locks")
}

func TestHashToBigIntStable(t *testing.T) {
	assert.Equal(t, hashToBigInt("a"), hashToBigInt("a"))
	assert.NotEqual(t, hashToBigInt("a"), hashToBigInt("b"))
}

func TestMigrateIdempotent(t *testing.T) {
	dsn := os.Getenv("JOBCLUSTER_TEST_DSN")
	if dsn == "" {
		t.Skip("set JOBCLUSTER_TEST_DSN to run migrations against Postgres")
	}
	ctx := context.Background()
	_, err := Migrate(ctx, dsn, nil)
	require.NoError(t, err)
	again, err := Migrate(ctx, dsn, nil)
	require.NoError(t, err)
	assert.Empty(t, again)
}
