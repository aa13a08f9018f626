package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesSortedAndEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_schema.sql", names[0])
	assert.IsIncreasing(t, names)

	sql, err := migrationsFS.ReadFile("migrations/001_schema.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), "CREATE TABLE IF NOT EXISTS video_segments")
}
