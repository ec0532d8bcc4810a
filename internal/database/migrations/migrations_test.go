package migrations

import (
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsParse(t *testing.T) {
	src, err := iofs.New(schemaFS, "sql")
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	up, _, err := src.ReadUp(version)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	up.Close()

	schema := string(body)
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS tickets",
		"CONSTRAINT tickets_event_pin UNIQUE (event_id, access_pin)",
		"admission_key   TEXT UNIQUE",
	} {
		assert.True(t, strings.Contains(schema, want), "schema lacks %q", want)
	}

	down, _, err := src.ReadDown(version)
	require.NoError(t, err)
	down.Close()
}
