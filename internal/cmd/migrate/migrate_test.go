package migrate

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPrintsMigrationsForKind(t *testing.T) {
	var out bytes.Buffer
	cmd := Command()
	cmd.Writer = &out

	require.NoError(t, cmd.Run(context.Background(), []string{"migrate", "--db-kind", "mongo", "--list"}))
	assert.Equal(t, "mongo-schema\n", out.String())
}

func TestUnknownKindFails(t *testing.T) {
	cmd := Command()
	err := cmd.Run(context.Background(), []string{"migrate", "--db-kind", "memory", "--db-url", "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestMissingURLFails(t *testing.T) {
	cmd := Command()
	err := cmd.Run(context.Background(), []string{"migrate", "--db-kind", "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--db-url")
}
