package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "verity dev\n", out.String())
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "version"})
}

func TestMigrateCommand_SQLite(t *testing.T) {
	t.Setenv("VERITY_LOG_LEVEL", "error")
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "verity.db")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--database-url", dsn})
	require.NoError(t, cmd.Execute())
}

func TestMigrateCommand_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("VERITY_LOG_LEVEL", "error")
	t.Setenv("VERITY_PORT", "not-a-port")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--database-url", "sqlite:" + filepath.Join(t.TempDir(), "v.db")})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VERITY_PORT")
}
