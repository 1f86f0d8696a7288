package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_DirStore(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--store", "dir", "--path", dir, "save", "clients", `[{"id":"c1","nombre":"Acme"}]`)
	require.NoError(t, err)
	assert.Contains(t, out, "clients v1 ts=")

	out, err = execute(t, "--store", "dir", "--path", dir, "load", "clients")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"c1","nombre":"Acme"}]`+"\n", out)
}

func TestSaveLoad_SQLiteStoreJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm.db")

	_, err := execute(t, "--store", "sqlite", "--path", path, "save", "teams", `[{"id":"t1","nombre":"Norte","members":[]}]`)
	require.NoError(t, err)

	out, err := execute(t, "--store", "sqlite", "--path", path, "--format", "json", "load", "teams")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []any{map[string]any{"id": "t1", "nombre": "Norte", "members": []any{}}}, resp.Data)
}

func TestSave_InvalidJSON(t *testing.T) {
	out, err := execute(t, "--store", "memory", "save", "clients", `[{`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestSave_ShapeMismatchRefused(t *testing.T) {
	out, err := execute(t, "--store", "memory", "save", "clients", `{"not":"a list"}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "write refused")
}

func TestLoad_Absent(t *testing.T) {
	out, err := execute(t, "--store", "dir", "--path", t.TempDir(), "load", "tasks")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E003]: record not found")
}

func TestBackupsRemoveRestore(t *testing.T) {
	dir := t.TempDir()
	for _, payload := range []string{`["a"]`, `["b"]`} {
		_, err := execute(t, "--store", "dir", "--path", dir, "save", "notes", payload)
		require.NoError(t, err)
	}

	out, err := execute(t, "--store", "dir", "--path", dir, "backups", "notes")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1. notes v1 "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2. notes v2 "), lines[1])

	// Damage the primary copy; restore brings back the newest backup.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{broken"), 0o644))
	out, err = execute(t, "--store", "dir", "--path", dir, "restore", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "notes v2")

	out, err = execute(t, "--store", "dir", "--path", dir, "remove", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "removed notes")

	out, err = execute(t, "--store", "dir", "--path", dir, "backups", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "no backups for notes")

	_, err = execute(t, "--store", "dir", "--path", dir, "restore", "notes")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestIdentity_PersistsAcrossRuns(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "crmsync.yaml")
	cfg := "store: {driver: memory}\nidentity_path: " + filepath.Join(tmp, "id") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	first, err := execute(t, "--config", cfgPath, "identity")
	require.NoError(t, err)
	second, err := execute(t, "--config", cfgPath, "identity")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first, "device-"), first)
	assert.Equal(t, first, second)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown driver", []string{"--store", "bogus", "identity"}},
		{"missing config file", []string{"--config", "/nonexistent/crmsync.yaml", "identity"}},
	}

	badConfig := filepath.Join(t.TempDir(), "crmsync.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte("poll_interval: 1s\n"), 0o644))
	tests = append(tests, struct {
		name string
		args []string
	}{"poll interval out of range", []string{"--config", badConfig, "identity"}})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error [E001]")
		})
	}
}

func TestWatch_StopsAfterDuration(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--store", "dir", "--path", dir, "save", "clients", `[]`)
	require.NoError(t, err)

	out, err := execute(t, "--store", "dir", "--path", dir, "watch", "clients", "--for", "50ms")
	require.NoError(t, err)
	assert.Equal(t, "clients []\n", out)
}
