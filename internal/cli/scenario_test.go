package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	scenariosDir = filepath.Join("..", "harness", "testdata", "scenarios")
	goldenDir    = filepath.Join("..", "harness", "testdata", "golden")
)

func TestScenarioCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "scenario")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestScenarioCommand_NonExistentPath(t *testing.T) {
	_, err := execute(t, "scenario", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to find scenarios")
}

func TestScenarioCommand_EmptyDir(t *testing.T) {
	out, err := execute(t, "scenario", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestScenarioCommand_AllPassWithGolden(t *testing.T) {
	out, err := execute(t, "scenario", scenariosDir, "--golden", goldenDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ conflict_latest_timestamp_wins")
	assert.Contains(t, out, "All scenarios passed")
}

func TestScenarioCommand_FilterJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "scenario", scenariosDir, "--filter", "conf*")
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "conflict_latest_timestamp_wins", resp.Data.Scenarios[0].Name)
}

func TestScenarioCommand_GoldenMismatchAndUpdate(t *testing.T) {
	golden := t.TempDir()
	scenario := filepath.Join(scenariosDir, "teardown.yaml")
	goldenFile := filepath.Join(golden, "teardown_stops_delivery.golden")
	require.NoError(t, os.WriteFile(goldenFile, []byte("scenario: stale\n"), 0o644))

	out, err := execute(t, "scenario", scenario, "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")

	_, err = execute(t, "scenario", scenario, "--golden", golden, "--update")
	require.NoError(t, err)

	want, err := os.ReadFile(filepath.Join(goldenDir, "teardown_stops_delivery.golden"))
	require.NoError(t, err)
	got, err := os.ReadFile(goldenFile)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestScenarioCommand_UpdateRequiresGolden(t *testing.T) {
	_, err := execute(t, "scenario", scenariosDir, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommand_FailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wrong_payload
description: "expects a value nobody wrote"
contexts:
  - {name: a, clock: 1}
steps:
  - {context: a, op: save, key: clients, payload: []}
assertions:
  - {type: record, context: a, key: clients, payload: ["other"]}
`), 0o644))

	out, err := execute(t, "scenario", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_payload")
	assert.Contains(t, out, "1 failed")
}
