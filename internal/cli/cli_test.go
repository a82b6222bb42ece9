package cli

import (
	"bytes"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbenjam1n/studysync/internal/study"
	"github.com/sbenjam1n/studysync/internal/trial"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testStorage(t *testing.T) string {
	t.Helper()
	t.Setenv("STUDY_REDIS_URL", "")
	t.Setenv("STUDY_LOG_LEVEL", "error")
	return "sqlite://" + filepath.Join(t.TempDir(), "cli.db")
}

func TestStudyCommands(t *testing.T) {
	storageURL := testStorage(t)

	out, err := runCLI(t, "--storage", storageURL, "create-study", "--study-name", "tune", "--direction", "maximize")
	require.NoError(t, err)
	assert.Equal(t, "tune\n", out)

	_, err = runCLI(t, "--storage", storageURL, "create-study", "--study-name", "tune")
	assert.Error(t, err)

	out, err = runCLI(t, "--storage", storageURL, "create-study", "--study-name", "tune", "--skip-if-exists")
	require.NoError(t, err)
	assert.Equal(t, "tune\n", out)

	out, err = runCLI(t, "--storage", storageURL, "create-study")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "no-name-"), out)

	_, err = runCLI(t, "--storage", storageURL, "create-study", "--direction", "sideways")
	assert.Error(t, err)

	_, err = runCLI(t, "--storage", storageURL, "study", "set-user-attr", "--study", "tune", "-k", "owner", "-v", "ml")
	require.NoError(t, err)

	out, err = runCLI(t, "--storage", storageURL, "studies")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "tune")
	assert.Contains(t, lines[1], "MAXIMIZE")

	_, err = runCLI(t, "--storage", storageURL, "delete-study", "--study-name", "tune")
	require.NoError(t, err)
	_, err = runCLI(t, "--storage", storageURL, "delete-study", "--study-name", "tune")
	assert.Error(t, err)

	_, err = runCLI(t, "--storage", storageURL, "delete-study")
	assert.Error(t, err, "--study-name is required")
}

func TestRunDemoAndInspect(t *testing.T) {
	storageURL := testStorage(t)

	out, err := runCLI(t, "--storage", storageURL, "run-demo",
		"--study", "demo", "--n-trials", "8", "--n-jobs", "2", "--steps", "5",
		"--seed", "3", "--pruner", "percentile", "--startup-trials", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "demo: best trial #")

	out, err = runCLI(t, "--storage", storageURL, "trials", "--study", "demo")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 9)

	out, err = runCLI(t, "--storage", storageURL, "trials", "--study", "demo", "--json")
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 8)
	for i, rec := range decoded {
		assert.EqualValues(t, i, rec["number"])
		assert.Contains(t, []any{"COMPLETE", "PRUNED"}, rec["state"])
	}

	out, err = runCLI(t, "--storage", storageURL, "trials", "--study", "demo", "--state", "complete")
	require.NoError(t, err)
	assert.NotContains(t, out, "PRUNED")

	out, err = runCLI(t, "--storage", storageURL, "best-trial", "--study", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "Best trial of demo (MINIMIZE)")
	assert.Contains(t, out, "layers = ")

	_, err = runCLI(t, "--storage", storageURL, "trials", "--study", "missing")
	assert.Error(t, err)
}

func TestRunDemoRejectsBadPruner(t *testing.T) {
	storageURL := testStorage(t)
	_, err := runCLI(t, "--storage", storageURL, "run-demo", "--pruner", "bogus")
	assert.Error(t, err)

	_, err = runCLI(t, "--storage", storageURL, "run-demo", "--pruner", "percentile", "--percentile", "150")
	assert.Error(t, err)
}

func TestEventsRequireRedis(t *testing.T) {
	storageURL := testStorage(t)
	_, err := runCLI(t, "--storage", storageURL, "events", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STUDY_REDIS_URL")
}

func TestFormatting(t *testing.T) {
	v := 0.125
	assert.Equal(t, "-", formatValue(nil))
	assert.Equal(t, "0.125", formatValue(&v))
	assert.Equal(t, "-", formatParams(nil))
	assert.Equal(t, "a=1 b=x", formatParams(map[string]any{"b": "x", "a": 1}))

	step := 4
	line := formatEvent(&study.Event{
		Kind: study.EventTrialReported, Study: "s", TrialNumber: 2,
		State: trial.Running, Step: &step, Value: &v,
	})
	assert.Contains(t, line, "s #2 RUNNING step=4 value=0.125")

	view := newTrialJSON(&trial.FrozenTrial{IntermediateValues: map[int]float64{0: 1, 1: math.NaN()}})
	assert.Nil(t, view.IntermediateValues[1])
	require.NotNil(t, view.IntermediateValues[0])
	assert.Equal(t, 1.0, *view.IntermediateValues[0])
}

func TestReportCommand(t *testing.T) {
	storageURL := testStorage(t)
	_, err := runCLI(t, "--storage", storageURL, "create-study", "--study-name", "r")
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	out, err := runCLI(t, "--storage", storageURL, "report", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "studies", "r.md"))
	assert.Contains(t, out, filepath.Join(dir, "index.md"))
}
