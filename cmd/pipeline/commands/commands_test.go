package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pointcloud-pipeline/internal/config"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/server"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := cfg
	cfg = config.Default()
	cfg.Data.Dir = filepath.Join(dir, "uploads")
	cfg.Data.OutputDir = filepath.Join(dir, "outputs")
	t.Cleanup(func() {
		cfg = prev
		runOut = ""
	})
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinitionBySuffix(t *testing.T) {
	dir := t.TempDir()

	def, err := loadDefinition(writeFile(t, dir, "p.json", `[{"type": "readers.faux", "count": 3}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"readers.faux"}, def.StageTypes())

	def, err = loadDefinition(writeFile(t, dir, "p.yaml", "pipeline:\n  - type: readers.faux\n    count: 3\n  - type: filters.stats\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"readers.faux", "filters.stats"}, def.StageTypes())

	_, err = loadDefinition(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRunWritesResult(t *testing.T) {
	dir := useTempConfig(t)
	file := writeFile(t, dir, "p.json", `[
		{"type": "readers.faux", "count": 20, "mode": "ramp", "bounds": "([0,10],[0,10],[0,1])"},
		{"type": "writers.text"}
	]`)
	runOut = filepath.Join(dir, "out.csv")

	require.NoError(t, runPipeline(RunCmd, []string{file}))

	data, err := os.ReadFile(runOut)
	require.NoError(t, err)
	assert.Contains(t, string(data), "X")
}

func TestRunReportsFailure(t *testing.T) {
	dir := useTempConfig(t)
	file := writeFile(t, dir, "p.json", `[{"type": "readers.las", "filename": "nope.las"}]`)

	err := runPipeline(RunCmd, []string{file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	dir := useTempConfig(t)
	assert.NoError(t, runValidate(ValidateCmd, []string{writeFile(t, dir, "ok.json", `[{"type": "readers.faux", "count": 1}]`)}))
	assert.Error(t, runValidate(ValidateCmd, []string{writeFile(t, dir, "bad.json", `[{"type": "filters.nope"}]`)}))
}

func TestDescriptorRowsMarkRequiredParams(t *testing.T) {
	useTempConfig(t)
	exec, err := server.NewExecutor(cfg)
	require.NoError(t, err)

	rows := descriptorRows(exec.Registry())
	require.Len(t, rows, exec.Registry().Len()+1)
	for _, row := range rows[1:] {
		if row[0] == "readers.las" {
			assert.Contains(t, row[2], "filename*")
			assert.Equal(t, "none -> points", row[1])
		}
	}
}

func TestDiagnosticRows(t *testing.T) {
	job := model.Job{Diagnostics: []model.Diagnostic{
		{StageIndex: 0, StageType: "readers.faux", OutputCount: 5},
		{StageIndex: 1, StageType: "filters.crop", InputCount: 5, Warnings: []string{"empty"}},
		{StageIndex: 2, StageType: "writers.las", Error: "boom", ErrorCode: "stage"},
	}}
	want := [][]string{
		{"#", "Stage", "In", "Out", "Elapsed", "Status"},
		{"0", "readers.faux", "0", "5", "0s", "ok"},
		{"1", "filters.crop", "5", "0", "0s", "1 warnings"},
		{"2", "writers.las", "0", "0", "0s", "stage: boom"},
	}
	if diff := cmp.Diff(want, diagnosticRows(job)); diff != "" {
		t.Errorf("diagnosticRows mismatch (-want +got):\n%s", diff)
	}
}

func TestSetupAppliesFlags(t *testing.T) {
	useTempConfig(t)
	root := &cobra.Command{Use: "pipeline", RunE: func(*cobra.Command, []string) error { return nil }}
	AddPersistentFlags(root)
	require.NoError(t, root.ParseFlags([]string{"--log-level", "debug"}))

	require.NoError(t, Setup(root, nil))
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
}
