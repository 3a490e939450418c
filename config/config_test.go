package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	cfg := FromEnv()
	require.Equal(t, 1, cfg.EvaluationConcurrency)
	require.Equal(t, 7200*time.Second, cfg.EvaluationTimeout)
	require.Equal(t, "basics", cfg.EvaluationTestPath)
	require.True(t, cfg.ResumeFromS3)
}

func TestFromEnvClampsBelowFloor(t *testing.T) {
	t.Setenv("EVALUATION_TIMEOUT_SECONDS", "5")
	cfg := FromEnv()
	require.Equal(t, 60*time.Second, cfg.EvaluationTimeout)
}

func TestFromEnvBoolParsing(t *testing.T) {
	t.Setenv("RESUME_FROM_S3", "0")
	require.False(t, FromEnv().ResumeFromS3)
}

func TestLoadEnvironmentParamsToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	params, err := LoadEnvironmentParams(dir)
	require.NoError(t, err)
	require.Empty(t, params)
}

func TestLoadTaskReturnsParamsAndRawPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/prompt.md", []byte("Build {{lang}} compiler"), 0o644))
	require.NoError(t, os.WriteFile(dir+"/params.yaml", []byte("lang: C\n"), 0o644))

	task, err := LoadTask(dir)
	require.NoError(t, err)
	require.Equal(t, "C", task.Params["lang"])
	require.Contains(t, task.Prompt, "Build {{lang}} compiler")
}
