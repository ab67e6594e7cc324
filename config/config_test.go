package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/config"
)

func TestDefaultMatchesSpecValues(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, 3, cfg.MaxFixCycles)
	require.Equal(t, 3, cfg.MaxStepAttempts)
	require.True(t, cfg.VerifyAllOutputs)
	require.True(t, cfg.RequireTests)
	require.Equal(t, 2*time.Hour, cfg.TimeLimit)
	require.True(t, cfg.RequirePrePlanReview)
	require.True(t, cfg.EnableProgressChecks)
	require.Equal(t, 60*time.Second, cfg.ProgressCheckInterval)
	require.Equal(t, 3, cfg.MaxPlanRevisions)
	require.Equal(t, config.SupervisorThresholds{Warn: 2, Intervene: 3, Critical: 4, Abort: 5}, cfg.SupervisorThresholds)
	require.Equal(t, config.QualityThresholds{Plan: 70, Code: 60, Step: 70, Goal: 80}, cfg.QualityThresholds)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesOnlyPresentFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxFixCycles: 5\nrequireTests: false\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxFixCycles)
	require.False(t, cfg.RequireTests)
	require.Equal(t, 2*time.Hour, cfg.TimeLimit)
	require.True(t, cfg.VerifyAllOutputs)
}

func TestSupervisorOptionsConverts(t *testing.T) {
	cfg := config.Default()
	opts := cfg.SupervisorOptions()
	require.Equal(t, 2, opts.Warn)
	require.Equal(t, 5, opts.Abort)
}
