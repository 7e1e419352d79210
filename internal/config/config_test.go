package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/config"
)

func TestDefaultUsesEmbeddedBackend(t *testing.T) {
	cfg := config.Default()
	assert.Empty(t, cfg.Backend.URI)
	assert.NotEmpty(t, cfg.Backend.LocalPath)
	assert.Greater(t, cfg.Concurrency.MaxConcurrentOperations, 0)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Backend.MaxPoolSize, cfg.Backend.MaxPoolSize)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("NEO4J_URI", "neo4j://localhost:7687")
	t.Setenv("NEO4J_USER", "neo4j")
	t.Setenv("NEO4J_PASSWORD", "secret")

	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "neo4j://localhost:7687", cfg.Backend.URI)
	assert.Equal(t, "neo4j", cfg.Backend.Username)
}

func TestValidateReportsMissingVars(t *testing.T) {
	os.Unsetenv("NEO4J_URI")
	os.Unsetenv("NEO4J_USER")
	os.Unsetenv("NEO4J_PASSWORD")

	err := config.Validate()
	require.Error(t, err)
}

func TestGetIntFallsBackOnUnparsable(t *testing.T) {
	t.Setenv("INFRAHUB_CORE_TEST_INT", "not-a-number")
	assert.Equal(t, 7, config.GetInt("INFRAHUB_CORE_TEST_INT", 7))
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  max_pool_size: 5\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Backend.MaxPoolSize)
}
