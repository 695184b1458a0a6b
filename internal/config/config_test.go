package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 5, cfg.Health.WorkerCount)
	require.Equal(t, "./data/search-index", cfg.Search.IndexPath)
}

func TestValidateRejectsEmptyDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeWorkerCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.DirectWorkers = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroHealthWorkerCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.WorkerCount = 0
	require.Error(t, cfg.Validate())
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body, err := json.Marshal(map[string]interface{}{
		"http":   map[string]string{"addr": ":9090"},
		"search": map[string]int{"fan_out": 8},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, 8, cfg.Search.FanOut)
	require.Equal(t, 5*time.Minute, cfg.Proxy.ProbeInterval) // untouched default survives the merge
}

func TestLoadConfigToleratesMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().HTTP.Addr, cfg.HTTP.Addr)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestApplyEnvOverridesWinsOverFileAndDefaults(t *testing.T) {
	t.Setenv("KUROIBARA_HTTP_ADDR", ":7070")
	t.Setenv("KUROIBARA_LOG_LEVEL", "debug")
	t.Setenv("KUROIBARA_STRICT_MODE", "true")
	t.Setenv("KUROIBARA_SEARCH_FAN_OUT", "9")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTP.Addr)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.StrictMode)
	require.Equal(t, 9, cfg.Search.FanOut)
}

func TestSaveToFileRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Addr = ":6060"
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":6060", loaded.HTTP.Addr)
}
