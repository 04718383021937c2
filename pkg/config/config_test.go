package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8808, cfg.Server.Port)
	assert.Equal(t, "chromem", cfg.Vector.Provider)
	assert.Equal(t, 2, cfg.Capture.PollIntervalS)
	assert.Equal(t, 20, cfg.Capture.MaxFileMB)
	assert.Equal(t, 5, cfg.Capture.MaxAttempts)
	assert.Equal(t, 8, cfg.Retrieval.TopK)

	w := cfg.Retrieval.FusionWeights
	assert.InDelta(t, 0.40, w.Semantic, 1e-9)
	assert.InDelta(t, 0.20, w.FTS, 1e-9)
	assert.InDelta(t, 0.20, w.Graph, 1e-9)
	assert.InDelta(t, 0.20, w.Recency, 1e-9)
}

func TestValidateRejectsBadModes(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Pipeline.WhisperMode = "cloud"
	assert.Error(t, cfg.Validate())

	cfg.SetDefaults()
	cfg.Pipeline.WhisperMode = "stub"
	cfg.Vector.Provider = "pinecone"
	assert.Error(t, cfg.Validate())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9001
capture:
  watch_path: /tmp/inbox
  max_file_mb: 5
retrieval:
  fusion_weights:
    semantic: 0.5
    fts: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	t.Setenv("EG_PORT", "9002")
	t.Setenv("EG_LLM_MODE", "stub")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9002, cfg.Server.Port) // env wins over file
	assert.Equal(t, "/tmp/inbox", cfg.Capture.WatchPath)
	assert.Equal(t, 5, cfg.Capture.MaxFileMB)
	assert.Equal(t, "stub", cfg.LLM.Mode)
	assert.InDelta(t, 0.5, cfg.Retrieval.FusionWeights.Semantic, 1e-9)
	assert.InDelta(t, 0.0, cfg.Retrieval.FusionWeights.Graph, 1e-9)
}
