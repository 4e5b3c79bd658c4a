package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	closer := Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer closer.Close()

	logger := WithDeployment("d-123", "staging")
	logger.Info().Str("component", "orchestrator").Msg("Deployment started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "d-123", line["deployment_id"])
	assert.Equal(t, "staging", line["environment"])
	assert.Equal(t, "Deployment started", line["message"])
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	closer := Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	defer closer.Close()

	Info("dropped")
	assert.Zero(t, buf.Len())

	Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestInitWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.log")

	var console bytes.Buffer
	closer := Init(Config{
		Level:  InfoLevel,
		Output: &console,
		File:   &FileConfig{Path: path, MaxSizeMB: 1},
	})

	logger := WithComponent("store")
	logger.Info().Msg("Opened state store")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"store"`)
	assert.Contains(t, console.String(), "Opened state store")
}
