package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  backend: slog
  level: debug
  format: json
engine:
  max_turns: 12
  turn_limit_policy: skip
  checkpoint_grace: 2s
store:
  driver: sqlite
  path: /tmp/sessions.db
models:
  fast:
    provider: openai
    model: gpt-4o-mini
    api_key_env: TEST_RESEARCHMESH_KEY
    request_timeout: 30s
  replay:
    provider: scripted
    replies: ["done"]
selector:
  model: fast
  history_window: 8
agents:
  - name: TargetSearch
    description: Finds targets
    model: fast
    tools: [search_targets]
    max_consecutive_turns: 2
  - name: ReportAgent
    description: Writes the report
    model: replay
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_YAML(t *testing.T) {
	t.Setenv("TEST_RESEARCHMESH_KEY", "sk-test")

	cfg, err := Load(writeFile(t, "researchmesh.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "slog", cfg.Logging.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Engine.MaxTurns)
	assert.Equal(t, "skip", cfg.Engine.TurnLimitPolicy)
	assert.Equal(t, 2*time.Second, cfg.Engine.CheckpointGrace)
	assert.Equal(t, 100, cfg.Engine.EventBufferSize, "unset keys keep their defaults")
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	require.Contains(t, cfg.Models, "fast")
	assert.Equal(t, "sk-test", cfg.Models["fast"].APIKey)
	assert.Equal(t, 30*time.Second, cfg.Models["fast"].RequestTimeout)
	assert.Equal(t, []string{"done"}, cfg.Models["replay"].Replies)

	assert.Equal(t, 8, cfg.Selector.HistoryWindow)
	assert.Equal(t, 500, cfg.Selector.MaxMessageChars)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "TargetSearch", cfg.Agents[0].Name)
	assert.Equal(t, []string{"search_targets"}, cfg.Agents[0].Tools)
	assert.Equal(t, 2, cfg.Agents[0].MaxConsecutiveTurns)
}

func TestLoader_JSON(t *testing.T) {
	path := writeFile(t, "researchmesh.json", `{"engine": {"max_turns": 7}, "store": {"driver": "memory"}}`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxTurns)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("RESEARCHMESH_ENGINE_MAX_TURNS", "3")
	t.Setenv("RESEARCHMESH_STORE_DRIVER", "sqlite")
	t.Setenv("RESEARCHMESH_STORE_PATH", "/tmp/env.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxTurns)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/env.db", cfg.Store.Path)
}

func TestLoader_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "engine: [unclosed"))
		require.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := Load(writeFile(t, "invalid.yaml", "engine:\n  turn_limit_policy: retry\n"))
		require.ErrorContains(t, err, "turn_limit_policy")
	})
}

func TestLoader_GetConfigPath(t *testing.T) {
	assert.Equal(t, "cfg.yaml", NewLoader("cfg.yaml").GetConfigPath())
}
