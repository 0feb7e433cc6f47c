package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/chain"
	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/types"
)

const pipelineYAML = `
name: pipeline
strategy: sequential
tasks:
  - id: extract
    description: pull records
    required_capabilities: [etl]
  - id: summarize
    description: summarize records
    required_capabilities: [nlp]
    depends_on: [extract]
`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.TickInterval = 5 * time.Millisecond
	cfg.Engine.SweepInterval = 20 * time.Millisecond
	cfg.Agents = []types.AgentSpec{
		{ID: "loader", Type: "worker", Capabilities: []string{"etl"}, MaxLoad: 2},
		{ID: "writer", Type: "worker", Capabilities: []string{"nlp"}, MaxLoad: 2},
	}
	return cfg
}

func TestExecute_RunsChainToCompletion(t *testing.T) {
	def, err := chain.FromYAML([]byte(pipelineYAML))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, execute(ctx, testConfig(), def, runOptions{}, &out, zaptest.NewLogger(t)))

	var rep report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, types.ChainCompleted, rep.Chain.Status)
	assert.Equal(t, []string{"extract", "summarize"}, rep.Chain.Completed)
	require.Contains(t, rep.Results, "summarize")
	assert.Equal(t, "writer", rep.Results["summarize"].AgentID)
	assert.Contains(t, rep.Results["extract"].Content, "loader completed extract")
	assert.Positive(t, rep.Persisted)
	assert.Equal(t, 2, rep.Stats.Tasks[types.TaskCompleted])
}

func TestExecute_FailsWithoutCapableAgent(t *testing.T) {
	def, err := chain.FromYAML([]byte(pipelineYAML))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Agents = cfg.Agents[:1]
	cfg.Engine.NoAgentBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = execute(ctx, cfg, def, runOptions{}, &out, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrChainStructuralFailure))

	var rep report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, types.ChainFailed, rep.Chain.Status)
	assert.Contains(t, rep.Results, "extract")
}

func TestExecute_NoAgents(t *testing.T) {
	cfg := config.DefaultConfig()
	err := execute(context.Background(), cfg, &chain.Definition{Name: "x"}, runOptions{}, &bytes.Buffer{}, zaptest.NewLogger(t))
	assert.True(t, types.IsErrorCode(err, types.ErrConfiguration))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate([]string{"--chain", writeFile(t, "ok.yaml", pipelineYAML)}, &out))
	assert.Contains(t, out.String(), `chain "pipeline" is valid: 2 tasks, strategy sequential`)

	cyclic := `
name: loop
tasks:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`
	err := runValidate([]string{"--chain", writeFile(t, "loop.yaml", cyclic)}, &out)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfiguration))

	assert.Error(t, runValidate(nil, &out))
}

func TestRunMigrate_SQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "snapshots.db")
	args := func(sub string, extra ...string) []string {
		return append([]string{sub, "--db-driver", "sqlite", "--db-name", db}, extra...)
	}

	var out bytes.Buffer
	require.NoError(t, runMigrate(args("up"), &out))
	assert.Contains(t, out.String(), "snapshot schema version 2 of 2 (ready)")

	out.Reset()
	require.NoError(t, runMigrate(args("steps", "-1"), &out))
	out.Reset()
	require.NoError(t, runMigrate(args("version"), &out))
	assert.Contains(t, out.String(), "snapshot schema version 1 of 2 (1 pending)")

	assert.Error(t, runMigrate(args("steps"), &out))
	assert.Error(t, runMigrate(args("sideways"), &out))
	assert.Error(t, runMigrate(nil, &out))
}

func TestSimulatedAgent(t *testing.T) {
	proc := simulatedAgent(types.AgentSpec{ID: "a", Capabilities: []string{"ETL"}})
	task := types.Task{ID: "t", Description: "load", RequiredCapabilities: []string{"etl", "nlp"}}

	first, err := proc.ProcessTask(context.Background(), task)
	require.NoError(t, err)
	second, err := proc.ProcessTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.GreaterOrEqual(t, first.Confidence, 0.65)
	assert.Less(t, first.Confidence, 0.8)
	assert.Equal(t, []string{"covered 50% of required capabilities"}, first.Reasoning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = proc.ProcessTask(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(config.LogConfig{Level: tt.level, Format: "console", OutputPaths: []string{"stderr"}})
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}
