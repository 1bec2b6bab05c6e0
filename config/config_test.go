package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simConfig = `
port: 9000
log:
  level: debug
sourcepath:
  dirs: [/src/main/java, /src/test/*]
target:
  mode: sim
  scenario: testdata/monkey.yaml
session:
  idleTimeout: 5m
`

const dapConfig = `
target:
  mode: dap
  command: [dlv, dap, --listen=127.0.0.1:0]
  request: launch
  timeout: 3s
  arguments:
    program: ./cmd/app
    mode: debug
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "debugctl.yaml")
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSimConfig(t *testing.T) {
	cfg, err := NewLoader().Load(writeConfig(t, simConfig))
	require.Nil(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"/src/main/java", "/src/test/*"}, cfg.SourcePath.Dirs)
	assert.Equal(t, ".java", cfg.SourcePath.Extension)
	assert.Equal(t, constants.SimTarget, cfg.Target.Mode)
	assert.Equal(t, "testdata/monkey.yaml", cfg.Target.Scenario)
	assert.Equal(t, 10*time.Second, cfg.Target.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
}

func TestLoadDapConfig(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load(writeConfig(t, dapConfig))
	require.Nil(t, err)
	assert.Equal(t, 8889, cfg.Port)
	assert.Equal(t, constants.DapTarget, cfg.Target.Mode)
	assert.Equal(t, []string{"dlv", "dap", "--listen=127.0.0.1:0"}, cfg.Target.Command)
	assert.Equal(t, 3*time.Second, cfg.Target.Timeout)
	arguments, err := cfg.Target.ArgumentsJSON()
	require.Nil(t, err)
	assert.JSONEq(t, `{"program": "./cmd/app", "mode": "debug"}`, string(arguments))
	assert.Equal(t, cfg, loader.Current())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEBUGCTL_PORT", "7000")
	t.Setenv("DEBUGCTL_TARGET_SCENARIO", "other.yaml")
	cfg, err := NewLoader().Load(writeConfig(t, simConfig))
	require.Nil(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "other.yaml", cfg.Target.Scenario)
}

func TestLoadInvalidConfig(t *testing.T) {
	_, err := NewLoader().Load(writeConfig(t, "target:\n  mode: sim\n"))
	assert.NotNil(t, err)
	_, err = NewLoader().Load(writeConfig(t, "target:\n  mode: dap\n"))
	assert.NotNil(t, err)
	_, err = NewLoader().Load(writeConfig(t, "target:\n  mode: jdwp\n"))
	assert.NotNil(t, err)
	_, err = NewLoader().Load(writeConfig(t, "target:\n  mode: sim\n  scenario: a.yaml\n  request: run\n"))
	assert.NotNil(t, err)
	_, err = NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotNil(t, err)
}

func TestWatchSearchPaths(t *testing.T) {
	path := writeConfig(t, simConfig)
	loader := NewLoader()
	_, err := loader.Load(path)
	require.Nil(t, err)

	changed := make(chan []string, 8)
	loader.Watch(func(cfg *Config) {
		changed <- cfg.SourcePath.Dirs
	})
	time.Sleep(100 * time.Millisecond)
	updated := "sourcepath:\n  dirs: [/other]\ntarget:\n  mode: sim\n  scenario: testdata/monkey.yaml\n"
	require.Nil(t, os.WriteFile(path, []byte(updated), 0644))

	select {
	case dirs := <-changed:
		assert.Equal(t, []string{"/other"}, dirs)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.Equal(t, []string{"/other"}, loader.Current().SourcePath.Dirs)
}
