package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_defaults_are_valid(t *testing.T) {
	conf := NewDefaultConfig()
	require.NoError(t, conf.Validate())
	assert.Len(t, conf.ParticipantOptions(nil), 7)
}

func Test_load_overrides_present_fields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actortx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  timeout: 3s
  overload:
    enabled: true
    limit: 50
    burst: 5
participant:
  prepare_timeout: 500ms
storage:
  backend: sqlite
  dsn: /tmp/actortx.db
log:
  level: debug
`), 0644))

	conf := NewDefaultConfig()
	require.NoError(t, conf.LoadFromFile(path))
	require.NoError(t, conf.Validate())

	assert.Equal(t, Duration(3*time.Second), conf.Agent.Timeout)
	assert.True(t, conf.Agent.Overload.Enabled)
	assert.Equal(t, Duration(500*time.Millisecond), conf.Participant.PrepareTimeout)
	//文件中没有的字段保持默认值
	assert.Equal(t, Duration(8*time.Second), conf.Participant.LockTimeout)
	assert.Equal(t, BackendSqlite, conf.Storage.Backend)
	assert.Equal(t, "debug", conf.Log.Level)
	assert.Equal(t, 64, conf.Storage.CompactionThreshold)
}

func Test_bad_file_leaves_config_untouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  timeout: soon\n"), 0644))

	conf := NewDefaultConfig()
	assert.Error(t, conf.LoadFromFile(path))
	assert.Equal(t, Duration(10*time.Second), conf.Agent.Timeout)

	assert.Error(t, conf.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func Test_validate_rejects_bad_backend(t *testing.T) {
	conf := NewDefaultConfig()
	conf.Storage.Backend = "cassandra"
	assert.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.Storage.Backend = BackendSqlite
	assert.Error(t, conf.Validate())
}

func Test_new_logger_writes_to_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actortx.log")
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"actortx"`)
}
