package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpdateAndTypedGetters(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Update([]byte(`{"audio_max_bitrate": 24000, "relay_switch_threshold": 0.7, "label": "x", "flag": true}`)))

	assert.Equal(t, 24000, s.GetInt("audio_max_bitrate", 0))
	assert.Equal(t, 0.7, s.GetDouble("relay_switch_threshold", 0))
	assert.Equal(t, "x", s.GetString("label", ""))
	assert.True(t, s.GetBool("flag", false))
	assert.Equal(t, 8000, s.GetInt("audio_min_bitrate", 8000), "missing key falls back to the caller's default")
}

func TestStoreUpdateMalformedKeepsPreviousConfig(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Update([]byte(`{"audio_max_bitrate": 24000}`)))

	err := s.Update([]byte(`not json`))
	assert.Error(t, err)
	assert.Equal(t, 24000, s.GetInt("audio_max_bitrate", 0), "a malformed update must not clear existing config")
}

func TestLoadFileDefaultsWhenPathEmpty(t *testing.T) {
	f, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 30.0, f.InitTimeout)
	assert.Equal(t, "never", f.DataSaving)
}

func TestLoadFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("init_timeout: 45\ndata_saving: always\n"), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 45.0, f.InitTimeout)
	assert.Equal(t, "always", f.DataSaving)
	assert.Equal(t, 10.0, f.RecvTimeout, "unset fields keep their built-in default")
}

func TestLoadFileEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("init_timeout: 45\n"), 0o600))

	t.Setenv("CALLENGINE_INIT_TIMEOUT", "12")
	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12.0, f.InitTimeout)
}

func TestLoadFileMissingFileIsNotError(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30.0, f.InitTimeout)
}
