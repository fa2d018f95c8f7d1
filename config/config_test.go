package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(100, c.MaxOneTimePrekeys)
	require.Equal(uint(1000), c.MaxSkip)
	require.Equal(int64(60000), c.ResendResetTimeoutMs)
	require.Equal(defaultHeyaPort, c.HeyaPort)
}

func TestLoad(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	c, err := Load([]byte(`
user_id = "alice"
backend_url = "http://localhost:9000"
max_one_time_prekeys = 50
max_skip = 200

[heya]
host = "heya.example.com"
`), WithRootDir(dir), WithMaxSkip(300))
	require.Nil(err)
	require.Equal("alice", c.UserID)
	require.Equal("http://localhost:9000", c.BackendURL)
	require.Equal(50, c.MaxOneTimePrekeys)
	require.Equal(20, c.OneTimePrekeyBatch)
	require.Equal(uint(300), c.MaxSkip)
	require.Equal("heya.example.com", c.HeyaHost)
	require.Equal(defaultHeyaPort, c.HeyaPort)
	require.Equal(dir, c.RootDir)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hush.toml")
	require.Nil(os.WriteFile(path, []byte("root_dir = \""+dir+"\"\nrequest_timeout_ms = 1500\n"), 0o600))

	c, err := LoadFile(path)
	require.Nil(err)
	require.Equal(int64(1500), c.RequestTimeoutMs)
	require.Equal(dir, c.RootDir)

	_, err = Load([]byte("max_skip = \"lots\""))
	require.NotNil(err)
}
