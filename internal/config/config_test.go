package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
[server]
listen_addr = "127.0.0.1:6000"
max_concurrent = 4
tokenizer = "shell"
shutdown = "drain"
kill_on_disconnect = false

[client]
command = "uname -a"
dial_timeout = "250ms"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.Server.ListenAddr)
	assert.Equal(t, 4, cfg.Server.MaxConcurrent)
	assert.Equal(t, "shell", cfg.Server.Tokenizer)
	assert.Equal(t, "drain", cfg.Server.Shutdown)
	assert.False(t, cfg.Server.KillOnDisconnect)
	assert.Equal(t, 1, cfg.Server.Backlog, "unset keys keep their defaults")
	assert.Equal(t, 4096, cfg.Server.ChunkSize)

	assert.Equal(t, "uname -a", cfg.Client.Command)
	assert.Equal(t, "127.0.0.1:5000", cfg.Client.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.DialTimeout.Duration)
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expErr   string
	}{
		{name: "bad toml", contents: "[server", expErr: "decoding"},
		{name: "bad tokenizer", contents: "[server]\ntokenizer = \"regex\"", expErr: "server.tokenizer"},
		{name: "bad shutdown", contents: "[server]\nshutdown = \"later\"", expErr: "server.shutdown"},
		{name: "zero backlog", contents: "[server]\nbacklog = 0", expErr: "server.backlog"},
		{name: "zero chunk size", contents: "[server]\nchunk_size = 0", expErr: "server.chunk_size"},
		{name: "bad duration", contents: "[client]\ndial_timeout = \"soon\"", expErr: "decoding"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeFile(t, c.contents))
			require.ErrorContains(t, err, c.expErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:5000", cfg.Server.ListenAddr)
	assert.Equal(t, "whoami", cfg.Client.Command)
}
