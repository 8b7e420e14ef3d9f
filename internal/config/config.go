package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/cmdrelay/internal/files"
)

// FileName is the config file looked up from the working directory when no path is given.
const FileName = "cmdrelay.toml"

type Config struct {
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

type ServerConfig struct {
	ListenAddr       string `toml:"listen_addr"`
	Backlog          int    `toml:"backlog"`
	MaxConcurrent    int    `toml:"max_concurrent"`
	ChunkSize        int    `toml:"chunk_size"`
	KillOnDisconnect bool   `toml:"kill_on_disconnect"`
	Tokenizer        string `toml:"tokenizer"`
	Shutdown         string `toml:"shutdown"`
	AdminAddr        string `toml:"admin_addr"`
	LogLevel         string `toml:"log_level"`
}

type ClientConfig struct {
	Addr        string   `toml:"addr"`
	Command     string   `toml:"command"`
	DialTimeout Duration `toml:"dial_timeout"`
	LogLevel    string   `toml:"log_level"`
}

// Duration lets durations be written as strings like "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:       "0.0.0.0:5000",
			Backlog:          1,
			MaxConcurrent:    1,
			ChunkSize:        4096,
			KillOnDisconnect: true,
			Tokenizer:        "whitespace",
			Shutdown:         "abrupt",
			LogLevel:         "info",
		},
		Client: ClientConfig{
			Addr:        "127.0.0.1:5000",
			Command:     "whoami",
			DialTimeout: Duration{5 * time.Second},
			LogLevel:    "warn",
		},
	}
}

// Load reads the TOML file at path on top of the defaults.
// If path is empty, FileName is searched for upwards from the working directory, and the defaults
// are returned unchanged if it is not found.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = files.FindUp(FileName, wd)
		if err != nil {
			return cfg, fmt.Errorf("finding config file: %w", err)
		}
		if path == "" {
			return cfg, nil
		}
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	s := c.Server
	if s.Backlog < 1 {
		return fmt.Errorf("server.backlog must be at least 1, got %d", s.Backlog)
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}
	if s.ChunkSize < 1 {
		return fmt.Errorf("server.chunk_size must be at least 1, got %d", s.ChunkSize)
	}
	switch s.Tokenizer {
	case "whitespace", "shell":
	default:
		return fmt.Errorf("unsupported server.tokenizer %q", s.Tokenizer)
	}
	switch s.Shutdown {
	case "abrupt", "drain":
	default:
		return fmt.Errorf("unsupported server.shutdown %q", s.Shutdown)
	}
	return nil
}
