package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(dir string) Config {
	return Config{
		Host: HostConfig{Namespace: "modhost.core", Version: "1.0.0"},
		Packages: PackagesConfig{
			Dir:   filepath.Join(dir, "packages"),
			Watch: true,
		},
		State: StateConfig{
			Path:    filepath.Join(dir, "state.json"),
			DataDir: filepath.Join(dir, "data"),
		},
		Repository: RepositoryConfig{
			IndexURLs:      []string{},
			PollInterval:   time.Hour,
			KeyringService: "modhost",
		},
		Loop: LoopConfig{TickRate: 60},
		Log:  LogConfig{Level: "info", Format: "text"},
		Lua:  LuaConfig{CallTimeout: 5 * time.Second},
		Wasm: WasmConfig{CallTimeout: 5 * time.Second},
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(t.TempDir())

	cfg, path, err := Load(LoadOptions{Dir: dir})
	require.NoError(t, err)
	assert.Empty(t, path)

	if diff := cmp.Diff(defaultConfig(dir), *cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[host]
namespace = "bh.core"
version = "2.3.1"
debug = true

[repository]
index_urls = ["https://a.example.com/index.json", "https://b.example.com/index.json"]
poll_interval = "30m"

[loop]
tick_rate = 30

[log]
level = "debug"
format = "json"
`)

	cfg, used, err := Load(LoadOptions{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, path, used)

	want := defaultConfig(dir)
	want.Host = HostConfig{Namespace: "bh.core", Version: "2.3.1", Debug: true}
	want.Repository.IndexURLs = []string{"https://a.example.com/index.json", "https://b.example.com/index.json"}
	want.Repository.PollInterval = 30 * time.Minute
	want.Loop.TickRate = 30
	want.Log = LogConfig{Level: "debug", Format: "json"}

	if diff := cmp.Diff(want, *cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, time.Second/30, cfg.Loop.TickInterval())
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[log]\nlevel = \"warn\"\n")

	t.Setenv("MODHOST_LOG_LEVEL", "error")
	t.Setenv("MODHOST_PACKAGES_WATCH", "false")
	t.Setenv("MODHOST_LUA_CALL_TIMEOUT", "250ms")

	cfg, _, err := Load(LoadOptions{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.False(t, cfg.Packages.Watch)
	assert.Equal(t, 250*time.Millisecond, cfg.Lua.CallTimeout)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(other, []byte("[host]\nversion = \"0.0.0\"\n"), 0o644))

	cfg, used, err := Load(LoadOptions{Dir: dir, Path: other})
	require.NoError(t, err)
	assert.Equal(t, other, used)
	assert.Equal(t, "0.0.0", cfg.Host.Version)

	_, _, err = Load(LoadOptions{Dir: dir, Path: filepath.Join(dir, "missing.toml")})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[host\nversion = ")

	_, _, err := Load(LoadOptions{Dir: dir})
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, path, pe.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty namespace", func(c *Config) { c.Host.Namespace = " " }, "host.namespace"},
		{"bad version", func(c *Config) { c.Host.Version = "one" }, "host.version"},
		{"no packages dir", func(c *Config) { c.Packages.Dir = "" }, "packages.dir"},
		{"no state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"zero tick rate", func(c *Config) { c.Loop.TickRate = 0 }, "loop.tick_rate"},
		{"negative poll", func(c *Config) { c.Repository.PollInterval = -time.Second }, "repository.poll_interval"},
		{"negative timeout", func(c *Config) { c.Lua.CallTimeout = -time.Second }, "lua.call_timeout"},
		{"negative wasm timeout", func(c *Config) { c.Wasm.CallTimeout = -time.Second }, "wasm.call_timeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t.TempDir())
			require.NoError(t, cfg.Validate())

			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", FileName)

	require.NoError(t, WriteDefault(path, dir, false))
	assert.ErrorIs(t, WriteDefault(path, dir, false), ErrFileExists)
	require.NoError(t, WriteDefault(path, dir, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[repository]")
	assert.Contains(t, string(data), "tick_rate = 60")

	cfg, used, err := Load(LoadOptions{Dir: dir, Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, used)
	if diff := cmp.Diff(defaultConfig(dir), *cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestNest(t *testing.T) {
	got := nest(map[string]any{"a.b.c": 1, "a.d": 2, "e": 3})
	want := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1}, "d": 2},
		"e": 3,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("nest mismatch (-want +got):\n%s", diff)
	}
}
