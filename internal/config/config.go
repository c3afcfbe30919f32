package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "modhost"

	// FileName is the config file name.
	FileName = "modhost.toml"

	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "MODHOST"
)

// Errors returned by configuration operations.
var (
	// ErrFileNotFound indicates an explicit config file doesn't exist.
	ErrFileNotFound = errors.New("config file not found")

	// ErrFileExists indicates WriteDefault would overwrite a file.
	ErrFileExists = errors.New("config file already exists")

	// ErrInvalidConfig indicates a value failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ParseError represents an error while reading a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Config is the complete host configuration.
type Config struct {
	Host       HostConfig       `mapstructure:"host" json:"host" yaml:"host"`
	Packages   PackagesConfig   `mapstructure:"packages" json:"packages" yaml:"packages"`
	State      StateConfig      `mapstructure:"state" json:"state" yaml:"state"`
	Repository RepositoryConfig `mapstructure:"repository" json:"repository" yaml:"repository"`
	Loop       LoopConfig       `mapstructure:"loop" json:"loop" yaml:"loop"`
	Log        LogConfig        `mapstructure:"log" json:"log" yaml:"log"`
	Lua        LuaConfig        `mapstructure:"lua" json:"lua" yaml:"lua"`
	Wasm       WasmConfig       `mapstructure:"wasm" json:"wasm" yaml:"wasm"`
}

// HostConfig identifies the host application.
type HostConfig struct {
	// Namespace is the host's namespace in dependency declarations.
	Namespace string `mapstructure:"namespace" json:"namespace" yaml:"namespace"`

	// Version is the host version. "0.0.0" marks a development build.
	Version string `mapstructure:"version" json:"version" yaml:"version"`

	// Debug re-panics unobserved module faults.
	Debug bool `mapstructure:"debug" json:"debug" yaml:"debug"`
}

// PackagesConfig locates installed packages.
type PackagesConfig struct {
	// Dir holds unpacked package directories and .zip archives.
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`

	// Watch rescans Dir when it changes.
	Watch bool `mapstructure:"watch" json:"watch" yaml:"watch"`
}

// StateConfig locates persisted state.
type StateConfig struct {
	// Path is the JSON state document.
	Path string `mapstructure:"path" json:"path" yaml:"path"`

	// DataDir holds modules' declared directories.
	DataDir string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// RepositoryConfig configures the package repository client.
type RepositoryConfig struct {
	// IndexURLs are the package indexes to poll.
	IndexURLs []string `mapstructure:"index_urls" json:"index_urls" yaml:"index_urls"`

	// PollInterval is the time between background polls. Zero disables
	// background polling.
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`

	// KeyringService names the keyring holding the bearer token.
	KeyringService string `mapstructure:"keyring_service" json:"keyring_service" yaml:"keyring_service"`
}

// LoopConfig configures the main loop.
type LoopConfig struct {
	// TickRate is the number of frames per second.
	TickRate int `mapstructure:"tick_rate" json:"tick_rate" yaml:"tick_rate"`
}

// TickInterval returns the duration of one frame.
func (l LoopConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(l.TickRate)
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// LuaConfig configures the Lua runtime.
type LuaConfig struct {
	// CallTimeout bounds each module hook call.
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout" yaml:"call_timeout"`
}

// WasmConfig configures the WebAssembly runtime.
type WasmConfig struct {
	// CallTimeout bounds the initialize, update and unload exports.
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout" yaml:"call_timeout"`
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an explicit config file. It must exist.
	Path string

	// Dir overrides the configuration directory used for defaults and
	// for the config file search.
	Dir string
}

// Dir returns the default configuration directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// Defaults returns every key's default value, rooted at dir.
func Defaults(dir string) map[string]any {
	return map[string]any{
		"host.namespace":             "modhost.core",
		"host.version":               "1.0.0",
		"host.debug":                 false,
		"packages.dir":               filepath.Join(dir, "packages"),
		"packages.watch":             true,
		"state.path":                 filepath.Join(dir, "state.json"),
		"state.data_dir":             filepath.Join(dir, "data"),
		"repository.index_urls":      []string{},
		"repository.poll_interval":   "1h",
		"repository.keyring_service": AppName,
		"loop.tick_rate":             60,
		"log.level":                  "info",
		"log.format":                 "text",
		"lua.call_timeout":           "5s",
		"wasm.call_timeout":          "5s",
	}
}

// Load reads configuration. It returns the config and the file it was
// read from, which is empty when only defaults and environment applied.
func Load(opts LoadOptions) (*Config, string, error) {
	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = Dir(); err != nil {
			return nil, "", err
		}
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range Defaults(dir) {
		v.SetDefault(key, value)
	}

	path := opts.Path
	if path != "" {
		if !fileExists(path) {
			return nil, "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
	} else {
		for _, candidate := range []string{filepath.Join(dir, FileName), FileName} {
			if fileExists(candidate) {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", &ParseError{Path: path, Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host.Namespace) == "" {
		errs = append(errs, fmt.Errorf("%w: host.namespace is empty", ErrInvalidConfig))
	}
	if _, err := semver.NewVersion(c.Host.Version); err != nil {
		errs = append(errs, fmt.Errorf("%w: host.version %q: %v", ErrInvalidConfig, c.Host.Version, err))
	}
	if c.Packages.Dir == "" {
		errs = append(errs, fmt.Errorf("%w: packages.dir is empty", ErrInvalidConfig))
	}
	if c.State.Path == "" {
		errs = append(errs, fmt.Errorf("%w: state.path is empty", ErrInvalidConfig))
	}
	if c.Loop.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: loop.tick_rate must be positive", ErrInvalidConfig))
	}
	if c.Repository.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("%w: repository.poll_interval is negative", ErrInvalidConfig))
	}
	if c.Lua.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: lua.call_timeout is negative", ErrInvalidConfig))
	}
	if c.Wasm.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: wasm.call_timeout is negative", ErrInvalidConfig))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalidConfig, c.Log.Format))
	}
	return errors.Join(errs...)
}

// WriteDefault writes every default to path as TOML. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path, dir string, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("%w: %s", ErrFileExists, path)
	}

	data, err := toml.Marshal(nest(Defaults(dir)))
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// nest turns dotted keys into nested tables.
func nest(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		table := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := table[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				table[p] = next
			}
			table = next
		}
		table[parts[len(parts)-1]] = flat[k]
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
