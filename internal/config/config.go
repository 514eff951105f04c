// Package config loads metabuf configuration from layered JSONC files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tailscale/hujson"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/metabuf/pkg/blockdev"
	"github.com/calvinalkan/metabuf/pkg/bufcache"
)

// Error variables for configuration loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDeviceEmpty        = errors.New("device cannot be empty")
	ErrInvalidGeometry    = errors.New("invalid device geometry")
	ErrInvalidValue       = errors.New("invalid value")
	ErrUnknownErrno       = errors.New("unknown errno name")
)

// ConfigFileName is the project config file looked up in the working
// directory.
const ConfigFileName = ".metabuf.json"

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Device            string                  `json:"device"`
	DeviceSize        int64                   `json:"device_size"`
	SectorSize        int                     `json:"sector_size"`
	BlockSize         int                     `json:"block_size"`
	ShardBlocks       int64                   `json:"shard_blocks"`
	LRUWeight         int32                   `json:"lru_weight"`
	CompletionWorkers int                     `json:"completion_workers"`
	MaxSegments       int                     `json:"max_segments"`
	Transport         blockdev.QueueConfig    `json:"transport"`
	Alloc             AllocConfig             `json:"alloc"`
	Errors            map[string]PolicyConfig `json:"errors"`
	FailAtUnmount     bool                    `json:"fail_at_unmount"`
	Log               LogConfig               `json:"log"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd string `json:"-"`
	DeviceAbs    string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// AllocConfig bounds buffer memory.
type AllocConfig struct {
	// Limit caps allocated bytes; zero means unlimited.
	Limit    int64    `json:"limit"`
	PageSize int      `json:"page_size"`
	Retries  int      `json:"retries"`
	Backoff  Duration `json:"backoff"`
}

// PolicyConfig is the file form of [bufcache.RetryPolicy].
type PolicyConfig struct {
	MaxRetries   int      `json:"max_retries"`
	RetryTimeout Duration `json:"retry_timeout"`
}

// UnmarshalJSON fills unset limits with [Forever], so an entry naming only
// max_retries does not time out immediately.
func (p *PolicyConfig) UnmarshalJSON(data []byte) error {
	type plain PolicyConfig

	v := plain{MaxRetries: bufcache.RetryForever, RetryTimeout: Forever}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	err := dec.Decode(&v)
	if err != nil {
		return err
	}

	*p = PolicyConfig(v)

	return nil
}

// LogConfig selects the slog handler built by [Config.Logger].
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// DefaultPolicyKey names the policy for errors without their own entry.
const DefaultPolicyKey = "default"

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	forever := PolicyConfig{MaxRetries: bufcache.RetryForever, RetryTimeout: Forever}

	return Config{
		Device:            "metabuf.img",
		DeviceSize:        64 << 20,
		SectorSize:        blockdev.DefaultSectorSize,
		BlockSize:         bufcache.DefaultBlockSize,
		ShardBlocks:       bufcache.DefaultShardBlocks,
		LRUWeight:         bufcache.DefaultLRUWeight,
		CompletionWorkers: bufcache.DefaultCompletionWorkers,
		MaxSegments:       bufcache.DefaultMaxSegments,
		Transport:         blockdev.DefaultQueueConfig(),
		Alloc: AllocConfig{
			PageSize: 4096,
			Retries:  bufcache.DefaultAllocRetries,
			Backoff:  Duration(bufcache.DefaultAllocBackoff),
		},
		Errors: map[string]PolicyConfig{
			DefaultPolicyKey: forever,
			"EIO":            forever,
			"ENOSPC":         forever,
			"ENODEV":         {MaxRetries: 0, RetryTimeout: Forever},
		},
		FailAtUnmount: true,
		Log:           LogConfig{Level: "info", Format: "text"},
	}
}

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/metabuf/config.json if set, otherwise
// ~/.config/metabuf/config.json. Returns empty string if neither is known.
func getGlobalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "metabuf", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "metabuf", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Overrides         // values from global CLI flags
	Env             map[string]string // environment variables
}

// Overrides holds CLI flag values. Nil fields are not set.
type Overrides struct {
	Device    *string
	LogLevel  *string
	LogFormat *string
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/metabuf/config.json)
// 3. Project config file at default location (.metabuf.json, if exists)
// 4. Explicit config file via ConfigPath (replaces 3)
// 5. CLI overrides.
//
// Config files only override the keys they contain, so a file setting
// "max_retries": 0 is distinguished from one that does not mention it.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalPath := getGlobalConfigPath(input.Env)
	if globalPath != "" {
		loaded, err := applyConfigFile(&cfg, globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := filepath.Join(workDir, ConfigFileName), false

	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		_, statErr := os.Stat(projectPath)
		if statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	loaded, err := applyConfigFile(&cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	applyOverrides(&cfg, input.Overrides)

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.Device) {
		cfg.DeviceAbs = cfg.Device
	} else {
		cfg.DeviceAbs = filepath.Join(workDir, cfg.Device)
	}

	return cfg, nil
}

// applyConfigFile decodes the file at path onto cfg. If mustExist is false,
// a missing file leaves cfg untouched. Reports whether the file was loaded.
func applyConfigFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}

		if mustExist {
			return false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return false, nil
	}

	err = parseConfig(cfg, data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return true, nil
}

func parseConfig(cfg *Config, data []byte) error {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	// An explicit empty device would silently fall back to the default.
	var raw map[string]any

	err = json.Unmarshal(standardized, &raw)
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if val, exists := raw["device"]; exists {
		if str, ok := val.(string); ok && str == "" {
			return ErrDeviceEmpty
		}
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	err = dec.Decode(cfg)
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Device != nil {
		cfg.Device = *o.Device
	}

	if o.LogLevel != nil {
		cfg.Log.Level = *o.LogLevel
	}

	if o.LogFormat != nil {
		cfg.Log.Format = *o.LogFormat
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Device == "" {
		return ErrDeviceEmpty
	}

	if c.SectorSize <= 0 || c.BlockSize <= 0 || c.DeviceSize <= 0 {
		return fmt.Errorf("%w: sector_size, block_size and device_size must be positive", ErrInvalidGeometry)
	}

	if c.BlockSize%c.SectorSize != 0 {
		return fmt.Errorf("%w: block_size %d is not a multiple of sector_size %d",
			ErrInvalidGeometry, c.BlockSize, c.SectorSize)
	}

	if c.DeviceSize%int64(c.BlockSize) != 0 {
		return fmt.Errorf("%w: device_size %d is not a multiple of block_size %d",
			ErrInvalidGeometry, c.DeviceSize, c.BlockSize)
	}

	if c.Alloc.PageSize <= 0 || c.Alloc.PageSize%c.SectorSize != 0 {
		return fmt.Errorf("%w: alloc.page_size %d must be a positive multiple of sector_size",
			ErrInvalidValue, c.Alloc.PageSize)
	}

	if c.LRUWeight < 1 {
		return fmt.Errorf("%w: lru_weight must be at least 1", ErrInvalidValue)
	}

	for name, p := range c.Errors {
		if name != DefaultPolicyKey && errnoByName()[name] == 0 {
			return fmt.Errorf("%w: errors.%s", ErrUnknownErrno, name)
		}

		if p.MaxRetries < bufcache.RetryForever {
			return fmt.Errorf("%w: errors.%s.max_retries %d", ErrInvalidValue, name, p.MaxRetries)
		}
	}

	_, err := parseLevel(c.Log.Level)
	if err != nil {
		return err
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalidValue, c.Log.Format)
	}

	return nil
}

// errnoByName maps symbolic errno names such as "EIO" to their values on
// this platform.
var errnoByName = sync.OnceValue(func() map[string]syscall.Errno {
	names := make(map[string]syscall.Errno)

	for e := syscall.Errno(1); e < 4096; e++ {
		if name := unix.ErrnoName(e); name != "" {
			names[strings.ToUpper(name)] = e
		}
	}

	return names
})

// ErrorConfig converts the per-errno policies.
func (c Config) ErrorConfig() bufcache.ErrorConfig {
	ec := bufcache.ErrorConfig{
		Default:       bufcache.RetryPolicy{MaxRetries: bufcache.RetryForever, RetryTimeout: bufcache.RetryForever},
		ByErrno:       make(map[syscall.Errno]bufcache.RetryPolicy, len(c.Errors)),
		FailAtUnmount: c.FailAtUnmount,
	}

	for name, p := range c.Errors {
		policy := bufcache.RetryPolicy{MaxRetries: p.MaxRetries, RetryTimeout: time.Duration(p.RetryTimeout)}

		if name == DefaultPolicyKey {
			ec.Default = policy

			continue
		}

		ec.ByErrno[errnoByName()[name]] = policy
	}

	return ec
}

// CacheOptions converts the configuration to [bufcache.Options]. Allocator,
// shutdown signal and logger are left for the caller to wire.
func (c Config) CacheOptions() bufcache.Options {
	errs := c.ErrorConfig()

	return bufcache.Options{
		BlockSize:         c.BlockSize,
		ShardBlocks:       c.ShardBlocks,
		LRUWeight:         c.LRUWeight,
		CompletionWorkers: c.CompletionWorkers,
		MaxSegments:       c.MaxSegments,
		Allocator:         bufcache.NewHeapAllocatorPageSize(c.Alloc.Limit, c.Alloc.PageSize),
		AllocRetries:      c.Alloc.Retries,
		AllocBackoff:      time.Duration(c.Alloc.Backoff),
		Errors:            &errs,
	}
}

// Logger builds the slog logger described by the log section.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}

	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(strings.ToUpper(s)))
	if err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidValue, s)
	}

	return level, nil
}

// Format returns the config as formatted JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
