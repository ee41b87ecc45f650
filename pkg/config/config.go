// Package config loads the VFS core's configuration knobs (SPEC_FULL.md
// §6): thread counts, timeouts, cache limits, and the set of backend
// modules to mount, in the teacher's own precedence chain — CLI flags,
// then environment variables, then a config file, then defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/chimera-nas/vfscore/internal/bytesize"
)

// EnvPrefix is the prefix environment-variable overrides use, e.g.
// CHIMERA_CORE_THREADS.
const EnvPrefix = "CHIMERA"

// ModuleConfig describes one backend module to mount. Path is retained for
// wire-compatibility with the original ABI's dynamic-library path even
// though this implementation binds modules statically at compile time
// (SPEC_FULL.md §6).
type ModuleConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Tag    int    `mapstructure:"tag" yaml:"tag"`
	Path   string `mapstructure:"path" yaml:"path"`
	Mount  string `mapstructure:"mount" yaml:"mount"`
	Config map[string]any `mapstructure:"config" yaml:"config"`
}

// Config is the VFS core's top-level configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	CoreThreads       int           `mapstructure:"core_threads" yaml:"core_threads"`
	DelegationThreads int           `mapstructure:"delegation_threads" yaml:"delegation_threads"`
	DelegationQueue   int           `mapstructure:"delegation_queue" yaml:"delegation_queue"`
	WatchdogPeriod    time.Duration `mapstructure:"watchdog_period" yaml:"watchdog_period"`
	IdleCloseTimeout  time.Duration `mapstructure:"idle_close_timeout" yaml:"idle_close_timeout"`
	MaxOpenFiles      int           `mapstructure:"max_open_files" yaml:"max_open_files"`
	UserCacheTTL      time.Duration `mapstructure:"user_cache_ttl" yaml:"user_cache_ttl"`

	// MaxCacheSize is an alternate byte-size expression of a cache
	// budget, parsed with the teacher's bytesize helper (e.g. "256MiB").
	MaxCacheSize string `mapstructure:"max_cache_size" yaml:"max_cache_size"`

	Modules []ModuleConfig `mapstructure:"modules" yaml:"modules"`
}

// LoggingConfig mirrors internal/logger.Config's fields for file-based
// configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MaxCacheSizeBytes parses MaxCacheSize with the teacher's human-readable
// byte-size parser, defaulting to 0 (unlimited) if unset or invalid.
func (c Config) MaxCacheSizeBytes() uint64 {
	if c.MaxCacheSize == "" {
		return 0
	}
	n, err := bytesize.ParseByteSize(c.MaxCacheSize)
	if err != nil {
		return 0
	}
	return n.Uint64()
}

// Load reads configuration from defaults, file (if non-empty), and
// environment variables prefixed with EnvPrefix; environment variables
// override the file, which overrides the defaults. Flags would win over all
// of this, were this package given a *pflag.FlagSet to bind (left to the
// caller, since this repository has no cmd/ entrypoint of its own).
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", file, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
