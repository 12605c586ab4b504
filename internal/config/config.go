package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/deployr/internal/logger"
)

// EnvPrefix is the prefix of environment overrides, e.g. DEPLOYR_PLATFORM_URL.
const EnvPrefix = "DEPLOYR"

// Config is the whole agent configuration. It is loaded once per invocation
// and passed by value into every component.
type Config struct {
	Paths    PathsConfig    `toml:"paths" mapstructure:"paths"`
	Download DownloadConfig `toml:"download" mapstructure:"download"`
	Platform PlatformConfig `toml:"platform" mapstructure:"platform"`
	Runtime  RuntimeConfig  `toml:"runtime" mapstructure:"runtime"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

type PathsConfig struct {
	CacheRoot      string `toml:"cache_root" mapstructure:"cache_root"`
	ProdRoot       string `toml:"prod_root" mapstructure:"prod_root"`
	DescriptorFile string `toml:"descriptor_file" mapstructure:"descriptor_file"`
	LogDir         string `toml:"log_dir" mapstructure:"log_dir"`
}

type DownloadConfig struct {
	// StateDSN selects the resume-state store: a sqlite path or a postgres URL.
	StateDSN  string        `toml:"state_dsn" mapstructure:"state_dsn"`
	Timeout   time.Duration `toml:"timeout" mapstructure:"timeout"`
	UserAgent string        `toml:"user_agent" mapstructure:"user_agent"`
}

type PlatformConfig struct {
	URL      string        `toml:"url" mapstructure:"url"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
	CACert   string        `toml:"ca_cert" mapstructure:"ca_cert"`
	Insecure bool          `toml:"insecure" mapstructure:"insecure"`
}

type RuntimeConfig struct {
	DirPrefix string   `toml:"dir_prefix" mapstructure:"dir_prefix"`
	JavaBin   string   `toml:"java_bin" mapstructure:"java_bin"`
	JavaOpts  []string `toml:"java_opts" mapstructure:"java_opts"`
	// Env and EnvFiles feed the launched application; Env wins.
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	// Textfile is a node-exporter textfile written at the end of each run.
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

// Logger converts the [log] section.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      l.Level,
			Format:     l.Format,
			Color:      l.Color,
			TimeStamps: l.TimeStamps,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.cache_root", "apps")
	v.SetDefault("paths.prod_root", "prod")
	v.SetDefault("paths.descriptor_file", "installer_config.toml")
	v.SetDefault("paths.log_dir", "logs")

	v.SetDefault("download.state_dsn", "download_state.db")
	v.SetDefault("download.timeout", time.Duration(0))
	v.SetDefault("download.user_agent", "deployr")

	v.SetDefault("platform.url", "https://www.blocklang.com")
	v.SetDefault("platform.timeout", 30*time.Second)
	v.SetDefault("platform.ca_cert", "")
	v.SetDefault("platform.insecure", false)

	v.SetDefault("runtime.dir_prefix", "jdk-")
	v.SetDefault("runtime.java_bin", "")
	v.SetDefault("runtime.java_opts", []string{})
	v.SetDefault("runtime.env", []string{})
	v.SetDefault("runtime.env_files", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("metrics.textfile", "")
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return c
}

// Load reads the optional TOML file at path, applies DEPLOYR_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no component can work with. Errors name the key.
func (c *Config) Validate() error {
	var errs []error
	for key, val := range map[string]string{
		"paths.cache_root":      c.Paths.CacheRoot,
		"paths.prod_root":       c.Paths.ProdRoot,
		"paths.descriptor_file": c.Paths.DescriptorFile,
		"paths.log_dir":         c.Paths.LogDir,
		"download.state_dsn":    c.Download.StateDSN,
		"runtime.dir_prefix":    c.Runtime.DirPrefix,
	} {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		}
	}
	if strings.ContainsAny(c.Runtime.DirPrefix, `/\`) {
		errs = append(errs, fmt.Errorf("runtime.dir_prefix %q must not contain a path separator", c.Runtime.DirPrefix))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Download.Timeout < 0 {
		errs = append(errs, errors.New("download.timeout must not be negative"))
	}
	if c.Platform.Timeout < 0 {
		errs = append(errs, errors.New("platform.timeout must not be negative"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.dsns must list at least one sink when history.enabled is set"))
	}
	return errors.Join(errs...)
}

// RuntimeEnv merges the env files in order and then the explicit env list
// into "K=V" entries for the launched application.
func (c *Config) RuntimeEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.Runtime.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				set(kv[:i], kv[i+1:])
			}
		}
	}
	for _, kv := range c.Runtime.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes) in file order. Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
