// Package config loads the orchestrator configuration from a YAML file
// and ROBORUN_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roborun/roborun/internal/engine"
)

// Config is the full orchestrator configuration.
type Config struct {
	Listen      string   `mapstructure:"listen" yaml:"listen"`
	DBPath      string   `mapstructure:"db_path" yaml:"db_path"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
	Verbose     bool     `mapstructure:"verbose" yaml:"verbose"`

	Engine struct {
		Workers        int           `mapstructure:"workers" yaml:"workers"`
		QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
		DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
		GraceTimeout   time.Duration `mapstructure:"grace_timeout" yaml:"grace_timeout"`
		WorkDir        string        `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
		RecentRuns     int           `mapstructure:"recent_runs" yaml:"recent_runs"`
	} `mapstructure:"engine" yaml:"engine"`

	Runner struct {
		Path string   `mapstructure:"path" yaml:"path"`
		Args []string `mapstructure:"args" yaml:"args"`
	} `mapstructure:"runner" yaml:"runner"`

	Schedules []engine.Schedule `mapstructure:"schedules" yaml:"schedules,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	var c Config
	c.Listen = "127.0.0.1:8077"
	c.DBPath = "roborun.db"
	c.Engine.Workers = 2
	c.Engine.QueueSize = 64
	c.Engine.DefaultTimeout = 30 * time.Minute
	c.Engine.GraceTimeout = 5 * time.Second
	c.Engine.RecentRuns = 256
	c.Runner.Path = "python"
	c.Runner.Args = []string{"-m", "robot"}
	return c
}

// Load reads the configuration from path. Environment variables with the
// ROBORUN_ prefix override file values, e.g. ROBORUN_LISTEN or
// ROBORUN_ENGINE_WORKERS.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("roborun")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("engine.workers", def.Engine.Workers)
	v.SetDefault("engine.queue_size", def.Engine.QueueSize)
	v.SetDefault("engine.default_timeout", def.Engine.DefaultTimeout)
	v.SetDefault("engine.grace_timeout", def.Engine.GraceTimeout)
	v.SetDefault("engine.recent_runs", def.Engine.RecentRuns)
	v.SetDefault("runner.path", def.Runner.Path)
	v.SetDefault("runner.args", def.Runner.Args)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// WriteDefault stores the default configuration at path, creating parent
// directories as needed.
func WriteDefault(path string) (Config, error) {
	c := Default()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Config{}, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return Config{}, fmt.Errorf("storing configuration: %w", err)
	}
	return c, enc.Close()
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1")
	}
	if c.Runner.Path == "" {
		return fmt.Errorf("runner.path must not be empty")
	}
	for _, s := range c.Schedules {
		if s.Scenario == "" {
			return fmt.Errorf("schedule is missing a scenario name")
		}
		if s.Cron == "" && s.Every <= 0 {
			return fmt.Errorf("schedule for %q needs cron or every", s.Scenario)
		}
		if s.Cron != "" {
			if err := engine.ParseCron(s.Cron); err != nil {
				return fmt.Errorf("schedule for %q: %w", s.Scenario, err)
			}
		}
	}
	return nil
}

// EngineConfig converts the loaded settings into the engine's view.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Workers:        c.Engine.Workers,
		QueueSize:      c.Engine.QueueSize,
		DefaultTimeout: c.Engine.DefaultTimeout,
		GraceTimeout:   c.Engine.GraceTimeout,
		RunnerPath:     c.Runner.Path,
		RunnerArgs:     c.Runner.Args,
		WorkDir:        c.Engine.WorkDir,
		RecentRuns:     c.Engine.RecentRuns,
		Schedules:      c.Schedules,
	}
}
