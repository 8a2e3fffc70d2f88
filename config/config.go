// Package config handles daemon configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/fotoq/derive"
)

// Config is the top-level daemon configuration.
type Config struct {
	DBPath    string `yaml:"db_path"`
	ObsDBPath string `yaml:"obs_db_path"` // empty shares db_path
	TasksFile string `yaml:"tasks_file"`

	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Pool        PoolConfig         `yaml:"pool"`
	Derivatives []DerivativeConfig `yaml:"derivatives"`
	Admin       AdminConfig        `yaml:"admin"`
	AMQP        AMQPConfig         `yaml:"amqp"`

	RetentionDays     int           `yaml:"retention_days"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// SchedulerConfig tunes the polling scheduler.
type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	PrioritySlots      int           `yaml:"priority_slots"`
	NormalSlots        int           `yaml:"normal_slots"`
	PriorityThreshold  int           `yaml:"priority_threshold"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
}

// PoolConfig tunes the image worker pool.
type PoolConfig struct {
	Workers         int           `yaml:"workers"` // 0 = NumCPU
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DerivativeConfig describes one variant produced per photo.
type DerivativeConfig struct {
	Kind      string `yaml:"kind"`
	MaxWidth  int    `yaml:"max_width"`
	MaxHeight int    `yaml:"max_height"`
	Quality   int    `yaml:"quality"`
	Format    string `yaml:"format"` // jpeg | png
}

// AdminConfig controls the read-only HTTP server.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// AMQPConfig enables the event broker sink when a URL is set.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse unmarshals configuration bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "fotoq.db"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8642"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 500 * time.Millisecond
	}
	if c.Scheduler.PrioritySlots <= 0 {
		c.Scheduler.PrioritySlots = 1
	}
	if c.Scheduler.NormalSlots == 0 {
		c.Scheduler.NormalSlots = 4
	}
	if c.Scheduler.PriorityThreshold <= 0 {
		c.Scheduler.PriorityThreshold = 100
	}
	if c.Scheduler.StaleAfter <= 0 {
		c.Scheduler.StaleAfter = 60 * time.Second
	}
	if c.Scheduler.DefaultMaxAttempts <= 0 {
		c.Scheduler.DefaultMaxAttempts = 3
	}
	if c.Pool.IdleTimeout <= 0 {
		c.Pool.IdleTimeout = 60 * time.Second
	}
	if c.Pool.ShutdownTimeout <= 0 {
		c.Pool.ShutdownTimeout = 30 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	for i := range c.Derivatives {
		if c.Derivatives[i].Quality <= 0 {
			c.Derivatives[i].Quality = 85
		}
		if c.Derivatives[i].Format == "" {
			c.Derivatives[i].Format = "jpeg"
		}
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for _, d := range c.Derivatives {
		if d.Kind == "" {
			return fmt.Errorf("config: derivative without kind")
		}
		if seen[d.Kind] {
			return fmt.Errorf("config: duplicate derivative kind %q", d.Kind)
		}
		seen[d.Kind] = true
		if d.MaxWidth <= 0 || d.MaxHeight <= 0 {
			return fmt.Errorf("config: derivative %q needs max_width and max_height", d.Kind)
		}
		switch d.Format {
		case "jpeg", "png":
		default:
			return fmt.Errorf("config: derivative %q has unsupported format %q", d.Kind, d.Format)
		}
	}
	return nil
}

// DeriveSpecs converts the configured derivatives to pool spec templates.
func (c *Config) DeriveSpecs() []derive.Spec {
	specs := make([]derive.Spec, 0, len(c.Derivatives))
	for _, d := range c.Derivatives {
		ext := ".jpg"
		if d.Format == "png" {
			ext = ".png"
		}
		specs = append(specs, derive.Spec{
			Kind:      d.Kind,
			MaxWidth:  d.MaxWidth,
			MaxHeight: d.MaxHeight,
			Quality:   d.Quality,
			Output:    ext,
		})
	}
	return specs
}
