// Package config loads the port configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// DefaultRetry is the reconnect interval used when retry is not configured.
const DefaultRetry = 10 * time.Second

// Drivers accepted in db.driver.
var Drivers = []string{"postgres", "sqlserver", "sqlite"}

// Config holds the configuration of one port.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	ID       string `yaml:"id" env:"SQLPORT_ID" env-default:"sqlport"`
	LogLevel string `yaml:"log_level" env:"SQLPORT_LOG_LEVEL" env-default:"info"`

	// Retry is the interval between reconnect attempts. Nil means DefaultRetry,
	// zero makes a failed connect fatal.
	Retry *Interval `yaml:"retry"`

	// Debug attaches routine, input and trace details to call errors.
	Debug bool `yaml:"debug" env:"SQLPORT_DEBUG"`

	DB     DatabaseConfig `yaml:"db"`
	Create CreateConfig   `yaml:"create"`

	Schema  Locations            `yaml:"schema"`
	Imports []string             `yaml:"imports"`
	Modules map[string]Locations `yaml:"modules"`

	CreateTT      bool            `yaml:"createTT"`
	TableToType   map[string]bool `yaml:"tableToType"`
	ParamsOutName string          `yaml:"paramsOutName" env-default:"out"`
	LinkSP        bool            `yaml:"linkSP"`

	// Aliases maps a method namespace to the namespace routines are bound under.
	Aliases map[string]string `yaml:"aliases"`
	// Errors maps a database error code (or dotted prefix) to an error kind.
	Errors map[string]string `yaml:"errors"`
}

// DatabaseConfig holds the connection settings of the target database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"SQLPORT_DB_DRIVER" env-default:"postgres"`
	Host     string `yaml:"host" env:"SQLPORT_DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"SQLPORT_DB_PORT"`
	User     string `yaml:"user" env:"SQLPORT_DB_USER"`
	Password string `yaml:"-" env:"SQLPORT_DB_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"SQLPORT_DB_DATABASE"`
	SSLMode  string `yaml:"ssl_mode" env:"SQLPORT_DB_SSL_MODE"`
	// DSN replaces the individual settings when set (file path for sqlite).
	DSN                    string `yaml:"dsn" env:"SQLPORT_DB_DSN"`
	Encrypt                bool   `yaml:"encrypt" env:"SQLPORT_DB_ENCRYPT"`
	TrustServerCertificate bool   `yaml:"trust_server_certificate" env:"SQLPORT_DB_TRUST_SERVER_CERTIFICATE"`
}

// CreateConfig holds the credentials used to create the database and its login
// before connecting. Creation is skipped when User is empty.
type CreateConfig struct {
	User     string `yaml:"user" env:"SQLPORT_CREATE_USER"`
	Password string `yaml:"-" env:"SQLPORT_CREATE_PASSWORD"` // Secret - not in YAML
}

// Enabled reports whether database creation was requested.
func (c CreateConfig) Enabled() bool {
	return c.User != ""
}

// Interval is a duration written either as a Go duration ("10s") or as an
// integer number of milliseconds.
type Interval time.Duration

// UnmarshalYAML decodes "retry: 10s" and "retry: 10000".
func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", node.Line)
	}
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*i = Interval(time.Duration(ms) * time.Millisecond)
		return nil
	}
	d, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*i = Interval(d)
	return nil
}

// Location is one directory of object files.
type Location struct {
	Path string `yaml:"path"`
	// LinkSP binds every routine defined in this directory.
	LinkSP bool `yaml:"linkSP"`
}

// Locations accepts either a single path or a list of locations.
type Locations []Location

// UnmarshalYAML decodes "schema: ./db", "schema: {path: ./db}" and
// "schema: [./a, {path: ./b, linkSP: true}]".
func (l *Locations) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var path string
		if err := node.Decode(&path); err != nil {
			return err
		}
		if path == "" {
			*l = nil
			return nil
		}
		*l = Locations{{Path: path}}
	case yaml.MappingNode:
		var loc Location
		if err := node.Decode(&loc); err != nil {
			return err
		}
		*l = Locations{loc}
	case yaml.SequenceNode:
		out := make(Locations, 0, len(node.Content))
		for _, item := range node.Content {
			var one Locations
			if err := one.UnmarshalYAML(item); err != nil {
				return err
			}
			out = append(out, one...)
		}
		*l = out
	default:
		return fmt.Errorf("line %d: schema must be a path or a list of locations", node.Line)
	}
	return nil
}

// Load reads configuration from path with environment variable overrides.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if !slices.Contains(Drivers, c.DB.Driver) {
		return fmt.Errorf("unsupported db.driver %q (want one of %s)", c.DB.Driver, strings.Join(Drivers, ", "))
	}
	if c.DB.Database == "" && c.DB.DSN == "" {
		return fmt.Errorf("db.database or db.dsn is required")
	}
	if c.Retry != nil && *c.Retry < 0 {
		return fmt.Errorf("retry must not be negative")
	}
	for i, loc := range c.Locations() {
		if loc.Path == "" {
			return fmt.Errorf("schema location %d has no path", i)
		}
	}
	return nil
}

// RetryInterval returns the reconnect interval, DefaultRetry when unset.
func (c *Config) RetryInterval() time.Duration {
	if c.Retry == nil {
		return DefaultRetry
	}
	return time.Duration(*c.Retry)
}

// OutName returns the key output parameters are returned under.
func (c *Config) OutName() string {
	if c.ParamsOutName == "" {
		return "out"
	}
	return c.ParamsOutName
}

// Locations returns the configured schema locations followed by the ones
// contributed by imported modules ("<import>.schema").
func (c *Config) Locations() Locations {
	locs := slices.Clone(c.Schema)
	for _, name := range c.Imports {
		locs = append(locs, c.Modules[name+".schema"]...)
	}
	return locs
}

// TableType reports whether bulk table types should be derived for a table.
// Per-table settings (by object id or bare name) override CreateTT.
func (c *Config) TableType(id, name string) bool {
	if v, ok := c.TableToType[strings.ToLower(id)]; ok {
		return v
	}
	if v, ok := c.TableToType[id]; ok {
		return v
	}
	if v, ok := c.TableToType[name]; ok {
		return v
	}
	return c.CreateTT
}
