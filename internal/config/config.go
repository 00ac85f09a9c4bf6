// Package config reads labwarden settings from the environment and the lab
// catalog from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	DriverBolt  = "bolt"
	DriverMySQL = "mysql"
)

type HTTP struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Registry struct {
	Driver   string
	BoltPath string
	MySQLDSN string
}

type Labs struct {
	Host           string
	Scheme         string
	PortRangeStart int
	PortRangeEnd   int
	TTL            time.Duration
	StopTimeout    time.Duration
	Network        string
	NamePrefix     string
	CatalogPath    string
	SweepInterval  time.Duration
}

type Config struct {
	HTTP     HTTP
	Registry Registry
	Labs     Labs
}

// FromEnv reads the configuration from the environment. A variable that is
// set but cannot be parsed is an error, as is a configuration that fails
// Validate.
func FromEnv() (Config, error) {
	env := &envReader{}

	// WriteTimeout covers a first start, which may build an image
	http := HTTP{
		Addr:            env.getEnv("LABWARDEN_HTTP_ADDR", ":8080"),
		ReadTimeout:     env.getDuration("LABWARDEN_HTTP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    env.getDuration("LABWARDEN_HTTP_WRITE_TIMEOUT", 10*time.Minute),
		ShutdownTimeout: env.getDuration("LABWARDEN_HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	registry := Registry{
		Driver:   env.getEnv("LABWARDEN_REGISTRY_DRIVER", DriverBolt),
		BoltPath: env.getEnv("LABWARDEN_BOLT_PATH", "./labwarden.db"),
		MySQLDSN: env.getEnv("LABWARDEN_MYSQL_DSN", ""),
	}

	labs := Labs{
		Host:           env.getEnv("LAB_HOST", "localhost"),
		Scheme:         env.getEnv("LAB_SCHEME", "http"),
		PortRangeStart: env.getInt("LAB_PORT_RANGE_START", 10000),
		PortRangeEnd:   env.getInt("LAB_PORT_RANGE_END", 20000),
		TTL:            env.getDuration("LAB_TTL", 2*time.Hour),
		StopTimeout:    env.getDuration("LAB_STOP_TIMEOUT", 5*time.Second),
		Network:        env.getEnv("LAB_NETWORK", "labwarden-labs"),
		NamePrefix:     env.getEnv("LAB_NAME_PREFIX", "labwarden-lab"),
		CatalogPath:    env.getEnv("LAB_CATALOG", "labs.yaml"),
		SweepInterval:  env.getDuration("SWEEP_INTERVAL", time.Minute),
	}

	if err := env.errs.ErrorOrNil(); err != nil {
		return Config{}, err
	}

	cfg := Config{HTTP: http, Registry: registry, Labs: labs}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Registry.Driver {
	case DriverBolt:
		if c.Registry.BoltPath == "" {
			return fmt.Errorf("LABWARDEN_BOLT_PATH must be set for the bolt registry")
		}
	case DriverMySQL:
		if c.Registry.MySQLDSN == "" {
			return fmt.Errorf("LABWARDEN_MYSQL_DSN must be set for the mysql registry")
		}
	default:
		return fmt.Errorf("unknown registry driver %q", c.Registry.Driver)
	}

	l := c.Labs
	if l.PortRangeStart <= 0 || l.PortRangeEnd > 65536 || l.PortRangeStart >= l.PortRangeEnd {
		return fmt.Errorf("invalid lab port range [%d, %d)", l.PortRangeStart, l.PortRangeEnd)
	}
	if l.TTL <= 0 {
		return fmt.Errorf("invalid lab ttl: %s", l.TTL)
	}
	if l.StopTimeout < 0 {
		return fmt.Errorf("invalid stop timeout: %s", l.StopTimeout)
	}
	if l.SweepInterval <= 0 {
		return fmt.Errorf("invalid sweep interval: %s", l.SweepInterval)
	}
	if l.Host == "" || l.NamePrefix == "" {
		return fmt.Errorf("LAB_HOST and LAB_NAME_PREFIX must not be empty")
	}
	return nil
}

// envReader collects every malformed variable so they are reported together.
type envReader struct {
	errs *multierror.Error
}

func (r *envReader) getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func (r *envReader) getInt(key string, fallback int) int {
	value := r.getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.errs = multierror.Append(r.errs, fmt.Errorf("invalid %s %q: expected an integer", key, value))
		return fallback
	}
	return n
}

func (r *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	value := r.getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = multierror.Append(r.errs, fmt.Errorf("invalid %s %q: expected a duration such as 90s or 2h", key, value))
		return fallback
	}
	return d
}
