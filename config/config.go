// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config defines the settings of an RPC server.
//
// Settings are resolved in order from defaults, an optional YAML file, and
// environment variables with the prefix CABLERPC_. Each later source
// overrides the earlier ones. Programs may apply command-line overrides
// last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/wsrpc"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override settings.
const EnvPrefix = "CABLERPC_"

// Default values.
const (
	DefaultHost     = "127.0.0.1:50051"
	DefaultPoolSize = 30
	DefaultLogLevel = "INFO"
	DefaultHTTPPath = "/_anycable"
)

// Config is the complete set of server settings.
type Config struct {
	// Host is the listen address of the gRPC and HTTP servers.
	Host string `yaml:"host"`

	// PoolSize bounds the number of calls executed concurrently.
	PoolSize int `yaml:"pool_size"`

	// Version is the protocol version this server supports.
	Version string `yaml:"version"`

	// SkipVersionCheck disables the protocol version check.
	SkipVersionCheck bool `yaml:"skip_version_check"`

	// Secret, if set, is required as a bearer token by the HTTP transport.
	Secret string `yaml:"secret"`

	// StreamSecret is the key for signed stream names.
	StreamSecret string `yaml:"stream_secret"`

	// HTTPPath is the mount point of the HTTP transport.
	HTTPPath string `yaml:"http_path"`

	// MetricsAddr, if set, is the address of the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is the minimum severity of logged messages.
	LogLevel string `yaml:"log_level"`

	// WS holds the settings of the WS-RPC transport.
	WS WSConfig `yaml:"ws"`
}

// WSConfig holds the settings of the WS-RPC transport.
type WSConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	PoolSize      int           `yaml:"pool_size"`
	MaxReconnects int           `yaml:"max_reconnects"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	Concurrency   int           `yaml:"concurrency"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Host:     DefaultHost,
		PoolSize: DefaultPoolSize,
		Version:  cablerpc.ProtocolVersion,
		HTTPPath: DefaultHTTPPath,
		LogLevel: DefaultLogLevel,
		WS: WSConfig{
			PoolSize:      wsrpc.DefaultPoolSize,
			MaxReconnects: wsrpc.DefaultMaxReconnects,
			BackoffCap:    wsrpc.DefaultBackoffCap,
			Concurrency:   1,
		},
	}
}

// Load reads a YAML configuration file into c. Fields not set in the file
// keep their existing values.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Parse(data)
}

// Parse decodes YAML configuration data into c.
func (c *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings of c from environment variables, using lookup
// to read them. If lookup is nil, os.LookupEnv is used.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(name string, p *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*p = v
		}
	}
	num := func(name string, p *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*p = n
		}
	}
	str("HOST", &c.Host)
	num("POOL_SIZE", &c.PoolSize)
	str("VERSION", &c.Version)
	if v, ok := lookup(EnvPrefix + "SKIP_VERSION_CHECK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSKIP_VERSION_CHECK: %w", EnvPrefix, err))
		} else {
			c.SkipVersionCheck = b
		}
	}
	str("SECRET", &c.Secret)
	str("STREAM_SECRET", &c.StreamSecret)
	str("HTTP_PATH", &c.HTTPPath)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("WS_URL", &c.WS.URL)
	str("WS_TOKEN", &c.WS.Token)
	num("WS_POOL_SIZE", &c.WS.PoolSize)
	num("WS_MAX_RECONNECTS", &c.WS.MaxReconnects)
	num("WS_CONCURRENCY", &c.WS.Concurrency)
	if v, ok := lookup(EnvPrefix + "WS_BACKOFF_CAP"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sWS_BACKOFF_CAP: %w", EnvPrefix, err))
		} else {
			c.WS.BackoffCap = d
		}
	}
	return errors.Join(errs...)
}

// Check reports an error if c is not a valid configuration.
func (c *Config) Check() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("empty host"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid pool size %d", c.PoolSize))
	}
	if c.Version == "" && !c.SkipVersionCheck {
		errs = append(errs, errors.New("empty protocol version"))
	}
	if _, ok := loggo.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.WS.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("invalid WS-RPC pool size %d", c.WS.PoolSize))
	}
	if c.WS.BackoffCap < 0 {
		errs = append(errs, fmt.Errorf("invalid backoff cap %v", c.WS.BackoffCap))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level of c, or INFO if it is invalid.
func (c *Config) Level() loggo.Level {
	if lvl, ok := loggo.ParseLevel(c.LogLevel); ok {
		return lvl
	}
	return loggo.INFO
}

// ClientOptions returns WS-RPC client options for c.
func (c *Config) ClientOptions(log loggo.Logger, mets *cablerpc.Metrics) wsrpc.ServerOptions {
	return wsrpc.ServerOptions{
		PoolSize: c.WS.PoolSize,
		Client: wsrpc.Options{
			MaxReconnects: c.WS.MaxReconnects,
			BackoffCap:    c.WS.BackoffCap,
			Concurrency:   c.WS.Concurrency,
			Logger:        log,
			Metrics:       mets,
		},
	}
}
