package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe"
	"github.com/brickingsoft/npipe/pkg/aio"
)

var ErrInvalidConfig = errors.Define("invalid config")

const (
	errMetaPkgKey  = "pkg"
	errMetaPkgVal  = "npipecat"
	errMetaPathKey = "path"
	errMetaKeyKey  = "key"
)

func configErr(path string, msg string, err error) error {
	return errors.New(msg,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaPathKey, path),
		errors.WithWrap(err),
	)
}

func invalidConfig(key string, reason string) error {
	return errors.From(ErrInvalidConfig,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaKeyKey, key),
		errors.WithWrap(errors.Define(reason)),
	)
}

// Config is the file form of the command line flags. Flags given on the
// command line win over the file.
type Config struct {
	Mode                string        `toml:"mode"`
	BufferSize          int           `toml:"buffer-size"`
	Timeout             time.Duration `toml:"timeout"`
	MaxInstances        int           `toml:"max-instances"`
	SecurityDescriptor  string        `toml:"sddl"`
	RejectRemoteClients bool          `toml:"reject-remote-clients"`
	Server              string        `toml:"server"`
	LogLevel            string        `toml:"log-level"`
	MetricsAddr         string        `toml:"metrics-addr"`
	Once                bool          `toml:"once"`
}

func defaultConfig() Config {
	return Config{
		Mode:       aio.ByteMode.String(),
		BufferSize: npipe.DefaultReceiveBufferSize,
		Timeout:    npipe.DefaultConnectTimeout,
		Server:     npipe.DefaultServerName,
		LogLevel:   "info",
	}
}

// loadConfig reads path over the defaults. A missing file keeps the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, configErr(path, "read config failed", err)
	}
	if err = toml.Unmarshal(data, &cfg); err != nil {
		return cfg, configErr(path, "parse config failed", err)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, configErr(path, "validate config failed", err)
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if _, err := aio.ParseMode(cfg.Mode); err != nil {
		return invalidConfig("mode", "unknown mode "+cfg.Mode)
	}
	if cfg.BufferSize < 1 {
		return invalidConfig("buffer-size", "must be positive")
	}
	if cfg.Timeout <= 0 {
		return invalidConfig("timeout", "must be positive")
	}
	if cfg.MaxInstances < 0 || cfg.MaxInstances > 254 {
		return invalidConfig("max-instances", "must be between 0 and 254")
	}
	return nil
}

// options turns the configuration into channel options.
func (cfg Config) options() ([]npipe.Option, error) {
	mode, err := aio.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	opts := []npipe.Option{
		npipe.WithMode(mode),
		npipe.WithReceiveBufferSize(cfg.BufferSize),
		npipe.WithConnectTimeout(cfg.Timeout),
		npipe.WithServerName(cfg.Server),
		npipe.WithMaxInstances(cfg.MaxInstances),
	}
	if cfg.SecurityDescriptor != "" {
		opts = append(opts, npipe.WithSecurityDescriptor(cfg.SecurityDescriptor))
	}
	if cfg.RejectRemoteClients {
		opts = append(opts, npipe.WithRejectRemoteClients())
	}
	return opts, nil
}
