// Package config loads spawnerd's daemon configuration: a YAML file
// overlaid by command-line flags (SPEC_FULL.md §4.9, A1).
//
// Precedence, highest first: flags > file > built-in defaults, following
// the same shape as bureau-foundation/bureau's lib/config package (a
// Default() baseline merged with values read off disk).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is spawnerd's full daemon configuration.
type Config struct {
	SocketPath         string   `yaml:"socketPath"`
	CgroupRoot         string   `yaml:"cgroupRoot"`
	TmpfsRoot          string   `yaml:"tmpfsRoot"`
	TmpfsIdleThreshold Duration `yaml:"tmpfsIdleThreshold"`

	DefaultCredentials CredentialsConfig `yaml:"defaultCredentials"`
}

// CredentialsConfig is the uid/gid substituted for EXEC requests that omit
// UID_GID (spec.md §6.4's "default_uid_gid").
type CredentialsConfig struct {
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

// Duration wraps time.Duration so the YAML file can spell it as "2m"
// instead of a raw nanosecond count.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in baseline, used before any file or flag is
// applied. Every field has a sensible zero-value so a spawnerd invoked
// with no config file at all still starts.
func Default() *Config {
	return &Config{
		SocketPath:         "/run/spawnerd.sock",
		CgroupRoot:         "/sys/fs/cgroup",
		TmpfsRoot:          "/tmp/tmpfs",
		TmpfsIdleThreshold: Duration(2 * time.Minute),
		DefaultCredentials: CredentialsConfig{UID: 65534, GID: 65534},
	}
}

// Load reads path (if non-empty) over the built-in defaults. An empty
// path is not an error: spawnerd runs on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Overlay holds the flag-bound values registered by RegisterFlags. Apply
// merges only the flags the user actually passed, so an unset flag never
// clobbers a value from the config file (SPEC_FULL.md §4.9: "flags > file
// > built-in defaults").
type Overlay struct {
	socketPath         string
	cgroupRoot         string
	tmpfsRoot          string
	tmpfsIdleThreshold time.Duration
	defaultUID         uint32
	defaultGID         uint32
}

// RegisterFlags binds spawnerd's config-overriding flags to fs, in the
// style of bureau-foundation/bureau's *.AddFlags(flagSet) helpers.
func RegisterFlags(fs *pflag.FlagSet) *Overlay {
	o := &Overlay{}
	fs.StringVar(&o.socketPath, "socket-path", "", "unix socket path to listen on (overrides config file)")
	fs.StringVar(&o.cgroupRoot, "cgroup-root", "", "cgroup v2 mount point (overrides config file)")
	fs.StringVar(&o.tmpfsRoot, "tmpfs-root", "", "tmpfs cache root (overrides config file)")
	fs.DurationVar(&o.tmpfsIdleThreshold, "tmpfs-idle-threshold", 0, "tmpfs idle eviction threshold (overrides config file)")
	fs.Uint32Var(&o.defaultUID, "default-uid", 0, "default uid for credential-less EXEC requests (overrides config file)")
	fs.Uint32Var(&o.defaultGID, "default-gid", 0, "default gid for credential-less EXEC requests (overrides config file)")
	return o
}

// Apply overlays fs's changed flags onto cfg.
func (o *Overlay) Apply(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("socket-path") {
		cfg.SocketPath = o.socketPath
	}
	if fs.Changed("cgroup-root") {
		cfg.CgroupRoot = o.cgroupRoot
	}
	if fs.Changed("tmpfs-root") {
		cfg.TmpfsRoot = o.tmpfsRoot
	}
	if fs.Changed("tmpfs-idle-threshold") {
		cfg.TmpfsIdleThreshold = Duration(o.tmpfsIdleThreshold)
	}
	if fs.Changed("default-uid") {
		cfg.DefaultCredentials.UID = o.defaultUID
	}
	if fs.Changed("default-gid") {
		cfg.DefaultCredentials.GID = o.defaultGID
	}
}

// Validate rejects a config that can't reasonably start a daemon.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("config: socketPath is required")
	}
	if c.CgroupRoot == "" {
		return fmt.Errorf("config: cgroupRoot is required")
	}
	if c.TmpfsRoot == "" {
		return fmt.Errorf("config: tmpfsRoot is required")
	}
	if c.TmpfsIdleThreshold <= 0 {
		return fmt.Errorf("config: tmpfsIdleThreshold must be positive")
	}
	return nil
}
