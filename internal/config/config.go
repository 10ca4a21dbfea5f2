// Package config loads the configuration of the archfs binary from a single
// YAML file. Command line flags override what the file says.
//
// Path fields support ${VAR} and ${VAR:-default} expansion after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable consulted by Load when no path
// is given.
const EnvConfig = "ARCHFS_CONFIG"

// Driver kinds understood by the binary.
const (
	KindZip    = "zip"
	KindTar    = "tar"
	KindTarGz  = "tar.gz"
	KindTarZst = "tar.zst"
	KindTarLZ4 = "tar.lz4"
)

// Kinds lists every valid driver kind.
var Kinds = []string{KindZip, KindTar, KindTarGz, KindTarZst, KindTarLZ4}

// Pool kinds.
const (
	PoolMemory = "memory"
	PoolFile   = "file"
)

// Config is the configuration of one mount.
type Config struct {
	// Root is the host directory whose archives are exposed.
	Root string `yaml:"root"`

	// MountPoint is where the federation is mounted.
	MountPoint string `yaml:"mount_point"`

	// AllowOther lets other users access the mount.
	AllowOther bool `yaml:"allow_other"`

	Log     LogConfig     `yaml:"log"`
	Pool    PoolConfig    `yaml:"pool"`
	Backup  BackupConfig  `yaml:"backup"`
	Sync    SyncConfig    `yaml:"sync"`
	Age     AgeConfig     `yaml:"age"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Drivers maps file name suffixes to archive formats. A list in the
	// file replaces the default list.
	Drivers []DriverConfig `yaml:"drivers"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of error, warn, info, debug or trace.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

// PoolConfig configures where written entry content is staged.
type PoolConfig struct {
	// Kind is memory or file.
	Kind string `yaml:"kind"`
	// TempDir holds the buffers of the file pool. Empty means the system
	// temporary directory.
	TempDir string `yaml:"temp_dir"`
}

// BackupConfig configures the backups of replaced archive files.
type BackupConfig struct {
	// Count is the number of previous versions kept. Zero disables backups.
	Count int `yaml:"count"`
	// Dir holds the backups, relative to the archive's directory unless
	// absolute.
	Dir string `yaml:"dir"`
}

// SyncConfig configures periodic syncing.
type SyncConfig struct {
	// Interval between syncs of modified archives. Zero disables periodic
	// syncing; archives are still written on unmount.
	Interval time.Duration `yaml:"interval"`
	// RetryFor bounds how long a sync blocked by open streams is retried.
	RetryFor time.Duration `yaml:"retry_for"`
}

// AgeConfig configures encrypted archives. Encrypted drivers are only
// registered when a passphrase or an identity file is available.
type AgeConfig struct {
	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
	// IdentityFile is an age identity file. It takes precedence over the
	// passphrase.
	IdentityFile string `yaml:"identity_file"`
	// WorkFactor is the scrypt work factor for new passphrase archives.
	WorkFactor int `yaml:"work_factor"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// DriverConfig binds suffixes to an archive format.
type DriverConfig struct {
	// Kind is one of Kinds.
	Kind string `yaml:"kind"`
	// Suffixes replace the conventional suffixes of the kind.
	Suffixes []string `yaml:"suffixes,omitempty"`
	// Level is the compression level. Zero keeps the format's default.
	Level int `yaml:"level,omitempty"`
	// Encrypted also registers the suffixes with ".age" appended.
	Encrypted bool `yaml:"encrypted,omitempty"`
}

// Default returns the configuration used before the file is applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Pool: PoolConfig{
			Kind: PoolMemory,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
			RetryFor: 10 * time.Second,
		},
		Age: AgeConfig{
			PassphraseEnv: "ARCHFS_PASSPHRASE",
		},
		Drivers: []DriverConfig{
			{Kind: KindZip, Encrypted: true},
			{Kind: KindTar, Encrypted: true},
			{Kind: KindTarGz, Encrypted: true},
			{Kind: KindTarZst, Encrypted: true},
			{Kind: KindTarLZ4, Encrypted: true},
		},
	}
}

// Load loads path, or the file named by ARCHFS_CONFIG if path is empty.
// Without either it returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Root = expandVars(c.Root, vars)
	vars["ARCHFS_ROOT"] = c.Root // Update for dependent paths.

	c.MountPoint = expandVars(c.MountPoint, vars)
	c.Log.Output = expandVars(c.Log.Output, vars)
	c.Pool.TempDir = expandVars(c.Pool.TempDir, vars)
	c.Backup.Dir = expandVars(c.Backup.Dir, vars)
	c.Age.IdentityFile = expandVars(c.Age.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.MountPoint == "" {
		errs = append(errs, errors.New("mount_point is required"))
	}

	if !contains([]string{"error", "warn", "warning", "info", "debug", "trace"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s", c.Log.Level))
	}
	if !contains([]string{"console", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if !contains([]string{PoolMemory, PoolFile}, c.Pool.Kind) {
		errs = append(errs, fmt.Errorf("pool.kind must be %s or %s, got %q", PoolMemory, PoolFile, c.Pool.Kind))
	}
	if c.Backup.Count < 0 {
		errs = append(errs, fmt.Errorf("backup.count must not be negative"))
	}
	if c.Sync.Interval < 0 || c.Sync.RetryFor < 0 {
		errs = append(errs, fmt.Errorf("sync durations must not be negative"))
	}

	if len(c.Drivers) == 0 {
		errs = append(errs, errors.New("at least one driver is required"))
	}
	for i, d := range c.Drivers {
		if !contains(Kinds, d.Kind) {
			errs = append(errs, fmt.Errorf("drivers[%d].kind must be one of: %v", i, Kinds))
		}
		for _, s := range d.Suffixes {
			if len(s) < 2 || s[0] != '.' {
				errs = append(errs, fmt.Errorf("drivers[%d]: suffix %q must start with a dot", i, s))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Encrypted reports whether any driver asks for an encrypted variant.
func (c *Config) Encrypted() bool {
	for _, d := range c.Drivers {
		if d.Encrypted {
			return true
		}
	}
	return false
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
