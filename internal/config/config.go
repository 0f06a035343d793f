// Package config loads server configuration from defaults, an optional
// YAML file, then CLI flags, in increasing priority.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the server's main() needs.
type Config struct {
	Addr           string        `yaml:"addr"`
	APIAddr        string        `yaml:"api_addr"`
	DBPath         string        `yaml:"db"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	CertValidity   time.Duration `yaml:"cert_validity"`
	MaxConnections int           `yaml:"max_connections"`
	PerIPLimit     int           `yaml:"per_ip_limit"`
	RateLimit      int           `yaml:"rate_limit"`
	RecordingsDir  string        `yaml:"recordings_dir"`
	Password       string        `yaml:"password"`
	VoipLoopback   bool          `yaml:"voip_loopback"`
}

// Default returns the zero-config baseline.
func Default() Config {
	return Config{
		Addr:           ":7700",
		APIAddr:        "",
		DBPath:         "hearthcore.db",
		IdleTimeout:    90 * time.Second,
		CertValidity:   365 * 24 * time.Hour,
		MaxConnections: 512,
		PerIPLimit:     8,
		RateLimit:      20,
		RecordingsDir:  "",
		VoipLoopback:   false,
	}
}

// LoadYAML merges a YAML file's contents over cfg.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ParseFlags registers the CLI flag set on top of cfg's current values and
// parses args (typically os.Args[1:]). A flag the user did not pass keeps
// whatever value cfg already held (from defaults or YAML).
func ParseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("hearthcore-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP control listen address")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "optional HTTP admin API listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the ambient SQLite database")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "TCP idle timeout")
	fs.DurationVar(&cfg.CertValidity, "cert-validity", cfg.CertValidity, "self-signed certificate validity")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent connections")
	fs.IntVar(&cfg.PerIPLimit, "per-ip-limit", cfg.PerIPLimit, "maximum concurrent connections per source IP")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "control messages per second per client (stored in Config only; no rate limit is applied)")
	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", cfg.RecordingsDir, "directory for recording archives (empty disables recording)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "plaintext password required at connect (empty disables the check)")
	fs.BoolVar(&cfg.VoipLoopback, "voip-loopback", cfg.VoipLoopback, "echo voice packets back to their sender (debug only)")
	return fs.Parse(args)
}

// Load builds a Config from defaults, an optional YAML file (if yamlPath
// is non-empty and exists), then CLI args.
func Load(yamlPath string, args []string) (Config, error) {
	cfg := Default()
	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			if err := LoadYAML(&cfg, yamlPath); err != nil {
				return Config{}, err
			}
		}
	}
	if err := ParseFlags(&cfg, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
