package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/simplepup/pupquery/internal/puppetdb"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "PUPQUERY_CONFIG"

// Config holds pupquery settings. Every field is optional.
type Config struct {
	PuppetDB PuppetDBConfig `json:"puppetdb"`
	SSH      SSHConfig      `json:"ssh"`
}

// PuppetDBConfig holds PuppetDB HTTP settings.
type PuppetDBConfig struct {
	Port        int      `json:"port"`
	Scheme      string   `json:"scheme"` // http, https (default: http)
	Timeout     Duration `json:"timeout"`
	DialTimeout Duration `json:"dial_timeout"`
}

// SSHConfig holds tunnel settings.
type SSHConfig struct {
	User                  string `json:"user"`
	Port                  int    `json:"port"`
	IdentityFile          string `json:"identity_file"`
	KnownHosts            string `json:"known_hosts"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key"`
	RemoteAddr            string `json:"remote_addr"` // PuppetDB as seen from the SSH server
}

// Duration accepts Go duration strings ("30s") in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultPath returns $XDG_CONFIG_HOME/pupquery/config.yaml, or the
// ~/.config equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pupquery", "config.yaml")
}

// Resolve picks the config file: the flag value, then $PUPQUERY_CONFIG, then
// the default path. required is false only for the default path.
func Resolve(flagPath string) (path string, required bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}
	return DefaultPath(), false
}

// Load reads the config at path. A missing file is only an error when
// required is set; otherwise defaults are returned.
func Load(path string, required bool) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case err == nil:
			data = expandEnvVars(data)
			if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	def := puppetdb.DefaultOptions()

	if c.PuppetDB.Port == 0 {
		c.PuppetDB.Port = def.Port
	}
	if c.PuppetDB.Scheme == "" {
		c.PuppetDB.Scheme = def.Scheme
	}
	if c.PuppetDB.Timeout.Duration == 0 {
		c.PuppetDB.Timeout.Duration = def.Timeout
	}
	if c.PuppetDB.DialTimeout.Duration == 0 {
		c.PuppetDB.DialTimeout.Duration = def.DialTimeout
	}
	if c.SSH.User == "" {
		c.SSH.User = os.Getenv("USER")
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = def.SSH.Port
	}
	if c.SSH.RemoteAddr == "" {
		c.SSH.RemoteAddr = def.SSH.RemoteAddr
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = "~/.ssh/known_hosts"
	}
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
	c.SSH.IdentityFile = expandHome(c.SSH.IdentityFile)
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.PuppetDB.Port <= 0 || c.PuppetDB.Port > 65535 {
		return fmt.Errorf("puppetdb.port must be between 1 and 65535, got %d", c.PuppetDB.Port)
	}
	switch c.PuppetDB.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("puppetdb.scheme must be \"http\" or \"https\", got %q", c.PuppetDB.Scheme)
	}
	if c.PuppetDB.Timeout.Duration < 0 {
		return fmt.Errorf("puppetdb.timeout must not be negative, got %s", c.PuppetDB.Timeout)
	}
	if c.PuppetDB.DialTimeout.Duration < 0 {
		return fmt.Errorf("puppetdb.dial_timeout must not be negative, got %s", c.PuppetDB.DialTimeout)
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port must be between 1 and 65535, got %d", c.SSH.Port)
	}
	if !strings.Contains(c.SSH.RemoteAddr, ":") {
		return fmt.Errorf("ssh.remote_addr must be host:port, got %q", c.SSH.RemoteAddr)
	}
	return nil
}

// ConnectionOptions converts the config into options for puppetdb.Open.
func (c *Config) ConnectionOptions(logger, tunnelLogger *zap.Logger) puppetdb.Options {
	return puppetdb.Options{
		Port:        c.PuppetDB.Port,
		Scheme:      c.PuppetDB.Scheme,
		Timeout:     c.PuppetDB.Timeout.Duration,
		DialTimeout: c.PuppetDB.DialTimeout.Duration,
		SSH: puppetdb.SSHOptions{
			User:                  c.SSH.User,
			Port:                  c.SSH.Port,
			IdentityFile:          c.SSH.IdentityFile,
			KnownHostsFile:        c.SSH.KnownHosts,
			InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
			RemoteAddr:            c.SSH.RemoteAddr,
		},
		Logger:       logger,
		TunnelLogger: tunnelLogger,
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
