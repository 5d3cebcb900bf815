// Package config loads the frappemcp YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/frappemcp/auth"
	"github.com/petal-labs/frappemcp/session"
)

const (
	projectConfigName = "frappemcp.yaml"
	homeConfigDir     = ".frappemcp"
	homeConfigName    = "config.yaml"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendFrappe = "frappe"
)

// Config is the full configuration file.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	// DocTypes lists extra DocType definition files, relative to the config file.
	DocTypes []string `yaml:"doctypes,omitempty"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `yaml:"-"`
}

// SiteConfig names the site reported by get_system_info.
type SiteConfig struct {
	Name string `yaml:"name"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MCPPath         string        `yaml:"mcp_path"`
	CORSOrigin      string        `yaml:"cors_origin,omitempty"`
	MaxBody         int64         `yaml:"max_body"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Backend     string            `yaml:"backend"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Frappe      FrappeConfig      `yaml:"frappe"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path defaults to ~/.frappemcp/frappemcp.db.
	Path string `yaml:"path,omitempty"`
}

// FrappeConfig points at a Frappe site.
type FrappeConfig struct {
	URL       string        `yaml:"url,omitempty"`
	APIKey    string        `yaml:"api_key,omitempty"`
	APISecret string        `yaml:"api_secret,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// MaintenanceConfig schedules SQLite housekeeping.
type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule,omitempty"`
}

// AuthConfig lists API users.
type AuthConfig struct {
	// Disabled runs every request as DefaultUser without checking credentials.
	Disabled    bool         `yaml:"disabled"`
	AllowGuest  bool         `yaml:"allow_guest"`
	DefaultUser string       `yaml:"default_user,omitempty"`
	Users       []UserConfig `yaml:"users,omitempty"`
}

// UserConfig is one API user. The secret is stored as a bcrypt hash, see
// `frappemcp hash-secret`.
type UserConfig struct {
	Name          string   `yaml:"name"`
	Roles         []string `yaml:"roles,omitempty"`
	APIKey        string   `yaml:"api_key"`
	APISecretHash string   `yaml:"api_secret_hash"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Insecure    bool              `yaml:"insecure,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	SampleRatio float64           `yaml:"sample_ratio,omitempty"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Site: SiteConfig{Name: "localhost"},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			MCPPath:         "/mcp",
			MaxBody:         1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:     BackendSQLite,
			Maintenance: MaintenanceConfig{Enabled: true},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Discover resolves the config location with first-match semantics:
// the explicit path, ./frappemcp.yaml, then ~/.frappemcp/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path over the defaults, expands environment references and
// validates the result. Unknown keys are rejected.
func Load(path string) (Config, error) {
	// #nosec G304 -- path comes from explicit flag or discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnv expands $VAR references in values that commonly hold secrets or
// deployment-specific locations. Secret hashes are left alone: bcrypt hashes
// contain '$'.
func (c *Config) expandEnv() {
	c.Site.Name = os.ExpandEnv(c.Site.Name)
	c.Server.Addr = os.ExpandEnv(c.Server.Addr)
	c.Store.SQLite.Path = os.ExpandEnv(c.Store.SQLite.Path)
	c.Store.Frappe.URL = os.ExpandEnv(c.Store.Frappe.URL)
	c.Store.Frappe.APIKey = os.ExpandEnv(c.Store.Frappe.APIKey)
	c.Store.Frappe.APISecret = os.ExpandEnv(c.Store.Frappe.APISecret)
	c.Telemetry.Endpoint = os.ExpandEnv(c.Telemetry.Endpoint)
	for key, value := range c.Telemetry.Headers {
		c.Telemetry.Headers[key] = os.ExpandEnv(value)
	}
	for i, user := range c.Auth.Users {
		c.Auth.Users[i].APIKey = os.ExpandEnv(user.APIKey)
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Server.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("server.mcp_path must start with '/', got %q", c.Server.MCPPath))
	}
	if c.Server.MaxBody < 0 {
		errs = append(errs, errors.New("server.max_body must not be negative"))
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendFrappe:
		u, err := url.Parse(c.Store.Frappe.URL)
		if c.Store.Frappe.URL == "" || err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("store.frappe.url must be an absolute URL, got %q", c.Store.Frappe.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of memory, sqlite, frappe; got %q", c.Store.Backend))
	}

	seen := make(map[string]bool, len(c.Auth.Users))
	for i, user := range c.Auth.Users {
		switch {
		case strings.TrimSpace(user.Name) == "":
			errs = append(errs, fmt.Errorf("auth.users[%d]: name is required", i))
		case strings.TrimSpace(user.APIKey) == "":
			errs = append(errs, fmt.Errorf("auth.users[%d] (%s): api_key is required", i, user.Name))
		case strings.TrimSpace(user.APISecretHash) == "":
			errs = append(errs, fmt.Errorf("auth.users[%d] (%s): api_secret_hash is required", i, user.Name))
		case seen[user.APIKey]:
			errs = append(errs, fmt.Errorf("auth.users[%d] (%s): duplicate api_key", i, user.Name))
		}
		seen[user.APIKey] = true
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", level)
	}
	return l, nil
}

// DocTypeFiles returns DocTypes paths resolved against the config file's directory.
func (c Config) DocTypeFiles() []string {
	baseDir := "."
	if c.Path != "" {
		baseDir = filepath.Dir(c.Path)
	}
	out := make([]string, 0, len(c.DocTypes))
	for _, p := range c.DocTypes {
		out = append(out, resolveConfigRelative(baseDir, os.ExpandEnv(p)))
	}
	return out
}

// Accounts converts configured users into authenticator accounts.
func (c Config) Accounts() []auth.Account {
	out := make([]auth.Account, 0, len(c.Auth.Users))
	for _, user := range c.Auth.Users {
		out = append(out, auth.Account{
			User:       session.User{Name: user.Name, Roles: user.Roles},
			APIKey:     user.APIKey,
			SecretHash: user.APISecretHash,
		})
	}
	return out
}

// DefaultSessionUser is the identity used when authentication is disabled.
func (c Config) DefaultSessionUser() session.User {
	switch name := strings.TrimSpace(c.Auth.DefaultUser); name {
	case "", session.GuestName:
		return session.Guest
	case session.AdministratorName:
		return session.Administrator
	default:
		for _, user := range c.Auth.Users {
			if user.Name == name {
				return session.User{Name: user.Name, Roles: user.Roles}
			}
		}
		return session.User{Name: name}
	}
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
