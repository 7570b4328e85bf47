// Package config provides layered configuration loading for tokencache.
// It merges Defaults -> Environment Variables -> explicit overrides (CLI
// flags), then validates the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOKENCACHE_"

// Backend names accepted for the cache blob.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config holds the merged runtime configuration.
type Config struct {
	Addr     string `koanf:"addr" validate:"required,ip_port"`
	DataDir  string `koanf:"data_dir" validate:"required,safe_path"`
	Backend  string `koanf:"backend" validate:"backend"`
	KeyFile  string `koanf:"key_file"`  // default <data_dir>/cache.key
	DataFile string `koanf:"data_file"` // default depends on Backend
	LockFile string `koanf:"lock_file"` // default <data_dir>/cache.lock
	// Lock enables the cross-process advisory lock around cache updates.
	Lock     bool   `koanf:"lock"`
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Auth0Domain  string   `koanf:"auth0_domain"`
	APIDomain    string   `koanf:"api_domain"`
	SimAPIDomain string   `koanf:"sim_api_domain"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	AppSecretKey string   `koanf:"app_secret_key"`
	RedirectURL  string   `koanf:"redirect_url" validate:"omitempty,url"`
	Scopes       []string `koanf:"scopes" validate:"min=1,dive,required"`

	RefreshInterval time.Duration `koanf:"refresh_interval" validate:"gt=0"`
	RefreshSkew     time.Duration `koanf:"refresh_skew" validate:"gte=0"`

	MetricsToken         string        `koanf:"metrics_token"`
	MetricsFlushInterval time.Duration `koanf:"metrics_flush_interval" validate:"gt=0"`
}

// DefaultAppConfig is the configuration used when nothing else is set.
var DefaultAppConfig = Config{
	Addr:     "127.0.0.1:8080",
	DataDir:  "data",
	Backend:  BackendFile,
	Lock:     true,
	LogLevel: "info",
	Scopes: []string{
		"openid", "offline_access", "profile",
		"MarketData", "ReadAccount", "Trade", "Crypto", "Matrix", "OptionSpreads",
	},
	RefreshInterval:      time.Minute,
	RefreshSkew:          2 * time.Minute,
	MetricsFlushInterval: 5 * time.Second,
}

// legacyEnv maps the unprefixed variable names used by earlier deployments
// onto config keys. Prefixed variables take precedence.
var legacyEnv = map[string]string{
	"AUTH0_DOMAIN":        "auth0_domain",
	"AUTH0_CLIENT_ID":     "client_id",
	"AUTH0_CLIENT_SECRET": "client_secret",
	"API_DOMAIN":          "api_domain",
	"SIM_API_DOMAIN":      "sim_api_domain",
	"APP_SECRET_KEY":      "app_secret_key",
	"PORT":                "addr",
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

var envLoader = func(k *koanf.Koanf) error {
	legacy := env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			name, ok := legacyEnv[key]
			if !ok || value == "" {
				return "", nil
			}
			if key == "PORT" {
				return name, net.JoinHostPort("127.0.0.1", value)
			}
			return name, value
		},
	})
	if err := k.Load(legacy, nil); err != nil {
		return err
	}
	prefixed := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		},
	})
	return k.Load(prefixed, nil)
}

var registerValidators = func(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"ip_port":   validIPPort,
		"safe_path": validSafePath,
		"backend":   validBackend,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	return LoadWithOverrides(nil)
}

// LoadWithOverrides is Load with explicitly set keys (e.g. from CLI flags)
// applied last. Keys use the koanf names, e.g. "data_dir".
func LoadWithOverrides(overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToScopes(),
			),
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateOAuth reports the settings the web flow and token refresh need.
func (c *Config) ValidateOAuth() error {
	var errs []error
	required := []struct {
		val, name string
	}{
		{c.Auth0Domain, "auth0_domain (AUTH0_DOMAIN)"},
		{c.ClientID, "client_id (AUTH0_CLIENT_ID)"},
		{c.ClientSecret, "client_secret (AUTH0_CLIENT_SECRET)"},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	return errors.Join(errs...)
}

// ValidateAPI reports whether the resource API can be called.
func (c *Config) ValidateAPI() error {
	if strings.TrimSpace(c.APIDomain) == "" {
		return errors.New("api_domain (API_DOMAIN) is required")
	}
	return nil
}

// ValidateSession reports whether the session signing key is usable.
func (c *Config) ValidateSession() error {
	if len(c.AppSecretKey) < 16 {
		return errors.New("app_secret_key (APP_SECRET_KEY) must be at least 16 characters")
	}
	return nil
}

// KeyPath returns the key file location.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, "cache.key")
}

// DataPath returns the blob location for the configured backend.
func (c *Config) DataPath() string {
	if c.DataFile != "" {
		return c.DataFile
	}
	switch c.Backend {
	case BackendSQLite:
		return filepath.Join(c.DataDir, "tokencache.db")
	case BackendBolt:
		return filepath.Join(c.DataDir, "cache.bolt")
	default:
		return filepath.Join(c.DataDir, "cache.bin")
	}
}

// LockPath returns the advisory lock file, or "" when locking is disabled.
func (c *Config) LockPath() string {
	if !c.Lock {
		return ""
	}
	if c.LockFile != "" {
		return c.LockFile
	}
	return filepath.Join(c.DataDir, "cache.lock")
}

// SQLiteDSN returns the DSN of the SQLite database holding metrics (and the
// cache blob for the sqlite backend).
func (c *Config) SQLiteDSN() string {
	path := filepath.Join(c.DataDir, "tokencache.db")
	if c.Backend == BackendSQLite && c.DataFile != "" {
		path = c.DataFile
	}
	return "file:" + filepath.ToSlash(path) + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// validIPPort accepts host:port where host is empty or a literal IP and port
// is in 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	if port == "" || strings.TrimSpace(port) != port {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects empty paths, the filesystem root, the working
// directory itself and any path with a ".." segment.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.TrimSpace(p) == "" {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator) && clean != "/"
}

func validBackend(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case BackendFile, BackendSQLite, BackendBolt:
		return true
	}
	return false
}
