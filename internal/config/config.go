package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-winrmexec/wsman/auth"
)

// EnvPrefix prefixes environment overrides, e.g. WINRMEXEC_ENDPOINT_HOST.
const EnvPrefix = "WINRMEXEC"

// Config is the winrm-exec configuration.
//
// Sources in order of precedence:
//  1. Environment variables (WINRMEXEC_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	Endpoint  EndpointConfig  `mapstructure:"endpoint" yaml:"endpoint"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Shell     ShellConfig     `mapstructure:"shell" yaml:"shell"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// EndpointConfig locates the WinRM listener.
type EndpointConfig struct {
	Host string `mapstructure:"host" validate:"required,hostname_rfc1123|ip" yaml:"host"`

	// Port defaults to 5985, or 5986 with TLS.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	UseTLS             bool          `mapstructure:"use_tls" yaml:"use_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
}

// URL returns the WSMan endpoint URL.
func (e EndpointConfig) URL() string {
	scheme := "http"
	if e.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/wsman", scheme, e.Host, e.Port)
}

// AuthConfig selects the authentication method and credentials. The
// password is never read from the file; see the CLI for its sources.
type AuthConfig struct {
	Method     auth.Method `mapstructure:"method" yaml:"method"`
	Username   string      `mapstructure:"username" yaml:"username,omitempty"`
	Domain     string      `mapstructure:"domain" yaml:"domain,omitempty"`
	Password   string      `mapstructure:"-" yaml:"-"`
	CertFile   string      `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile    string      `mapstructure:"key_file" yaml:"key_file,omitempty"`
	Thumbprint string      `mapstructure:"thumbprint" yaml:"thumbprint,omitempty"`
}

// Credentials converts the configuration to auth credentials.
func (a AuthConfig) Credentials() auth.Credentials {
	return auth.Credentials{
		Username:              a.Username,
		Password:              a.Password,
		Domain:                a.Domain,
		CertificatePath:       a.CertFile,
		PrivateKeyPath:        a.KeyFile,
		CertificateThumbprint: a.Thumbprint,
	}.SplitDomain()
}

// ShellConfig configures the remote cmd shell.
type ShellConfig struct {
	WorkingDirectory string            `mapstructure:"working_directory" yaml:"working_directory,omitempty"`
	Environment      map[string]string `mapstructure:"environment" yaml:"environment,omitempty"`
	IdleTimeout      time.Duration     `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout"`
	Codepage         int               `mapstructure:"codepage" validate:"gte=0" yaml:"codepage"`
	NoProfile        bool              `mapstructure:"no_profile" yaml:"no_profile"`
}

// ExecutionConfig bounds invocations.
type ExecutionConfig struct {
	// Timeout limits output collection; zero waits indefinitely.
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0" yaml:"timeout"`
	ThrottleLimit int           `mapstructure:"throttle_limit" validate:"min=1" yaml:"throttle_limit"`
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format     string `mapstructure:"format" validate:"oneof=text json" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0" yaml:"max_backups"`
}

// HistoryConfig controls the invocation history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true" yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port" yaml:"listen"`
}

// Load reads path (or the default location when path is empty), applies
// environment overrides and defaults, and validates the result. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setupViper(v, path); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// keys lists every setting so that environment variables apply even when
// the file does not mention them.
var keys = []string{
	"endpoint.host", "endpoint.port", "endpoint.use_tls", "endpoint.insecure_skip_verify", "endpoint.timeout",
	"auth.method", "auth.username", "auth.domain", "auth.cert_file", "auth.key_file", "auth.thumbprint",
	"shell.working_directory", "shell.idle_timeout", "shell.codepage", "shell.no_profile",
	"execution.timeout", "execution.throttle_limit", "execution.poll_interval",
	"logging.level", "logging.format", "logging.file", "logging.max_size_mb", "logging.max_backups",
	"history.enabled", "history.path",
	"metrics.enabled", "metrics.listen",
}

func setupViper(v *viper.Viper, path string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		return nil
	}
	v.AddConfigPath(Dir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return nil
}

// Dir returns $XDG_CONFIG_HOME/winrmexec, falling back to ~/.config.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "winrmexec")
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		methodDecodeHook(),
	)
}

// durationDecodeHook accepts "30s" style strings and raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// methodDecodeHook maps method names such as "ntlm" to auth.Method.
func methodDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(auth.Method(0)) {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return auth.ParseMethod(s)
		}
		return data, nil
	}
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Endpoint.Port == 0 {
		cfg.Endpoint.Port = 5985
		if cfg.Endpoint.UseTLS {
			cfg.Endpoint.Port = 5986
		}
	}
	if cfg.Endpoint.Timeout == 0 {
		cfg.Endpoint.Timeout = 60 * time.Second
	}

	if cfg.Shell.IdleTimeout == 0 {
		cfg.Shell.IdleTimeout = 30 * time.Minute
	}
	if cfg.Shell.Codepage == 0 {
		cfg.Shell.Codepage = 65001
	}

	if cfg.Execution.ThrottleLimit == 0 {
		cfg.Execution.ThrottleLimit = 32
	}
	if cfg.Execution.PollInterval == 0 {
		cfg.Execution.PollInterval = 50 * time.Millisecond
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(Dir(), "history.db")
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9090"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the auth method requirements.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}

	switch cfg.Auth.Method {
	case auth.MethodCertificate:
		if cfg.Auth.CertFile == "" && cfg.Auth.Thumbprint == "" {
			return fmt.Errorf("config: invalid: %w", auth.ErrCertificateNotConfigured)
		}
		if !cfg.Endpoint.UseTLS {
			return errors.New("config: invalid: certificate authentication requires endpoint.use_tls")
		}
	case auth.MethodCredSSP:
		if !cfg.Endpoint.UseTLS {
			return errors.New("config: invalid: credssp authentication requires endpoint.use_tls")
		}
	default:
		if cfg.Auth.Username == "" {
			return fmt.Errorf("config: invalid: auth.username is required for %s authentication", cfg.Auth.Method)
		}
	}
	return nil
}

// Marshal renders cfg as YAML. The password is never included.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
