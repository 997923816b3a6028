package session

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/pkg/gate"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuer"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/refresh"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/storage"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigEnvVar names the environment variable Load reads the config path from.
const ConfigEnvVar = "TOKENKEEPER_CONFIG"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Audiences []string       `yaml:"audiences" validate:"required,min=1,dive,required"`
	Issuer    issuer.Config  `yaml:"issuer"`
	Refresh   RefreshConfig  `yaml:"refresh"`
	Gate      GateConfig     `yaml:"gate"`
	Storage   storage.Config `yaml:"storage"`
	Log       LogConfig      `yaml:"log"`
}

type RefreshConfig struct {
	LeadTime time.Duration `yaml:"lead_time" validate:"gte=0"`
}

type GateConfig struct {
	RedirectURL string `yaml:"redirect_url"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Default returns a config with every optional field filled in. Audiences
// and the issuer URL have no default.
func Default() *Config {
	return &Config{
		Issuer: issuer.Config{
			Timeout:   issuer.DefaultTimeout,
			Endpoints: issuer.DefaultEndpoints(),
		},
		Refresh: RefreshConfig{LeadTime: refresh.DefaultLeadTime},
		Gate:    GateConfig{RedirectURL: gate.DefaultRedirectURL},
		Storage: storage.Config{
			Medium:       storage.MediumMemory,
			RedisPrefix:  storage.DefaultRedisPrefix,
			PollInterval: storage.DefaultPollInterval,
			Debounce:     storage.DefaultDebounce,
			FallbackDir:  storage.DefaultFallbackDir(),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the config file named by TOKENKEEPER_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config", ConfigEnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads a YAML config over Default, expands ${VAR} in paths and
// validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Storage.Dir = os.ExpandEnv(c.Storage.Dir)
	c.Storage.SQLitePath = os.ExpandEnv(c.Storage.SQLitePath)
	c.Storage.FallbackDir = os.ExpandEnv(c.Storage.FallbackDir)
}

// Validate checks c and reports every failing field in one error.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		msgs = append(msgs, validationMessage(e))
	}
	sort.Strings(msgs)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report fields by their yaml names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
