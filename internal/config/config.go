package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env         string            `yaml:"env" default:"local" validate:"oneof=local dev prod"`
	HTTP        HTTPConfig        `yaml:"http"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Admission   AdmissionConfig   `yaml:"admission"`
	SelfLimit   SelfLimitConfig   `yaml:"self_limit"`
	Counters    CountersConfig    `yaml:"counters"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Log         LogConfig         `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"pass" default:""`
	DB           int           `yaml:"db" default:"0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"3s"`
}

// AuthConfig guards the mutating endpoints. An empty secret leaves them
// permanently unauthorized, which is the safe default outside local play.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" default:""`
	Issuer    string        `yaml:"issuer" default:"mkk-gate"`
	ClockSkew time.Duration `yaml:"clock_skew" default:"60s"`
}

type AdmissionConfig struct {
	KeyPrefix     string        `yaml:"key_prefix" default:"throttle"`
	DefaultRPS    float64       `yaml:"default_rps" default:"10" validate:"gte=-1"`
	DefaultBurst  float64       `yaml:"default_burst" default:"1" validate:"gte=1"`
	DefaultWindow time.Duration `yaml:"default_window" default:"5s"`
	KnobsTTL      time.Duration `yaml:"knobs_ttl" default:"168h"`
	FailMode      string        `yaml:"fail_mode" default:"open" validate:"oneof=open closed"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Enabled            bool          `yaml:"enabled" default:"true"`
	FailureThreshold   uint32        `yaml:"failure_threshold" default:"5"`
	OpenFor            time.Duration `yaml:"open_for" default:"10s"`
	MaxHalfOpen        uint32        `yaml:"max_half_open" default:"1"`
	FallbackRetryAfter time.Duration `yaml:"fallback_retry_after" default:"1s"`
}

type SelfLimitConfig struct {
	Enabled bool          `yaml:"enabled" default:"false"`
	RPS     float64       `yaml:"rps" default:"50"`
	Burst   float64       `yaml:"burst" default:"2"`
	Window  time.Duration `yaml:"window" default:"1s"`
}

type CountersConfig struct {
	Prefix     string        `yaml:"prefix" default:"rc"`
	Interval   time.Duration `yaml:"interval" default:"5s"`
	Periods    int           `yaml:"periods" default:"12" validate:"gte=1"`
	UsageGroup string        `yaml:"usage_group" default:"throttle_usage"`
}

type IdempotencyConfig struct {
	Enabled     bool          `yaml:"enabled" default:"true"`
	LockTTL     time.Duration `yaml:"lock_ttl" default:"15s"`
	ResponseTTL time.Duration `yaml:"response_ttl" default:"24h"`
}

type LogConfig struct {
	LevelStr string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/local.yaml"
	}
	return Load(path)
}

func New() (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// editing the yaml on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

// Validate applies the struct tags plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := wholeSeconds("admission.default_window", c.Admission.DefaultWindow); err != nil {
		return err
	}
	if err := wholeSeconds("counters.interval", c.Counters.Interval); err != nil {
		return err
	}
	if c.SelfLimit.Enabled {
		if err := wholeSeconds("self_limit.window", c.SelfLimit.Window); err != nil {
			return err
		}
		if c.SelfLimit.RPS <= 0 {
			return errors.New("self_limit.rps must be positive when enabled")
		}
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Admission.KnobsTTL < 0 {
		return errors.New("admission.knobs_ttl must not be negative")
	}
	return nil
}

func wholeSeconds(field string, d time.Duration) error {
	if d < time.Second || d%time.Second != 0 {
		return fmt.Errorf("%s must be a whole number of seconds, got %s", field, d)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", e.Namespace(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
