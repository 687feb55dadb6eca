package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthSigningKey    string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthPublicKeyFile string `mapstructure:"AUTH_PUBLIC_KEY_FILE"`
	AuthIssuer        string `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// PropertiesFile optionally seeds runtime properties and is watched for edits.
	PropertiesFile string `mapstructure:"PROPERTIES_FILE"`

	RedisURL     string        `mapstructure:"REDIS_URL"`
	NameCacheTTL time.Duration `mapstructure:"NAME_CACHE_TTL"`

	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix  string        `mapstructure:"KAFKA_TOPIC_PREFIX"`
	KafkaWriteTimeout time.Duration `mapstructure:"KAFKA_WRITE_TIMEOUT"`

	MatchWeightsFile string `mapstructure:"MATCH_WEIGHTS_FILE"`

	MPIEnabled bool          `mapstructure:"MPI_ENABLED"`
	MPIBaseURL string        `mapstructure:"MPI_BASE_URL"`
	MPIToken   string        `mapstructure:"MPI_TOKEN"`
	MPITimeout time.Duration `mapstructure:"MPI_TIMEOUT"`

	BiometricsBucket    string `mapstructure:"BIOMETRICS_S3_BUCKET"`
	BiometricsPrefix    string `mapstructure:"BIOMETRICS_S3_PREFIX"`
	BiometricsRegion    string `mapstructure:"BIOMETRICS_S3_REGION"`
	BiometricsEndpoint  string `mapstructure:"BIOMETRICS_S3_ENDPOINT"`
	BiometricsPathStyle bool   `mapstructure:"BIOMETRICS_S3_PATH_STYLE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("NAME_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BIOMETRICS_S3_PREFIX", "subjects")
	v.SetDefault("MPI_ENABLED", false)
	v.SetDefault("MPI_TIMEOUT", "10s")
	v.SetDefault("KAFKA_WRITE_TIMEOUT", "2s")
	v.SetDefault("BIOMETRICS_S3_REGION", "us-east-1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_SIGNING_KEY", "AUTH_PUBLIC_KEY_FILE", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"CORS_ORIGINS", "PROPERTIES_FILE",
		"REDIS_URL", "NAME_CACHE_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC_PREFIX",
		"KAFKA_WRITE_TIMEOUT",
		"MATCH_WEIGHTS_FILE",
		"MPI_ENABLED", "MPI_BASE_URL", "MPI_TOKEN", "MPI_TIMEOUT",
		"BIOMETRICS_S3_BUCKET", "BIOMETRICS_S3_PREFIX", "BIOMETRICS_S3_REGION",
		"BIOMETRICS_S3_ENDPOINT", "BIOMETRICS_S3_PATH_STYLE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList handles comma separated env values, which viper leaves as a
// single element.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return current
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development a
// token key is required so registering users are authenticated, and enabling
// the remote index requires its base URL.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthPublicKeyFile == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_PUBLIC_KEY_FILE is required when ENV is %q", c.Env)
	}
	if c.MPIEnabled && c.MPIBaseURL == "" {
		return fmt.Errorf("MPI_BASE_URL is required when MPI_ENABLED is true")
	}
	if c.MPITimeout < 0 {
		return fmt.Errorf("MPI_TIMEOUT must not be negative")
	}
	return nil
}
