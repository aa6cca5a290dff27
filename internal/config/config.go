package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Mapping    MappingConfig    `mapstructure:"mapping"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required"`
	Mode string `mapstructure:"mode" validate:"oneof=development production test"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gte=1"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topics  struct {
		AIResponses    string `mapstructure:"ai_responses"`
		AIResponsesDLQ string `mapstructure:"ai_responses_dlq"`
		Matches        string `mapstructure:"matches"`
	} `mapstructure:"topics"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	StatusTTL     time.Duration `mapstructure:"status_ttl"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required_if=Enabled true"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// MappingConfig tunes the primary product mapping. Threshold is the confidence a
// primary match needs before the fallback matcher is skipped.
type MappingConfig struct {
	Threshold          float64       `mapstructure:"threshold" validate:"gte=0,lte=1"`
	SearchLimit        int           `mapstructure:"search_limit" validate:"gte=1,lte=1000"`
	RelaxedSearchLimit int           `mapstructure:"relaxed_search_limit" validate:"gte=1"`
	Concurrency        int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

// FallbackConfig holds the empirically tuned constants of the relaxed matcher.
type FallbackConfig struct {
	NameWeight           float64 `mapstructure:"name_weight" validate:"gte=0,lte=1"`
	FeatureWeight        float64 `mapstructure:"feature_weight" validate:"gte=0,lte=1"`
	PriceWeight          float64 `mapstructure:"price_weight" validate:"gte=0,lte=1"`
	RatingBonus          float64 `mapstructure:"rating_bonus" validate:"gte=0,lte=1"`
	RatingBonusMin       float64 `mapstructure:"rating_bonus_min" validate:"gte=0,lte=5"`
	MinRelaxedConfidence float64 `mapstructure:"min_relaxed_confidence" validate:"gte=0,lte=1"`
	PopularConfidence    float64 `mapstructure:"popular_confidence" validate:"gte=0,lte=1"`
	PriceRangeConfidence float64 `mapstructure:"price_range_confidence" validate:"gte=0,lte=1"`
	PopularMinRating     float64 `mapstructure:"popular_min_rating" validate:"gte=0,lte=5"`
	PopularMinReviews    int     `mapstructure:"popular_min_reviews" validate:"gte=0"`
}

type AnalysisConfig struct {
	MinQualityScore float64 `mapstructure:"min_quality_score" validate:"gte=0,lte=1"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests" validate:"gte=1"`
	Window   time.Duration `mapstructure:"window" validate:"gt=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults are static and always decode
	_ = v.Unmarshal(&config)
	return &config
}

// Validate checks field constraints declared in the validate tags.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok && len(fieldErrors) > 0 {
			fe := fieldErrors[0]
			return fmt.Errorf("%s failed on '%s' (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "development")

	// Database defaults
	v.SetDefault("database.url", "postgres://localhost:5432/prodmatch?sslmode=disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_time", "15m")
	v.SetDefault("database.max_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.ai_responses", "ai-recommendation-responses")
	v.SetDefault("kafka.topics.ai_responses_dlq", "ai-recommendation-responses-dlq")
	v.SetDefault("kafka.topics.matches", "recommendation-matches")
	v.SetDefault("kafka.consumer_group", "recommendation-mappers")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.status_ttl", "24h")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "github.com/temcen/prodmatch")
	v.SetDefault("auth.token_ttl", "24h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Mapping defaults
	v.SetDefault("mapping.threshold", 0.7)
	v.SetDefault("mapping.search_limit", 1000)
	v.SetDefault("mapping.relaxed_search_limit", 50)
	v.SetDefault("mapping.concurrency", 4)
	v.SetDefault("mapping.cache_ttl", "10m")

	// Fallback defaults
	v.SetDefault("fallback.name_weight", 0.6)
	v.SetDefault("fallback.feature_weight", 0.5)
	v.SetDefault("fallback.price_weight", 0.4)
	v.SetDefault("fallback.rating_bonus", 0.2)
	v.SetDefault("fallback.rating_bonus_min", 4.0)
	v.SetDefault("fallback.min_relaxed_confidence", 0.3)
	v.SetDefault("fallback.popular_confidence", 0.5)
	v.SetDefault("fallback.price_range_confidence", 0.4)
	v.SetDefault("fallback.popular_min_rating", 4.0)
	v.SetDefault("fallback.popular_min_reviews", 50)

	// Analysis defaults
	v.SetDefault("analysis.min_quality_score", 0.5)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"*"})
	v.SetDefault("security.rate_limit.enabled", false)
	v.SetDefault("security.rate_limit.requests", 120)
	v.SetDefault("security.rate_limit.window", "1m")
}
