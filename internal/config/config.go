package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	Port        int
	JWTSecret   string
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string
	TokenExpiry time.Duration
	CORSOrigin  string

	LogLevel  string
	LogFormat string

	StateFile    string
	ProfilesFile string

	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	// MessageRateLimit is the number of REST message posts allowed per user per minute.
	MessageRateLimit int
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:             3000,
		GinMode:          "release",
		TokenExpiry:      7 * 24 * time.Hour,
		CORSOrigin:       "http://localhost:5173",
		LogLevel:         "info",
		LogFormat:        "json",
		MongoDatabase:    "recipebox",
		PresenceTTL:      120 * time.Second,
		MessageRateLimit: 30,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, errors.New("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.JWTSecret = env.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}

	setString(env, "GIN_MODE", &cfg.GinMode)
	setString(env, "CORS_ORIGIN", &cfg.CORSOrigin)
	setString(env, "LOG_LEVEL", &cfg.LogLevel)
	setString(env, "LOG_FORMAT", &cfg.LogFormat)
	setString(env, "MONGO_DATABASE", &cfg.MongoDatabase)

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	cfg.StateFile = env.Getenv("STATE_FILE")
	cfg.ProfilesFile = env.Getenv("PROFILES_FILE")
	cfg.MongoURI = env.Getenv("MONGO_URI")
	cfg.RedisAddr = env.Getenv("REDIS_ADDR")
	cfg.RedisPassword = env.Getenv("REDIS_PASSWORD")

	if raw := env.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return Config{}, errors.New("invalid REDIS_DB")
		}
		cfg.RedisDB = db
	}

	if err := setSeconds(env, "TOKEN_EXPIRY_SECONDS", &cfg.TokenExpiry); err != nil {
		return Config{}, err
	}
	if err := setSeconds(env, "PRESENCE_TTL_SECONDS", &cfg.PresenceTTL); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("MESSAGE_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, errors.New("invalid MESSAGE_RATE_LIMIT")
		}
		cfg.MessageRateLimit = n
	}

	return cfg, nil
}

func setString(env Env, key string, dst *string) {
	if raw := env.Getenv(key); raw != "" {
		*dst = raw
	}
}

func setSeconds(env Env, key string, dst *time.Duration) error {
	raw := env.Getenv(key)
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return errors.Errorf("invalid %s", key)
	}
	*dst = time.Duration(seconds) * time.Second
	return nil
}
