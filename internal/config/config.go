// Package config loads the process-wide configuration described in
// spec §6 ("Environment variables / configuration").
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the top-level configuration for the control plane
// process. Field names and env tags mirror the teacher's
// bootstrap.Config tag vocabulary.
type Config struct {
	EnvName  string `env:"ENV_NAME" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`

	ServerBindIP   string `env:"SERVER_BIND_IP" envDefault:"0.0.0.0"`
	ServerBindPort int    `env:"SERVER_BIND_PORT" envDefault:"3000"`

	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL"`
	MongoURL    string `env:"MONGO_URL"`
	AMQPURL     string `env:"AMQP_URL"`

	CryptSecretFile string `env:"CRYPT_SECRET_FILE,required"`
	JWTSecretFile   string `env:"JWT_SECRET_FILE"`

	BinpathNix  string `env:"BINPATH_NIX" envDefault:"nix"`
	BinpathGit  string `env:"BINPATH_GIT" envDefault:"git"`
	BinpathZstd string `env:"BINPATH_ZSTD" envDefault:"zstd"`
	BinpathSSH  string `env:"BINPATH_SSH" envDefault:"ssh"`

	MaxConcurrentEvaluations int           `env:"MAX_CONCURRENT_EVALUATIONS" envDefault:"10"`
	MaxConcurrentBuilds      int           `env:"MAX_CONCURRENT_BUILDS" envDefault:"1000"`
	EvaluationTimeout        time.Duration `env:"EVALUATION_TIMEOUT" envDefault:"10s"`

	BasePath string `env:"BASE_PATH" envDefault:"/var/lib/gradient"`
}

// Load reads a local .env file (if present, for local development)
// and then parses the process environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	return cfg, nil
}
