package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	LockKey       string        `env:"LOCK_KEY" envDefault:"docq:ingest:lock"`
	LockLease     time.Duration `env:"LOCK_LEASE" envDefault:"2m"`
	LockWait      time.Duration `env:"LOCK_WAIT" envDefault:"30s"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	StaleRequeue  time.Duration `env:"STALE_REQUEUE_AFTER" envDefault:"0"`

	FanoutPerAccount int `env:"FANOUT_PER_ACCOUNT" envDefault:"50"`
	FanoutGlobal     int `env:"FANOUT_GLOBAL" envDefault:"200"`
	FanoutDefault    int `env:"FANOUT_DEFAULT_LIMIT" envDefault:"100"`

	SearchTerms        []string `env:"SEARCH_TERMS" envSeparator:"," envDefault:"invoice,receipt"`
	SenderFallback     bool     `env:"MATCH_SENDER_FALLBACK" envDefault:"false"`
	AttachmentFallback bool     `env:"MATCH_ATTACHMENT_FALLBACK" envDefault:"false"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
