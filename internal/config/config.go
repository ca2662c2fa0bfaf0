package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/service"
)

// Config is the process configuration read from the environment. The
// engine knobs mirror service.Config; Engine converts between them.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" env-default:""`
	HTTPPort    string `env:"HTTP_PORT" env-default:"8080"`

	MatchTimeout        time.Duration `env:"MATCH_TIMEOUT" env-default:"5s"`
	PostingTTL          time.Duration `env:"POSTING_TTL" env-default:"72h"`
	OfferResponseWindow time.Duration `env:"OFFER_RESPONSE_WINDOW" env-default:"24h"`
	FreeCancelWindow    time.Duration `env:"FREE_CANCEL_WINDOW" env-default:"1h"`
	ReviewWindow        time.Duration `env:"REVIEW_WINDOW" env-default:"336h"`
	CancellationFeeRate string        `env:"CANCELLATION_FEE_RATE" env-default:"0.10"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" env-default:"1m"`
}

// Load reads .env when present, then the environment. Missing variables
// fall back to the defaults above.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Engine converts the environment config into the engine's policy knobs.
// An unparsable fee rate falls back to the engine default.
func (c Config) Engine() service.Config {
	engine := service.DefaultConfig()
	engine.MatchTimeout = c.MatchTimeout
	engine.PostingTTL = c.PostingTTL
	engine.OfferResponseWindow = c.OfferResponseWindow
	engine.FreeCancelWindow = c.FreeCancelWindow
	engine.ReviewWindow = c.ReviewWindow
	if rate, err := decimal.NewFromString(c.CancellationFeeRate); err == nil {
		engine.CancellationFeeRate = rate
	}
	return engine
}
