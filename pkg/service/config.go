package service

import (
	"time"

	"github.com/shopspring/decimal"
)

// Logger defines the logging interface the engine services depend on.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config carries the tunable policy knobs of the engine. Weights are
// versioned so a ranking change is an explicit, testable configuration
// change rather than an edit to the scoring code.
type Config struct {
	// MatchTimeout bounds the matching engine's I/O. A rank call that
	// exceeds it yields "no candidates yet", not an error.
	MatchTimeout time.Duration
	// PostingTTL is how long a task may sit in posted/matching before
	// the sweeper expires it.
	PostingTTL time.Duration
	// OfferResponseWindow is how long a tasker has to respond to an
	// offered booking before the sweeper auto-declines it.
	OfferResponseWindow time.Duration
	// FreeCancelWindow is the period after confirmation during which a
	// cancellation incurs no fee.
	FreeCancelWindow time.Duration
	// ReviewWindow is how long after settlement the review phase stays
	// open before the task closes as reviewed.
	ReviewWindow time.Duration
	// CancellationFeeRate is applied to the agreed rate when a
	// confirmed engagement is canceled outside the free window.
	CancellationFeeRate decimal.Decimal
	Weights             Weights
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MatchTimeout:        5 * time.Second,
		PostingTTL:          72 * time.Hour,
		OfferResponseWindow: 24 * time.Hour,
		FreeCancelWindow:    time.Hour,
		ReviewWindow:        14 * 24 * time.Hour,
		CancellationFeeRate: decimal.RequireFromString("0.10"),
		Weights:             DefaultWeights(),
	}
}
