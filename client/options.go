package client

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/risa-org/relink/ledger"
	"github.com/risa-org/relink/queue"
)

// Options are the recognized tuning knobs. The zero value is not
// usable; start from DefaultOptions or OptionsFromEnv.
type Options struct {
	// PingInterval is how often a liveness probe is sent.
	PingInterval time.Duration `env:"RELINK_PING_INTERVAL" envDefault:"25s"`
	// PongTimeout is how long to wait for a probe response before
	// declaring the connection dead.
	PongTimeout time.Duration `env:"RELINK_PONG_TIMEOUT" envDefault:"5s"`
	// BaseDelay is the first reconnect delay; subsequent delays double.
	BaseDelay time.Duration `env:"RELINK_BASE_DELAY" envDefault:"1s"`
	// MaxDelay caps the reconnect delay growth.
	MaxDelay time.Duration `env:"RELINK_MAX_DELAY" envDefault:"30s"`
	// MaxAttempts bounds consecutive failed connection attempts before
	// the client gives up and reports connection:failed.
	MaxAttempts int `env:"RELINK_MAX_ATTEMPTS" envDefault:"10"`
	// JitterFraction randomizes each delay by ±fraction.
	JitterFraction float64 `env:"RELINK_JITTER_FRACTION" envDefault:"0.25"`
	// PendingMutationTimeout is how long an optimistic mutation may wait
	// for confirmation before automatic rollback.
	PendingMutationTimeout time.Duration `env:"RELINK_PENDING_MUTATION_TIMEOUT" envDefault:"10s"`
	// MaxSendAttempts bounds delivery attempts per envelope before it is
	// evicted and reported as delivery:failed.
	MaxSendAttempts int `env:"RELINK_MAX_SEND_ATTEMPTS" envDefault:"3"`
	// DialTimeout bounds a single transport-open attempt.
	DialTimeout time.Duration `env:"RELINK_DIAL_TIMEOUT" envDefault:"10s"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:           25 * time.Second,
		PongTimeout:            5 * time.Second,
		BaseDelay:              1 * time.Second,
		MaxDelay:               30 * time.Second,
		MaxAttempts:            10,
		JitterFraction:         0.25,
		PendingMutationTimeout: 10 * time.Second,
		MaxSendAttempts:        3,
		DialTimeout:            10 * time.Second,
	}
}

// OptionsFromEnv reads options from RELINK_* environment variables,
// falling back to the defaults for anything unset.
func OptionsFromEnv() (Options, error) {
	var o Options
	if err := env.Parse(&o); err != nil {
		return Options{}, errors.Wrap(err, "parse options from env failed")
	}
	return o, nil
}

// Journal persists outbound envelopes so at-least-once delivery spans
// process restarts. The client appends on every send, tombstones on
// every acknowledgment or eviction, and replays Pending into the queue
// at construction time. store/file and store/memory implement it.
type Journal interface {
	Append(env queue.Envelope) error
	Ack(id string) error
	Pending() ([]queue.Envelope, error)
}

// Cfg configures a Client during construction.
type Cfg func(*Client) error

// WithOptions replaces the default options wholesale.
func WithOptions(o Options) Cfg {
	return func(c *Client) error {
		c.opts = o
		return nil
	}
}

// WithJournal attaches a persistent journal to the outbound queue.
func WithJournal(j Journal) Cfg {
	return func(c *Client) error {
		c.journal = j
		return nil
	}
}

// WithBaseValue seeds the optimistic ledger's confirmed base value.
func WithBaseValue(v any) Cfg {
	return func(c *Client) error {
		c.ledgerBase = v
		return nil
	}
}

// WithFold replaces the ledger's default last-write-wins fold, for
// callers whose mutations compose instead of overwrite.
func WithFold(f ledger.Fold) Cfg {
	return func(c *Client) error {
		c.ledgerFold = f
		return nil
	}
}
