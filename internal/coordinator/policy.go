package coordinator

import (
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/cenkalti/backoff"
)

// Policy holds the coordinator's timings and retry limits.
type Policy struct {
	// DisconnectGrace is how long a disconnected link may recover on its own
	// before it is treated as failed.
	DisconnectGrace time.Duration

	ReopenInitial    time.Duration
	ReopenMax        time.Duration
	ReopenMultiplier float64
	// MaxReopenAttempts consecutive failures put a warning on the peer and
	// stop reopening it until its roster entry changes.
	MaxReopenAttempts int

	NegotiationRetries int
	SignalingRetry     time.Duration

	// MutedAfter is how long a remote track may go without packets before it
	// counts as muted. MutedCheck is how often that is evaluated.
	MutedAfter time.Duration
	MutedCheck time.Duration

	StaleAfter time.Duration
}

func DefaultPolicy() Policy {
	return PolicyFromConfig(config.DefaultAppConfig().Coordinator)
}

func PolicyFromConfig(c config.CoordinatorConfig) Policy {
	p := Policy{
		DisconnectGrace:    config.Millis(c.DisconnectGrace),
		ReopenInitial:      config.Millis(c.ReopenInitial),
		ReopenMax:          config.Millis(c.ReopenMax),
		ReopenMultiplier:   c.ReopenMultiplier,
		MaxReopenAttempts:  c.MaxReopenAttempts,
		NegotiationRetries: c.NegotiationRetries,
		SignalingRetry:     config.Millis(c.SignalingRetry),
		MutedAfter:         config.Millis(c.MutedAfter),
		StaleAfter:         config.Millis(c.StaleAfter),
	}
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.DisconnectGrace <= 0 {
		p.DisconnectGrace = 5 * time.Second
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = domain.DefaultStaleAfter
	}
	if p.ReopenInitial <= 0 {
		p.ReopenInitial = time.Second
	}
	if p.ReopenMax < p.ReopenInitial {
		p.ReopenMax = p.ReopenInitial
	}
	if p.ReopenMultiplier < 1 {
		p.ReopenMultiplier = 2
	}
	if p.MaxReopenAttempts <= 0 {
		p.MaxReopenAttempts = 5
	}
	if p.SignalingRetry <= 0 {
		p.SignalingRetry = time.Second
	}
	if p.MutedAfter <= 0 {
		p.MutedAfter = 3 * time.Second
	}
	if p.MutedCheck <= 0 {
		p.MutedCheck = p.MutedAfter / 3
	}
	return p
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.ReopenInitial
	b.MaxInterval = p.ReopenMax
	b.Multiplier = p.ReopenMultiplier
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
