// Package retention runs the periodic cleanup sweep over stored images.
package retention

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = 24 * time.Hour

	// startupDelay lets the server come up before the first sweep.
	startupDelay = 30 * time.Second
)

var purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "retention_purged_assets_total",
	Help: "Assets removed by the retention sweep.",
})

// Sweeper purges soft-deleted and expired assets.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Service runs Sweep on a fixed interval.
type Service struct {
	sweeper  Sweeper
	maxAge   time.Duration
	interval time.Duration
	delay    time.Duration
}

// NewService creates a sweep service. maxAge of 0 only purges soft-deleted
// assets.
func NewService(sweeper Sweeper, maxAge, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		sweeper:  sweeper,
		maxAge:   maxAge,
		interval: interval,
		delay:    startupDelay,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Dur("maxAge", s.maxAge).Msg("starting retention service")

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.delay):
	}
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention service stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and logs the outcome.
func (s *Service) SweepOnce(ctx context.Context) int {
	start := time.Now()
	n, err := s.sweeper.Sweep(ctx, s.maxAge)
	purgedTotal.Add(float64(n))
	if err != nil {
		log.Error().Err(err).Int("purged", n).Msg("retention sweep failed")
		return n
	}
	if n > 0 {
		log.Info().Int("purged", n).Dur("elapsed", time.Since(start)).Msg("retention sweep complete")
	} else {
		log.Debug().Msg("retention sweep found nothing to purge")
	}
	return n
}
