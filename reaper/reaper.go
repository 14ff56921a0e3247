// Package reaper runs the periodic sweeps that purge lapsed cache entries and
// expired proposals.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"bwgateway/observability/metrics"
)

// ChannelCache is the slice of the whitelist cache the reaper sweeps.
type ChannelCache interface {
	Sweep(ttl time.Duration) int
	Len() int
}

// ProposalPurger deletes expired proposals.
type ProposalPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Reaper owns the two background loops. Sweeps run independently of request
// traffic; a record may be evicted right after a request read it as valid,
// which is benign staleness of at most one interval.
type Reaper struct {
	cache            ChannelCache
	proposals        ProposalPurger
	channelTTL       time.Duration
	cacheInterval    time.Duration
	proposalInterval time.Duration
	metrics          *metrics.GatewayMetrics
	logger           *slog.Logger
}

// Config wires a Reaper. Non-positive intervals fall back to defaults.
type Config struct {
	Cache            ChannelCache
	Proposals        ProposalPurger
	ChannelTTL       time.Duration
	CacheInterval    time.Duration
	ProposalInterval time.Duration
	Metrics          *metrics.GatewayMetrics
	Logger           *slog.Logger
}

func New(cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channelTTL := cfg.ChannelTTL
	if channelTTL <= 0 {
		channelTTL = time.Hour
	}
	cacheInterval := cfg.CacheInterval
	if cacheInterval <= 0 {
		cacheInterval = time.Hour
	}
	proposalInterval := cfg.ProposalInterval
	if proposalInterval <= 0 {
		proposalInterval = 2 * time.Minute
	}
	return &Reaper{
		cache:            cfg.Cache,
		proposals:        cfg.Proposals,
		channelTTL:       channelTTL,
		cacheInterval:    cacheInterval,
		proposalInterval: proposalInterval,
		metrics:          cfg.Metrics,
		logger:           logger,
	}
}

// Run sweeps on both cadences until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	cacheTicker := time.NewTicker(r.cacheInterval)
	defer cacheTicker.Stop()
	proposalTicker := time.NewTicker(r.proposalInterval)
	defer proposalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cacheTicker.C:
			r.SweepCache()
		case <-proposalTicker.C:
			r.PurgeProposals(ctx)
		}
	}
}

// SweepCache evicts lapsed channels from the TTL cache.
func (r *Reaper) SweepCache() {
	if r.cache == nil {
		return
	}
	evicted := r.cache.Sweep(r.channelTTL)
	r.metrics.RecordSweep(evicted, r.cache.Len())
	if evicted > 0 {
		r.logger.Info("cache sweep", "evicted", evicted)
	}
}

// PurgeProposals deletes lapsed proposals. Errors are logged, never fatal.
func (r *Reaper) PurgeProposals(ctx context.Context) {
	if r.proposals == nil {
		return
	}
	purged, err := r.proposals.PurgeExpired(ctx)
	if err != nil {
		r.logger.Warn("proposal purge failed", "err", err)
		return
	}
	r.metrics.RecordPurge(purged)
	if purged > 0 {
		r.logger.Info("proposal purge", "purged", purged)
	}
}
