package svc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/svc/session"
	"mdbin/svc/util"
)

// Pruner periodically removes session logs older than maxAge. Sessions past
// their cookie lifetime can never be presented again.
type Pruner struct {
	sessions *session.Store
	interval time.Duration
	maxAge   time.Duration
	running  atomic.Bool
	done     chan struct{}
}

func NewPruner(sessions *session.Store, interval, maxAge time.Duration) *Pruner {
	return &Pruner{
		sessions: sessions,
		interval: interval,
		maxAge:   maxAge,
		done:     make(chan struct{}),
	}
}

// Start runs the pruner until ctx is cancelled. A pruner starts at most once.
func (p *Pruner) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return errors.New("pruner interval must be positive")
	}
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pruner already started")
	}
	go p.run(ctx)
	return nil
}

// Done is closed once a started pruner has stopped.
func (p *Pruner) Done() <-chan struct{} {
	return p.done
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.done)
	pruneRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, pruneRequestID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", pruneRequestID).
		Dur("interval", p.interval).
		Dur("max_age", p.maxAge).
		Msg("log pruner started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", pruneRequestID).
				Msg("log pruner shutting down")
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single pass and returns how many logs it removed.
func (p *Pruner) PruneOnce(ctx context.Context) int {
	metrics.PruneCycles.Inc()
	deleted, err := p.sessions.Prune(ctx, domain.LogTypeSession, p.maxAge)
	if err != nil {
		util.Ctx(ctx).Error().Err(err).Msg("log prune failed")
		return deleted
	}
	if deleted > 0 {
		util.Ctx(ctx).Info().Int("deleted", deleted).Msg("log prune completed")
	}
	return deleted
}
