package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/wake/internal/logger"
)

// Resyncer periodically re-reads the proxy and converges it on the desired
// route table. It is the retry path for route changes a caller gave up on.
type Resyncer struct {
	routes   RouteSyncer
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewResyncer creates a new proxy resync loop
func NewResyncer(routes RouteSyncer, log logger.Logger, interval time.Duration) *Resyncer {
	return &Resyncer{
		routes:   routes,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a first resync immediately (purging routes left by a previous
// run) and then one every interval.
func (rs *Resyncer) Start(ctx context.Context) error {
	if err := rs.routes.Resync(ctx); err != nil {
		rs.logger.Warn("initial proxy resync failed", logger.Error(err))
	}

	ticker := time.NewTicker(rs.interval)
	go func() {
		defer close(rs.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := rs.routes.Resync(ctx); err != nil {
					rs.logger.Error("proxy resync failed", logger.Error(err))
				}
			case <-rs.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the resync loop
func (rs *Resyncer) Stop() {
	close(rs.stopCh)
	<-rs.doneCh
}
