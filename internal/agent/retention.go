package agent

import (
	"context"
	"sync"
	"time"

	"github.com/willibrandon/sqlstep/internal/logger"
)

// pruneInterval is how often the retention manager runs.
const pruneInterval = time.Hour

// HistoryPruner deletes execution history older than a cutoff.
// *sqlite.HistoryStore implements it.
type HistoryPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

// RetentionManager prunes execution history older than the configured
// retention, once at start and then hourly.
type RetentionManager struct {
	history   HistoryPruner
	retention time.Duration
	interval  time.Duration

	// pruneLimit is the maximum rows deleted per statement.
	pruneLimit int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionManager creates a RetentionManager.
func NewRetentionManager(history HistoryPruner, retention time.Duration) *RetentionManager {
	return &RetentionManager{
		history:    history,
		retention:  retention,
		interval:   pruneInterval,
		pruneLimit: 10000,
	}
}

// Start runs an initial prune and then prunes every interval until Stop or
// until ctx is cancelled.
func (rm *RetentionManager) Start(ctx context.Context) {
	ctx, rm.cancel = context.WithCancel(ctx)
	logger.Info("Starting retention manager", "history_retention", rm.retention.String())

	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()

		rm.PruneNow(ctx)

		ticker := time.NewTicker(rm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.PruneNow(ctx)
			}
		}
	}()
}

// Stop stops the prune loop and waits for a running prune to finish.
func (rm *RetentionManager) Stop() {
	if rm.cancel == nil {
		return
	}
	rm.cancel()
	rm.wg.Wait()
}

// PruneNow runs one prune cycle and returns how many executions it removed.
func (rm *RetentionManager) PruneNow(ctx context.Context) int {
	cutoff := time.Now().Add(-rm.retention)
	pruned, err := rm.history.PruneBefore(ctx, cutoff, rm.pruneLimit)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to prune execution history", "error", err)
		}
		return pruned
	}
	if pruned > 0 {
		logger.Debug("Pruned execution history", "rows", pruned, "cutoff", cutoff)
	}
	return pruned
}
