package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ttai-workers/internal/cache"
)

// CachePurgeJob drops expired entries from stores that expire lazily.
type CachePurgeJob struct {
	Purger cache.Purger
	Log    zerolog.Logger
}

func (j *CachePurgeJob) Name() string { return "cache_purge" }

func (j *CachePurgeJob) Run() error {
	n, err := j.Purger.PurgeExpired()
	if err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	if n > 0 {
		j.Log.Debug().Int("entries", n).Msg("purged expired cache entries")
	}
	return nil
}

type RunPruner interface {
	PruneClosedRuns(before time.Time) (int64, error)
	PruneQuoteSnapshots(before time.Time) (int64, error)
}

// RetentionJob deletes closed runs and quote snapshots older than their retention.
type RetentionJob struct {
	Store             RunPruner
	RunRetention      time.Duration
	SnapshotRetention time.Duration
	Log               zerolog.Logger
	Now               func() time.Time
}

func (j *RetentionJob) Name() string { return "retention" }

func (j *RetentionJob) Run() error {
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}
	if j.RunRetention > 0 {
		n, err := j.Store.PruneClosedRuns(now.Add(-j.RunRetention))
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		if n > 0 {
			j.Log.Info().Int64("runs", n).Msg("pruned closed runs")
		}
	}
	if j.SnapshotRetention > 0 {
		n, err := j.Store.PruneQuoteSnapshots(now.Add(-j.SnapshotRetention))
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		if n > 0 {
			j.Log.Info().Int64("snapshots", n).Msg("pruned quote snapshots")
		}
	}
	return nil
}
