// Package rollup implements the usage rollup engine. Raw job, event and
// reservation records are folded into hourly CPU-second buckets which are
// cascaded into daily and monthly buckets. Rollup progress is tracked by a
// persisted per-cluster watermark; a process-wide per-cluster mutex
// serializes passes because two overlapping passes for the same cluster
// would double count.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slurm-tools/slacctdb/internal/common"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

const hourSecs int64 = 3600

// rollupActor identifies rollup transactions in the audit trail.
const rollupActor = "rollup"

// Engine computes usage rollups on top of a store.
type Engine struct {
	logger *slog.Logger
	store  *store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a new rollup engine.
func New(s *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger,
		store:  s,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockCluster acquires the process-wide rollup lock of a cluster.
func (e *Engine) lockCluster(cluster string) func() {
	e.mu.Lock()

	lock, ok := e.locks[cluster]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[cluster] = lock
	}

	e.mu.Unlock()

	lock.Lock()

	return lock.Unlock
}

// watermark is the persisted rollup progress of one cluster.
type watermark struct {
	hourly  int64
	daily   int64
	monthly int64
}

func readWatermark(ctx context.Context, txn *store.Txn, cluster string) (watermark, error) {
	var w watermark

	err := txn.QueryRow(
		ctx,
		"SELECT hourly, daily, monthly FROM rollup_watermarks WHERE cluster = ?",
		cluster,
	).Scan(&w.hourly, &w.daily, &w.monthly)
	if err != nil {
		return w, fmt.Errorf("failed to read rollup watermark of %s: %w", cluster, err)
	}

	return w, nil
}

func writeWatermark(ctx context.Context, txn *store.Txn, cluster string, w watermark) error {
	_, err := txn.Exec(
		ctx,
		"UPDATE rollup_watermarks SET hourly = ?, daily = ?, monthly = ? WHERE cluster = ?",
		w.hourly, w.daily, w.monthly, cluster,
	)

	return err
}

// RollUsage rolls the usage of one cluster over [start, end). The window is
// truncated to whole hours; re-running the same window overwrites the same
// bucket rows so the pass is idempotent. Daily and monthly cascades cover
// every complete local calendar day/month ending at or before the new
// hourly watermark.
func (e *Engine) RollUsage(ctx context.Context, cluster string, start, end int64) error {
	if !e.store.Clusters().Known(cluster) {
		return fmt.Errorf("%w: %s", store.ErrClusterNotRegistered, cluster)
	}

	unlock := e.lockCluster(cluster)
	defer unlock()

	defer common.TimeTrack(time.Now(), "usage rollup", e.logger.With("cluster", cluster))

	timer := prometheus.NewTimer(rollupSeconds.WithLabelValues(cluster))
	defer timer.ObserveDuration()

	err := e.store.WithTxn(ctx, rollupActor, func(txn *store.Txn) error {
		w, err := readWatermark(ctx, txn, cluster)
		if err != nil {
			return err
		}

		hourStart := start - start%hourSecs
		hourEnd := end - end%hourSecs

		for ws := hourStart; ws < hourEnd; ws += hourSecs {
			if err := e.rollHour(ctx, txn, cluster, ws, ws+hourSecs); err != nil {
				return fmt.Errorf("hourly rollup of %s [%d,%d) failed: %w", cluster, ws, ws+hourSecs, err)
			}

			rollupPasses.WithLabelValues(cluster, "hour").Inc()
		}

		if hourEnd > w.hourly {
			w.hourly = hourEnd
		}

		daily, err := e.rollDays(ctx, txn, cluster, w.daily, w.hourly)
		if err != nil {
			return err
		}

		if daily > w.daily {
			w.daily = daily
		}

		monthly, err := e.rollMonths(ctx, txn, cluster, w.monthly, w.daily)
		if err != nil {
			return err
		}

		if monthly > w.monthly {
			w.monthly = monthly
		}

		return writeWatermark(ctx, txn, cluster, w)
	})
	if err != nil {
		rollupFailures.WithLabelValues(cluster).Inc()

		return err
	}

	return nil
}

// RollAllUsage rolls usage of every registered cluster over [start, end).
// Clusters are processed independently; the first failure is returned after
// all clusters have been attempted.
func (e *Engine) RollAllUsage(ctx context.Context, start, end int64) error {
	var firstErr error

	for _, cluster := range e.store.Clusters().Names() {
		if err := e.RollUsage(ctx, cluster, start, end); err != nil {
			e.logger.Error("Usage rollup failed", "cluster", cluster, "err", err)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Catchup rolls every cluster from its hourly watermark up to the last
// complete hour before now. Clusters with no watermark yet start at their
// earliest raw record.
func (e *Engine) Catchup(ctx context.Context, now time.Time) error {
	end := now.Unix() - now.Unix()%hourSecs

	var firstErr error

	for _, cluster := range e.store.Clusters().Names() {
		start, err := e.catchupStart(ctx, cluster)
		if err != nil {
			e.logger.Error("Failed to determine rollup start", "cluster", cluster, "err", err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if start == 0 || start >= end {
			continue // nothing to roll yet
		}

		if err := e.RollUsage(ctx, cluster, start, end); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// catchupStart returns the hourly watermark of a cluster, falling back to
// the earliest raw record timestamp for clusters never rolled before.
func (e *Engine) catchupStart(ctx context.Context, cluster string) (int64, error) {
	var hourly int64
	if err := e.store.DB().QueryRowContext(
		ctx,
		"SELECT hourly FROM rollup_watermarks WHERE cluster = ?",
		cluster,
	).Scan(&hourly); err != nil {
		return 0, err
	}

	if hourly > 0 {
		return hourly, nil
	}

	var earliest int64
	if err := e.store.DB().QueryRowContext(
		ctx,
		`SELECT COALESCE(MIN(t), 0) FROM (
			SELECT MIN(time_start) AS t FROM jobs WHERE cluster = ?1 AND time_start > 0
			UNION ALL
			SELECT MIN(time_start) FROM events WHERE cluster = ?1 AND time_start > 0
			UNION ALL
			SELECT MIN(time_start) FROM reservations WHERE cluster = ?1 AND time_start > 0
		)`,
		cluster,
	).Scan(&earliest); err != nil {
		return 0, err
	}

	return earliest, nil
}
