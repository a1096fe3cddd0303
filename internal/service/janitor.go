package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"querybridge/internal/cache"
	"querybridge/internal/logger"
)

// ResultPruner deletes result snapshots older than a cutoff.
type ResultPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type JanitorOptions struct {
	// Schedule is a standard five-field cron spec. Empty means every minute.
	Schedule        string
	ResultRetention time.Duration
}

// Janitor runs periodic maintenance: expired cache entries, buffered audit
// rows and stale result snapshots.
type Janitor struct {
	cron     *cron.Cron
	cache    cache.Manager
	recorder *logger.Recorder
	results  ResultPruner
	opts     JanitorOptions
	log      *zap.Logger
}

func NewJanitor(m cache.Manager, recorder *logger.Recorder, results ResultPruner, opts JanitorOptions, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Schedule == "" {
		opts.Schedule = "* * * * *"
	}
	return &Janitor{
		cron:     cron.New(),
		cache:    m,
		recorder: recorder,
		results:  results,
		opts:     opts,
		log:      log.Named("janitor"),
	}
}

func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.opts.Schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("janitor started", zap.String("schedule", j.opts.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("janitor stopped")
}

// RunOnce performs a single maintenance pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	start := time.Now()
	var swept int
	if s, ok := j.cache.(cache.Sweeper); ok {
		swept = s.Sweep()
	}

	if j.recorder != nil {
		if err := j.recorder.Flush(ctx); err != nil {
			j.log.Warn("audit flush failed", zap.Int("pending", j.recorder.Pending()), zap.Error(err))
		}
	}

	var pruned int64
	if j.results != nil && j.opts.ResultRetention > 0 {
		n, err := j.results.DeleteOlderThan(ctx, time.Now().Add(-j.opts.ResultRetention))
		if err != nil {
			j.log.Warn("result pruning failed", zap.Error(err))
		}
		pruned = n
	}

	j.log.Debug("maintenance pass",
		zap.Int("cache_swept", swept),
		zap.Int64("results_pruned", pruned),
		zap.Duration("took", time.Since(start)))
}
