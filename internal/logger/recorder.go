package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"querybridge/internal/core"
)

// Recorder writes the structured execution records and the QueryLog audit
// trail. With batchSize > 1 audit rows are buffered and written in chunks.
type Recorder struct {
	log       *zap.Logger
	audit     core.AuditRepository
	batchSize int

	mu        sync.Mutex
	buf       []core.QueryLog
	failed    atomic.Int64
	persisted atomic.Int64
}

func NewRecorder(log *zap.Logger, audit core.AuditRepository, batchSize int) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &Recorder{log: log.Named("query"), audit: audit, batchSize: batchSize}
}

func (r *Recorder) LogExecution(queryID int64, user string, d time.Duration, rows int, cached bool) {
	r.log.Info("query executed",
		zap.Int64("query_id", queryID),
		zap.String("user", user),
		zap.Duration("duration", d),
		zap.Int("rows", rows),
		zap.Bool("cached", cached))
}

func (r *Recorder) LogExecutionError(queryID int64, user string, err error) {
	r.log.Error("query failed",
		zap.Int64("query_id", queryID),
		zap.String("user", user),
		zap.String("kind", core.KindOf(err).String()),
		zap.Error(err))
}

// LogSecurityEvent records denied access and rejected input.
func (r *Recorder) LogSecurityEvent(event, user string, fields ...zap.Field) {
	r.log.Warn("security event", append([]zap.Field{zap.String("event", event), zap.String("user", user)}, fields...)...)
}

func (r *Recorder) LogPerformance(op string, d time.Duration, fields ...zap.Field) {
	r.log.Info("performance", append([]zap.Field{zap.String("op", op), zap.Duration("duration", d)}, fields...)...)
}

// Audit persists one QueryLog row, or buffers it when batching. A write
// failure is logged and returned; the row is not retried.
func (r *Recorder) Audit(ctx context.Context, entry core.QueryLog) error {
	if r.audit == nil {
		return nil
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now()
	}
	if r.batchSize == 1 {
		if err := r.audit.Create(ctx, &entry); err != nil {
			r.failed.Add(1)
			r.log.Error("failed to write query log", zap.Int64("query_id", entry.QueryID), zap.Error(err))
			return err
		}
		r.persisted.Add(1)
		return nil
	}

	r.mu.Lock()
	r.buf = append(r.buf, entry)
	full := len(r.buf) >= r.batchSize
	r.mu.Unlock()
	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes buffered rows, one transaction per chunk. It stops at the
// first failed chunk and keeps that chunk and the rest buffered.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.audit == nil {
		return nil
	}
	r.mu.Lock()
	pending := r.buf
	r.buf = nil
	r.mu.Unlock()

	for start := 0; start < len(pending); start += r.batchSize {
		end := min(start+r.batchSize, len(pending))
		if err := r.audit.CreateBatch(ctx, pending[start:end]); err != nil {
			r.failed.Add(int64(end - start))
			r.log.Error("failed to write query log batch",
				zap.Int("chunk_start", start),
				zap.Int("pending", len(pending)-start),
				zap.Error(err))
			r.mu.Lock()
			r.buf = append(pending[start:], r.buf...)
			r.mu.Unlock()
			return err
		}
		r.persisted.Add(int64(end - start))
		r.log.Debug("query log chunk written", zap.Int("rows", end-start), zap.Int("done", end), zap.Int("total", len(pending)))
	}
	return nil
}

func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Counts returns how many audit rows were written and how many failed.
func (r *Recorder) Counts() (persisted, failed int64) {
	return r.persisted.Load(), r.failed.Load()
}
