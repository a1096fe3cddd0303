package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"querybridge/internal/core"
)

type OrchestratorOptions struct {
	BatchConcurrency int
	Retries          int
	RetryDelay       time.Duration
	ChunkSize        int
}

// Orchestrator runs executions concurrently: async, retried and batched.
type Orchestrator struct {
	exec  *QueryExecutor
	store core.Store
	log   *zap.Logger
	opts  OrchestratorOptions
}

func NewOrchestrator(exec *QueryExecutor, store core.Store, opts OrchestratorOptions, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchConcurrency < 1 {
		opts.BatchConcurrency = exec.pool.Size()
	}
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 100
	}
	return &Orchestrator{exec: exec, store: store, log: log.Named("orchestrator"), opts: opts}
}

// ExecuteAsyncQuery loads query id and runs it on the worker pool under its timeout.
func (o *Orchestrator) ExecuteAsyncQuery(ctx context.Context, user core.Identity, id int64, params interface{}) (*ExecutionResult, error) {
	query, err := o.exec.queries.GetByID(ctx, id)
	if err != nil {
		return nil, o.exec.finish(ctx, o.exec.begin(id, user), 0, false, err)
	}
	res, err := o.exec.ExecuteAsync(ctx, user, query, params)
	if err != nil {
		o.log.Error("async query failed", zap.Int64("query_id", id), zap.Error(err))
	}
	return res, err
}

// RetryOperation calls op up to attempts times while it fails with a
// retryable kind, sleeping delay in between. Other failures return at once.
func RetryOperation[T any](ctx context.Context, log *zap.Logger, attempts int, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for i := 1; i <= attempts; i++ {
		out, err = op(ctx)
		if err == nil {
			return out, nil
		}
		if !core.IsRetryable(err) || i == attempts {
			break
		}
		if log != nil {
			log.Warn("retrying operation",
				zap.Int("attempt", i),
				zap.Int("attempts", attempts),
				zap.String("kind", core.KindOf(err).String()),
				zap.Error(err))
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return out, core.Wrap(core.KindTimeout, "retry", ctx.Err())
			case <-t.C:
			}
		}
	}
	return out, err
}

// BatchResult is one slot of a batch, at the same index as its input.
type BatchResult struct {
	QueryID int64            `json:"query_id"`
	Result  *ExecutionResult `json:"result,omitempty"`
	Err     error            `json:"-"`
	Error   string           `json:"error,omitempty"`
}

// ExecuteBatchQueries runs every id concurrently. A failure fills its own slot
// and never cancels the others.
func (o *Orchestrator) ExecuteBatchQueries(ctx context.Context, user core.Identity, ids []int64, params map[int64]map[string]interface{}) []BatchResult {
	return o.batch(ctx, user, ids, params, 1, 0)
}

// ExecuteBatchQueriesWithRetry is ExecuteBatchQueries with independent retries per item.
func (o *Orchestrator) ExecuteBatchQueriesWithRetry(ctx context.Context, user core.Identity, ids []int64, params map[int64]map[string]interface{}, retries int, delay time.Duration) []BatchResult {
	if retries < 1 {
		retries = o.opts.Retries
	}
	if delay < 0 {
		delay = o.opts.RetryDelay
	}
	return o.batch(ctx, user, ids, params, retries, delay)
}

func (o *Orchestrator) batch(ctx context.Context, user core.Identity, ids []int64, params map[int64]map[string]interface{}, attempts int, delay time.Duration) []BatchResult {
	results := make([]BatchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(o.opts.BatchConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			var p interface{} = map[string]interface{}{}
			if ps, ok := params[id]; ok && ps != nil {
				p = ps
			}
			res, err := RetryOperation(ctx, o.log, attempts, delay, func(ctx context.Context) (*ExecutionResult, error) {
				return o.exec.ExecuteQuery(ctx, user, id, p)
			})
			results[i] = BatchResult{QueryID: id, Result: res, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	o.log.Info("batch finished", zap.Int("items", len(ids)), zap.Int("failed", failed))
	return results
}

type ChunkOptions struct {
	ChunkSize       int
	ContinueOnError bool
	// AfterChunk runs once a chunk's transaction has committed or rolled
	// back, with its outcome. The returned error replaces that outcome.
	AfterChunk func(ctx context.Context, chunk, start, end int, err error) error
}

type ChunkError struct {
	Chunk int   `json:"chunk"`
	Start int   `json:"start"`
	End   int   `json:"end"`
	Err   error `json:"-"`
}

func (e ChunkError) MarshalJSON() ([]byte, error) {
	type plain ChunkError
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error"`
	}{plain(e), msg})
}

type ChunkReport struct {
	Items     int          `json:"items"`
	Chunks    int          `json:"chunks"`
	Committed int          `json:"committed"`
	Processed int          `json:"processed"`
	Errors    []ChunkError `json:"errors,omitempty"`
}

// ProcessInChunks splits items into fixed-size chunks and hands each to fn in
// its own transaction. A failed chunk is rolled back; earlier chunks stay
// committed. Processing stops at the first failure unless ContinueOnError.
// The returned error is the first chunk failure, as AfterChunk reported it.
func ProcessInChunks[T any](ctx context.Context, store core.Store, log *zap.Logger, items []T, opts ChunkOptions, fn func(ctx context.Context, tx core.Execer, chunk []T) error) (ChunkReport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ChunkSize < 1 {
		return ChunkReport{}, core.NewValidationError("chunk size must be positive, got %d", opts.ChunkSize)
	}
	report := ChunkReport{Items: len(items), Chunks: (len(items) + opts.ChunkSize - 1) / opts.ChunkSize}

	var first error
	for n, start := 0, 0; start < len(items); n, start = n+1, start+opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return report, core.Wrap(core.KindOf(err), "process chunks", err)
		}
		end := min(start+opts.ChunkSize, len(items))
		chunk := items[start:end]

		err := store.WithinTx(ctx, func(tx core.Execer) error {
			return fn(ctx, tx, chunk)
		})
		if opts.AfterChunk != nil {
			err = opts.AfterChunk(ctx, n, start, end, err)
		}
		if err != nil {
			report.Errors = append(report.Errors, ChunkError{Chunk: n, Start: start, End: end, Err: err})
			log.Error("chunk failed", zap.Int("chunk", n), zap.Int("start", start), zap.Int("end", end), zap.Error(err))
			if first == nil {
				first = err
			}
			if !opts.ContinueOnError {
				break
			}
			continue
		}
		report.Committed++
		report.Processed += len(chunk)
		log.Info("chunk committed",
			zap.Int("chunk", n+1),
			zap.Int("of", report.Chunks),
			zap.Int("processed", report.Processed),
			zap.Int("items", report.Items))
	}
	return report, first
}
