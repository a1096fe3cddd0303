package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"querybridge/internal/advisor"
	"querybridge/internal/cache"
	"querybridge/internal/core"
	"querybridge/internal/monitor"
)

type Options struct {
	Executor     ExecutorOptions
	Orchestrator OrchestratorOptions
}

// QueryService is the single entry point the enclosing application talks to.
type QueryService struct {
	exec *QueryExecutor
	orch *Orchestrator
	log  *zap.Logger
}

func NewQueryService(deps ExecutorDeps, opts Options) *QueryService {
	exec := NewQueryExecutor(deps, opts.Executor)
	return &QueryService{
		exec: exec,
		orch: NewOrchestrator(exec, deps.Store, opts.Orchestrator, deps.Log),
		log:  exec.log.Named("service"),
	}
}

func (s *QueryService) Executor() *QueryExecutor    { return s.exec }
func (s *QueryService) Orchestrator() *Orchestrator { return s.orch }

func (s *QueryService) ExecuteQuery(ctx context.Context, user core.Identity, id int64, params interface{}) (*ExecutionResult, error) {
	return s.exec.ExecuteQuery(ctx, user, id, params)
}

// ExecuteQueryByName resolves name in the catalog and runs it like ExecuteQuery.
func (s *QueryService) ExecuteQueryByName(ctx context.Context, user core.Identity, name string, params interface{}) (*ExecutionResult, error) {
	q, err := s.exec.queries.GetByName(ctx, name)
	if err != nil {
		return nil, s.exec.finish(ctx, s.exec.begin(0, user), 0, false, err)
	}
	return s.exec.ExecuteQuery(ctx, user, q.ID, params)
}

func (s *QueryService) ExecuteAsyncQuery(ctx context.Context, user core.Identity, id int64, params interface{}) (*ExecutionResult, error) {
	return s.orch.ExecuteAsyncQuery(ctx, user, id, params)
}

func (s *QueryService) ExecuteBatchQueries(ctx context.Context, user core.Identity, ids []int64, params map[int64]map[string]interface{}) []BatchResult {
	return s.orch.ExecuteBatchQueries(ctx, user, ids, params)
}

func (s *QueryService) ExecuteBatchQueriesWithRetry(ctx context.Context, user core.Identity, ids []int64, params map[int64]map[string]interface{}, retries int, delay time.Duration) []BatchResult {
	return s.orch.ExecuteBatchQueriesWithRetry(ctx, user, ids, params, retries, delay)
}

func (s *QueryService) ExecuteRawSQL(ctx context.Context, user core.Identity, sqlText string, args ...interface{}) (*ExecutionResult, error) {
	return s.exec.ExecuteRawSQL(ctx, user, sqlText, args...)
}

// ExecuteParameterizedQuery opens a lazy cursor over query id. The caller closes it.
func (s *QueryService) ExecuteParameterizedQuery(ctx context.Context, user core.Identity, id int64, params interface{}) (core.Cursor, error) {
	q, err := s.exec.queries.GetByID(ctx, id)
	if err != nil {
		return nil, s.exec.finish(ctx, s.exec.begin(id, user), 0, false, err)
	}
	return s.exec.ExecuteParameterizedQuery(ctx, user, q, params)
}

func (s *QueryService) RecommendIndexingStrategy(ctx context.Context, table, sqlText string) (*advisor.Recommendation, error) {
	return s.exec.RecommendIndexingStrategy(ctx, table, sqlText)
}

// ExecuteBatchItems runs the statement of query id once per parameter set.
// Sets are grouped into chunks of chunkSize, each chunk in one transaction
// and audited by one QueryLog row. chunkSize <= 0 uses the configured size.
func (s *QueryService) ExecuteBatchItems(ctx context.Context, user core.Identity, id int64, items []map[string]interface{}, chunkSize int, continueOnError bool) (ChunkReport, error) {
	e := s.exec
	query, err := e.queries.GetByID(ctx, id)
	if err != nil {
		return ChunkReport{}, e.finish(ctx, e.begin(id, user), 0, false, err)
	}
	stmts, err := s.prepareItems(ctx, user, query, items)
	if err != nil {
		return ChunkReport{}, e.finish(ctx, e.begin(id, user), 0, false, err)
	}

	if chunkSize <= 0 {
		chunkSize = s.orch.opts.ChunkSize
	}
	// A chunk's QueryLog row is written after its transaction has ended.
	var (
		a        *attempt
		affected int64
	)
	opts := ChunkOptions{
		ChunkSize:       chunkSize,
		ContinueOnError: continueOnError,
		AfterChunk: func(ctx context.Context, _, start, _ int, err error) error {
			if a == nil {
				a = e.begin(query.ID, user)
				a.sqlText = stmts[start].SQL
			}
			rows := int(affected)
			if err != nil {
				rows = 0
			}
			err = e.finish(ctx, a, rows, false, err)
			a, affected = nil, 0
			return err
		},
	}
	report, err := ProcessInChunks(ctx, e.store, s.log, stmts, opts,
		func(ctx context.Context, tx core.Execer, chunk []*boundStatement) error {
			a = e.begin(query.ID, user)
			a.sqlText = chunk[0].SQL
			for _, st := range chunk {
				res, err := tx.ExecContext(ctx, st.SQL, st.Args...)
				if err != nil {
					return core.ClassifyStoreError("batch item", err)
				}
				if n, err := res.RowsAffected(); err == nil {
					affected += n
				}
			}
			return nil
		})
	if report.Committed > 0 {
		if _, cerr := e.cache.Invalidate(ctx, query.ID); cerr != nil {
			s.log.Warn("cache invalidation after batch failed", zap.Int64("query_id", query.ID), zap.Error(cerr))
		}
	}
	return report, err
}

func (s *QueryService) prepareItems(ctx context.Context, user core.Identity, query *core.Query, items []map[string]interface{}) ([]*boundStatement, error) {
	if len(items) == 0 {
		return nil, core.NewValidationError("no parameter sets given")
	}
	if err := s.exec.validator.ValidatePermission(ctx, user, query); err != nil {
		return nil, err
	}
	stmts := make([]*boundStatement, 0, len(items))
	for i, item := range items {
		bound, err := s.exec.validator.ValidateQueryParams(item, query.Parameters)
		if err != nil {
			return nil, core.Wrap(core.KindValidation, "item "+strconv.Itoa(i), err)
		}
		st, err := s.exec.bind(query.SQLText, bound)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)
	}
	return stmts, nil
}

// InvalidateQueryCache drops every cached result of query id.
func (s *QueryService) InvalidateQueryCache(ctx context.Context, id int64) (int, error) {
	n, err := s.exec.cache.Invalidate(ctx, id)
	if err != nil {
		s.log.Error("cache invalidation failed", zap.Int64("query_id", id), zap.Error(err))
		return 0, err
	}
	s.log.Info("cache invalidated", zap.Int64("query_id", id), zap.Int("keys", n))
	return n, nil
}

func (s *QueryService) ClearCache(ctx context.Context) error {
	m := s.exec.cache.Manager()
	if m == nil {
		return nil
	}
	if err := m.ClearAll(ctx); err != nil {
		return core.Wrap(core.KindTransientStore, "cache clear", err)
	}
	return nil
}

func (s *QueryService) CacheStats(ctx context.Context) (cache.Stats, error) {
	m := s.exec.cache.Manager()
	if m == nil {
		return cache.Stats{Backend: cache.BackendNone}, nil
	}
	st, err := m.Stats(ctx)
	if err != nil {
		return cache.Stats{}, core.Wrap(core.KindTransientStore, "cache stats", err)
	}
	return st, nil
}

func (s *QueryService) QueryStats() []monitor.QueryStats { return s.exec.monitor.AllStats() }
func (s *QueryService) SlowQueries() []monitor.SlowQuery { return s.exec.monitor.SlowQueries() }
func (s *QueryService) UsageReport(n int) monitor.Report { return s.exec.analytics.Report(n) }

// Flush writes buffered audit rows.
func (s *QueryService) Flush(ctx context.Context) error {
	return s.exec.recorder.Flush(ctx)
}

// Close flushes pending audit rows. The store and cache are owned by the caller.
func (s *QueryService) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		s.log.Error("audit flush on close failed", zap.Int("pending", s.exec.recorder.Pending()), zap.Error(err))
		return err
	}
	return nil
}
