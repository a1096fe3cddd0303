package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"querybridge/internal/advisor"
	"querybridge/internal/cache"
	"querybridge/internal/core"
	"querybridge/internal/logger"
	"querybridge/internal/monitor"
	"querybridge/internal/pagination"
	"querybridge/internal/security"
)

type ExecutorOptions struct {
	DefaultCacheTTL time.Duration
	CacheRetries    int
	AsyncTimeout    time.Duration
	PersistResults  bool
	DefaultPageSize int
	// RawSQLGroups limits ExecuteRawSQL to members of these groups. Empty
	// leaves raw SQL open to every identity.
	RawSQLGroups []string
}

type ExecutorDeps struct {
	Queries   core.QueryRepository
	Results   core.ResultRepository
	Store     core.Store
	Validator *security.Validator
	Sanitizer *security.Sanitizer
	Checker   core.PermissionChecker
	Cache     *cache.Loader
	Recorder  *logger.Recorder
	Monitor   *monitor.Monitor
	Analytics *monitor.Analytics
	Advisor   *advisor.Advisor
	Pool      *Pool
	Log       *zap.Logger
}

type ExecutionResult struct {
	QueryID       int64                    `json:"query_id"`
	Columns       []string                 `json:"columns"`
	Rows          []map[string]interface{} `json:"rows"`
	RowCount      int                      `json:"row_count"`
	ExecutionTime time.Duration            `json:"execution_time"`
	Cached        bool                     `json:"cached"`
	Page          *pagination.Page         `json:"page,omitempty"`
}

type QueryExecutor struct {
	queries   core.QueryRepository
	results   core.ResultRepository
	store     core.Store
	validator *security.Validator
	sanitizer *security.Sanitizer
	checker   core.PermissionChecker
	cache     *cache.Loader
	recorder  *logger.Recorder
	monitor   *monitor.Monitor
	analytics *monitor.Analytics
	advisor   *advisor.Advisor
	pool      *Pool
	log       *zap.Logger
	opts      ExecutorOptions
}

func NewQueryExecutor(deps ExecutorDeps, opts ExecutorOptions) *QueryExecutor {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewSanitizer()
	}
	if deps.Checker == nil {
		deps.Checker = security.MembershipChecker{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewLoader(nil, deps.Log)
	}
	if deps.Recorder == nil {
		deps.Recorder = logger.NewRecorder(deps.Log, nil, 1)
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.NewMonitor(nil)
	}
	if deps.Analytics == nil {
		deps.Analytics = monitor.NewAnalytics()
	}
	if deps.Advisor == nil {
		deps.Advisor = advisor.New(deps.Log)
	}
	if deps.Pool == nil {
		deps.Pool = NewPool(4)
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = pagination.DefaultPageSize
	}
	if opts.AsyncTimeout <= 0 {
		opts.AsyncTimeout = 30 * time.Second
	}
	if opts.DefaultCacheTTL <= 0 {
		opts.DefaultCacheTTL = 5 * time.Minute
	}
	if opts.CacheRetries < 1 {
		opts.CacheRetries = 1
	}
	return &QueryExecutor{
		queries:   deps.Queries,
		results:   deps.Results,
		store:     deps.Store,
		validator: deps.Validator,
		sanitizer: deps.Sanitizer,
		checker:   deps.Checker,
		cache:     deps.Cache,
		recorder:  deps.Recorder,
		monitor:   deps.Monitor,
		analytics: deps.Analytics,
		advisor:   deps.Advisor,
		pool:      deps.Pool,
		log:       deps.Log.Named("executor"),
		opts:      opts,
	}
}

// ExecuteQuery loads query id and runs it on the path its Async flag picks.
func (e *QueryExecutor) ExecuteQuery(ctx context.Context, user core.Identity, id int64, params interface{}) (*ExecutionResult, error) {
	query, err := e.queries.GetByID(ctx, id)
	if err != nil {
		a := e.begin(id, user)
		return nil, e.finish(ctx, a, 0, false, err)
	}
	if query.Async {
		return e.ExecuteAsync(ctx, user, query, params)
	}
	return e.ExecuteSyncQuery(ctx, user, query, params)
}

// ExecuteSyncQuery runs query in the calling goroutine and writes one QueryLog row.
func (e *QueryExecutor) ExecuteSyncQuery(ctx context.Context, user core.Identity, query *core.Query, params interface{}) (result *ExecutionResult, err error) {
	a := e.begin(query.ID, user)
	defer func() {
		rows, cached := 0, false
		if result != nil {
			rows, cached = result.RowCount, result.Cached
		}
		err = e.finish(ctx, a, rows, cached, err)
		if err != nil {
			result = nil
		} else {
			result.ExecutionTime = a.duration
		}
	}()

	bound, err := e.validator.ValidateQueryParams(params, query.Parameters)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidatePermission(ctx, user, query); err != nil {
		return nil, err
	}
	stmt, err := e.bind(query.SQLText, bound)
	if err != nil {
		return nil, err
	}
	a.sqlText = stmt.SQL

	compute := func(ctx context.Context) (payload, error) {
		rs, err := e.store.Query(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return payload{}, err
		}
		return e.shape(rs, bound, stmt.paginated)
	}

	var (
		p   payload
		hit bool
	)
	if query.Cacheable() && e.cache.Manager() != nil {
		key, err := core.QueryCacheKey(query.ID, bound)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, "cache key", err)
		}
		p, hit, err = cache.ExecuteCached(ctx, e.cache, key, e.cacheTTL(query), e.opts.CacheRetries, compute)
		if err != nil {
			return nil, err
		}
		e.monitor.RecordCache(hit)
	} else {
		if p, err = compute(ctx); err != nil {
			return nil, err
		}
	}

	if e.opts.PersistResults && !hit {
		e.persist(ctx, query.ID, p.Rows)
	}
	return &ExecutionResult{
		QueryID:  query.ID,
		Columns:  p.Columns,
		Rows:     p.Rows,
		RowCount: len(p.Rows),
		Cached:   hit,
		Page:     p.Page,
	}, nil
}

// ExecuteAsync runs query on the worker pool, bounded by the query timeout or
// the configured default.
func (e *QueryExecutor) ExecuteAsync(ctx context.Context, user core.Identity, query *core.Query, params interface{}) (*ExecutionResult, error) {
	timeout := e.opts.AsyncTimeout
	if query.TimeoutSeconds > 0 {
		timeout = time.Duration(query.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, started, err := Submit(runCtx, e.pool, func(ctx context.Context) (*ExecutionResult, error) {
		return e.ExecuteSyncQuery(ctx, user, query, params)
	})
	if err == nil {
		return res, nil
	}
	if !started {
		// never reached a worker, so nothing has audited the attempt yet
		return nil, e.finish(ctx, e.begin(query.ID, user), 0, false, err)
	}
	if core.KindOf(err) == core.KindTimeout {
		e.log.Warn("async query timed out", zap.Int64("query_id", query.ID), zap.Duration("timeout", timeout))
	}
	return nil, core.Wrap(core.KindOf(err), "execute async", err)
}

// ExecuteParameterizedQuery binds sanitized params and returns a lazy cursor.
// Nothing is read until the caller iterates; the caller must Close it.
// Bound strings are HTML-escaped by the sanitizer, so they match stored text
// in its escaped form, unlike ExecuteSyncQuery which binds validated values
// as given. The QueryLog row of an opened cursor is written on Close.
func (e *QueryExecutor) ExecuteParameterizedQuery(ctx context.Context, user core.Identity, query *core.Query, params interface{}) (core.Cursor, error) {
	a := e.begin(query.ID, user)
	bound, err := e.validator.ValidateQueryParams(params, query.Parameters)
	if err != nil {
		return nil, e.finish(ctx, a, 0, false, err)
	}
	if err := e.validator.ValidatePermission(ctx, user, query); err != nil {
		return nil, e.finish(ctx, a, 0, false, err)
	}
	clean, _ := e.sanitizer.Sanitize(bound).(map[string]interface{})
	stmt, err := e.bind(query.SQLText, clean)
	if err != nil {
		return nil, e.finish(ctx, a, 0, false, err)
	}
	a.sqlText = stmt.SQL
	cur, err := e.store.Cursor(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.finish(ctx, a, 0, false, err)
	}
	return &auditedCursor{Cursor: cur, exec: e, ctx: ctx, attempt: a}, nil
}

// auditedCursor finishes its attempt when closed, after the store has
// released the rows.
type auditedCursor struct {
	core.Cursor
	exec    *QueryExecutor
	ctx     context.Context
	attempt *attempt
	rows    int
	closed  bool
}

func (c *auditedCursor) Next() bool {
	if c.Cursor.Next() {
		c.rows++
		return true
	}
	return false
}

func (c *auditedCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	cerr := c.Cursor.Close()
	err := c.Cursor.Err()
	if err == nil && cerr != nil {
		err = core.ClassifyStoreError("cursor close", cerr)
	}
	return c.exec.finish(c.ctx, c.attempt, c.rows, false, err)
}

// ExecuteRawSQL runs ad hoc SQL. Values must arrive as bound args: text with
// injection markers or inline string literals is refused.
func (e *QueryExecutor) ExecuteRawSQL(ctx context.Context, user core.Identity, sqlText string, args ...interface{}) (result *ExecutionResult, err error) {
	a := e.begin(0, user)
	a.sqlText = sqlText
	defer func() {
		rows := 0
		if result != nil {
			rows = result.RowCount
		}
		err = e.finish(ctx, a, rows, false, err)
		if err != nil {
			result = nil
		} else {
			result.ExecutionTime = a.duration
		}
	}()

	if len(e.opts.RawSQLGroups) > 0 && !e.checker.HasPermission(user, e.opts.RawSQLGroups, nil) {
		return nil, core.NewPermissionError("user %q may not run raw SQL", user.Username)
	}
	if err := e.screenSQL(sqlText); err != nil {
		return nil, err
	}
	rs, err := e.store.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Columns: rs.Columns, Rows: rs.Rows, RowCount: len(rs.Rows)}, nil
}

// RecommendIndexingStrategy explains sqlText and suggests columns of table to index.
func (e *QueryExecutor) RecommendIndexingStrategy(ctx context.Context, table, sqlText string) (*advisor.Recommendation, error) {
	if err := e.screenSQL(sqlText); err != nil {
		return nil, err
	}
	return e.advisor.Recommend(ctx, e.store, table, sqlText)
}

func (e *QueryExecutor) screenSQL(sqlText string) error {
	if strings.TrimSpace(sqlText) == "" {
		return core.NewValidationError("sql text is empty")
	}
	if m, found := e.sanitizer.Detect(sqlText); found {
		return core.NewSecurityError("sql text contains disallowed input (%s)", m)
	}
	if strings.ContainsRune(sqlText, '\'') {
		return core.NewSecurityError("sql text must not inline string literals; bind them as arguments")
	}
	return nil
}

type attempt struct {
	queryID  int64
	user     core.Identity
	start    time.Time
	execID   string
	sqlText  string
	duration time.Duration
}

func (e *QueryExecutor) begin(queryID int64, user core.Identity) *attempt {
	return &attempt{queryID: queryID, user: user, start: time.Now(), execID: e.monitor.StartQuery(queryID)}
}

// finish closes the attempt: monitor, structured log, analytics and the
// QueryLog row. It returns err tagged with a kind.
func (e *QueryExecutor) finish(ctx context.Context, a *attempt, rows int, cached bool, err error) error {
	d, ok := e.monitor.EndQuery(a.execID, err)
	if !ok {
		d = time.Since(a.start)
	}
	a.duration = d

	entry := core.QueryLog{
		QueryID:           a.queryID,
		ExecutedBy:        a.user.Username,
		ExecutedAt:        a.start,
		DurationMs:        d.Milliseconds(),
		ExecutedQueryText: a.sqlText,
		ClientIP:          core.ClientIPFrom(ctx),
		Success:           err == nil,
	}
	if err != nil {
		err = core.Wrap(core.KindOf(err), "execute", err)
		entry.ErrorMessage = err.Error()
		switch kind := core.KindOf(err); kind {
		case core.KindPermission, core.KindSecurity:
			e.recorder.LogSecurityEvent(strings.ToLower(kind.String())+"_denied", a.user.Username,
				zap.Int64("query_id", a.queryID), zap.Error(err))
		}
		e.recorder.LogExecutionError(a.queryID, a.user.Username, err)
	} else {
		e.recorder.LogExecution(a.queryID, a.user.Username, d, rows, cached)
		e.analytics.RecordUsage(a.queryID, a.user.Username)
	}
	_ = e.recorder.Audit(context.WithoutCancel(ctx), entry)
	return err
}

func (e *QueryExecutor) cacheTTL(q *core.Query) time.Duration {
	if q.CacheSeconds > 0 {
		return time.Duration(q.CacheSeconds) * time.Second
	}
	return e.opts.DefaultCacheTTL
}

func (e *QueryExecutor) persist(ctx context.Context, queryID int64, rows []map[string]interface{}) {
	if e.results == nil {
		return
	}
	data, err := json.Marshal(rows)
	if err != nil {
		e.log.Warn("failed to encode result snapshot", zap.Int64("query_id", queryID), zap.Error(err))
		return
	}
	snap := &core.QueryResult{QueryID: queryID, ResultData: string(data), ExecutedAt: time.Now(), RowCount: len(rows)}
	if err := e.results.Save(context.WithoutCancel(ctx), snap); err != nil {
		e.log.Warn("failed to store result snapshot", zap.Int64("query_id", queryID), zap.Error(err))
	}
}

type payload struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
	Page    *pagination.Page         `json:"page,omitempty"`
}

// shape applies the in-memory sort and page requested through system keys.
// A statement that paged itself with {pagination} is not paged again.
func (e *QueryExecutor) shape(rs *core.ResultSet, bound map[string]interface{}, paginated bool) (payload, error) {
	p := payload{Columns: rs.Columns, Rows: rs.Rows}
	if field, ok := bound[security.KeySort].(string); ok {
		order, _ := bound[security.KeyOrder].(string)
		if err := pagination.Sort(p.Rows, field, order); err != nil {
			return payload{}, err
		}
	}
	_, hasPage := bound[security.KeyPage]
	_, hasLimit := bound[security.KeyLimit]
	if paginated || (!hasPage && !hasLimit) {
		return p, nil
	}
	page, size := pageArgs(bound, e.opts.DefaultPageSize)
	rows, pg, err := pagination.Paginate(p.Rows, page, size)
	if err != nil {
		return payload{}, err
	}
	p.Rows, p.Page = rows, &pg
	return p, nil
}

type boundStatement struct {
	SQL       string
	Args      []interface{}
	paginated bool
}

func (e *QueryExecutor) bind(sqlText string, params map[string]interface{}) (*boundStatement, error) {
	dialect := e.store.Dialect()
	sqlText, paginated := e.processSystemVariables(sqlText, dialect, params)
	parsed := core.ParseNamed(sqlText, dialect)
	args, err := parsed.Bind(params)
	if err != nil {
		return nil, err
	}
	return &boundStatement{SQL: parsed.SQL, Args: args, paginated: paginated}, nil
}

// processSystemVariables expands {pagination}, {pagination:P:L}, {pagination::L}
// into the dialect's LIMIT form. _page and _limit override the inline defaults.
func (e *QueryExecutor) processSystemVariables(sqlText, dialect string, params map[string]interface{}) (string, bool) {
	match := pagination.Variable.FindStringSubmatch(sqlText)
	if match == nil {
		return sqlText, false
	}

	page, limit := 1, e.opts.DefaultPageSize
	if v, err := strconv.Atoi(match[1]); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(match[2]); err == nil && v > 0 {
		limit = v
	}
	if v, ok := params[security.KeyPage].(int64); ok {
		page = int(v)
	}
	if v, ok := params[security.KeyLimit].(int64); ok {
		limit = int(v)
	}
	return strings.Replace(sqlText, match[0], pagination.Clause(dialect, page, limit), 1), true
}

func pageArgs(params map[string]interface{}, defaultSize int) (int, int) {
	page, size := 1, defaultSize
	if v, ok := params[security.KeyPage].(int64); ok {
		page = int(v)
	}
	if v, ok := params[security.KeyLimit].(int64); ok {
		size = int(v)
	}
	return page, size
}
