package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/ratelimit"
	"moul.io/basesync/pkg/resolver"
	"moul.io/basesync/pkg/synerr"
)

// DefaultFanOut bounds concurrent per-row/per-table I/O within a single
// pipeline stage (spec.md section 5).
const DefaultFanOut = 10

// Engine wires the collaborator interfaces (spec.md section 6) to the
// pipelines in spec.md sections 4.5-4.8. It owns the per-config
// serialization required by spec.md section 5: two invocations for the
// same SyncConfig never run concurrently.
type Engine struct {
	Configs  ConfigStore
	Tokens   TokenProvider
	Airtable AirtableClient
	Sheets   SheetsClient
	State    StateStore
	Log      LogSink
	Logger   *zap.Logger

	FanOut int

	AirtableInvoker *ratelimit.Invoker
	SheetsInvoker   *ratelimit.Invoker

	ResolverTTL time.Duration

	mu          sync.Mutex
	configLocks map[string]*sync.Mutex
}

// New builds an Engine from its collaborators, filling in reasonable
// defaults (a 5 req/s Airtable limiter matching the teacher's
// airtable.RateLimiter(5), a 60 req/s Sheets limiter, a fan-out of 10) for anything left zero.
func New(configs ConfigStore, tokens TokenProvider, at AirtableClient, sh SheetsClient, state StateStore, log LogSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	return &Engine{
		Configs:         configs,
		Tokens:          tokens,
		Airtable:        at,
		Sheets:          sh,
		State:           state,
		Log:             log,
		Logger:          logger,
		FanOut:          DefaultFanOut,
		AirtableInvoker: ratelimit.New(5),
		SheetsInvoker:   ratelimit.New(60),
		ResolverTTL:     resolver.DefaultTTL,
		configLocks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(configID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.configLocks[configID]
	if !ok {
		l = &sync.Mutex{}
		e.configLocks[configID] = l
	}
	return l
}

// runState accumulates everything one pipeline invocation needs: the
// normalized config, the collaborators, a working resolver, and the
// growing error/warning/count lists that become the SyncResult.
type runState struct {
	ctx    context.Context
	engine *Engine
	cfg    model.SyncConfig
	logger *zap.Logger

	resolver *resolver.Resolver

	mu       sync.Mutex
	errors   []model.SyncIssue
	warnings []model.SyncIssue
	added    int
	updated  int
	deleted  int

	aborted   bool
	abortErr  error
	cancelled bool
}

func newRunState(ctx context.Context, e *Engine, cfg model.SyncConfig) *runState {
	return &runState{
		ctx:    ctx,
		engine: e,
		cfg:    cfg,
		logger: e.Logger,
	}
}

// recordIssue appends either to errors or warnings depending on
// ValidationMode and whether the issue's kind is always-terminal
// (spec.md section 7). It returns true if the run must abort now.
func (rs *runState) recordIssue(issue model.SyncIssue) (mustAbort bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	terminal := synerr.Terminal(issue.Kind)
	strict := rs.cfg.ValidationMode == model.Strict

	if terminal {
		rs.errors = append(rs.errors, issue)
		rs.aborted = true
		return true
	}
	if strict {
		rs.errors = append(rs.errors, issue)
		rs.aborted = true
		return true
	}
	rs.warnings = append(rs.warnings, issue)
	return false
}

func (rs *runState) recordError(issue model.SyncIssue) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.errors = append(rs.errors, issue)
	rs.aborted = true
}

func (rs *runState) addCounts(added, updated, deleted int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.added += added
	rs.updated += updated
	rs.deleted += deleted
}

func (rs *runState) isAborted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.aborted
}

func (rs *runState) result(start time.Time) model.SyncResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	end := time.Now()
	return model.SyncResult{
		SyncConfigID: rs.cfg.ID,
		Added:        rs.added,
		Updated:      rs.updated,
		Deleted:      rs.deleted,
		Total:        rs.added + rs.updated + rs.deleted,
		Errors:       rs.errors,
		Warnings:     rs.warnings,
		StartedAt:    start,
		EndedAt:      end,
		Duration:     end.Sub(start),
		Cancelled:    rs.cancelled,
	}
}

// RunSync is the scheduler entry point of spec.md section 6: load config
// and tokens, select a pipeline by direction, run to completion, emit a
// SyncLog, and persist updated SyncState. Invocations for the same
// configID are serialized (spec.md section 5); invocations for different
// configIDs may run concurrently.
func (e *Engine) RunSync(ctx context.Context, configID string) (model.SyncResult, error) {
	lock := e.lockFor(configID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	cfg, err := e.Configs.Get(ctx, configID)
	if err != nil {
		return model.SyncResult{SyncConfigID: configID, StartedAt: start, EndedAt: time.Now(), Errors: []model.SyncIssue{
			synerr.Wrap(model.ErrFetch, err, "load sync config").Issue(),
		}}, err
	}
	cfg = cfg.Normalized()

	if _, err := e.Tokens.ForUser(ctx, cfg.OwnerUserID, ProviderAirtable); err != nil {
		return e.authFailureResult(cfg, start, err), err
	}
	if _, err := e.Tokens.ForUser(ctx, cfg.OwnerUserID, ProviderSheets); err != nil {
		return e.authFailureResult(cfg, start, err), err
	}

	prior, err := e.State.Get(ctx, cfg.ID)
	if err != nil {
		return model.SyncResult{SyncConfigID: cfg.ID, StartedAt: start, EndedAt: time.Now(), Errors: []model.SyncIssue{
			synerr.Wrap(model.ErrFetch, err, "load prior sync state").Issue(),
		}}, err
	}
	if prior == nil {
		prior = &model.SyncState{SyncConfigID: cfg.ID, Records: map[string]model.RecordState{}}
	}

	rs := newRunState(ctx, e, cfg)
	rs.resolver = resolver.New(airtableLinkedTableFetcher{client: e.Airtable, cfg: cfg}, airtableRecordCreator{client: e.Airtable}, e.ResolverTTL)

	var nextState model.SyncState
	switch cfg.Direction {
	case model.AirtableToSheets:
		nextState = runOneWayAirtableToSheets(rs, *prior)
	case model.SheetsToAirtable:
		nextState = runOneWaySheetsToAirtable(rs, *prior)
	case model.Bidirectional:
		nextState = runBidirectional(rs, *prior)
	default:
		rs.recordError(synerr.New(model.ErrUnknown, "unknown sync direction").Issue())
	}

	if ctx.Err() != nil {
		rs.mu.Lock()
		rs.cancelled = true
		rs.mu.Unlock()
	}

	result := rs.result(start)

	if !rs.isAborted() && !result.Cancelled {
		nextState.LastSyncTime = time.Now()
		if err := e.State.Put(ctx, cfg.ID, nextState); err != nil {
			result.Errors = append(result.Errors, synerr.Wrap(model.ErrWrite, err, "persist sync state").Issue())
		}
	}

	if e.Log != nil {
		_ = e.Log.Write(ctx, result)
	}

	return result, nil
}

func (e *Engine) authFailureResult(cfg model.SyncConfig, start time.Time, err error) model.SyncResult {
	result := model.SyncResult{
		SyncConfigID: cfg.ID,
		StartedAt:    start,
		EndedAt:      time.Now(),
		Errors:       []model.SyncIssue{synerr.Wrap(model.ErrAuth, err, "obtain access token").Issue()},
	}
	if e.Log != nil {
		_ = e.Log.Write(context.Background(), result)
	}
	return result
}
