package permgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	phlog "github.com/oarkflow/log"
)

// ============================================================================
// AUTHORIZATION DECISION ENGINE
// ============================================================================

// DefaultMaxItems is the uniform per-principal ceiling on fan-out entities.
// It is deliberately a coarse ceiling above anything reasonably needed, not
// an accurate quota, and applies to every relation a limit binding counts.
const DefaultMaxItems = 100

// defaultMaxFanOut bounds how many records a single ref traversal may
// visit, so one request cannot amplify into an unbounded graph walk.
const defaultMaxFanOut = 10000

const defaultAuditBuffer = 1024

// Engine evaluates rule predicates against the record graph and produces
// Decisions. It holds only immutable configuration plus store handles, so
// concurrent Authorize calls need no coordination beyond the stores' own.
type Engine struct {
	schema  *Schema
	rulesMu sync.RWMutex
	rules   *RuleSet

	graph       GraphStore
	audit       AuditStore
	logger      Logger
	traceIDFunc TraceIDFunc

	maxItems    float64
	maxFanOut   int
	auditBuffer int

	viewCache    *ristretto.Cache
	viewCacheCfg *viewCacheConfig
	viewCacheTTL time.Duration

	auditCh chan AuditEntry
	done    chan struct{}
}

// EngineOption configures an Engine at construction
type EngineOption func(*Engine) error

// WithAuditStore installs a decision audit sink
func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) error {
		e.audit = s
		return nil
	}
}

// WithMaxItems overrides the MAX_ITEMS constant rules evaluate against
func WithMaxItems(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("max items must be positive, got %d", n)
		}
		e.maxItems = float64(n)
		return nil
	}
}

// WithMaxFanOut overrides the traversal fan-out bound
func WithMaxFanOut(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("max fan-out must be positive, got %d", n)
		}
		e.maxFanOut = n
		return nil
	}
}

// WithEngineConfig applies tunables loaded from configuration
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.MaxItems > 0 {
			e.maxItems = float64(cfg.MaxItems)
		}
		if cfg.MaxFanOut > 0 {
			e.maxFanOut = cfg.MaxFanOut
		}
		if cfg.DecisionCacheTTL > 0 {
			e.viewCacheTTL = time.Duration(cfg.DecisionCacheTTL) * time.Millisecond
		}
		if cfg.AuditBuffer > 0 {
			e.auditBuffer = cfg.AuditBuffer
		}
		if cfg.RistrettoNumCounter > 0 || cfg.RistrettoMaxCost > 0 {
			e.viewCacheCfg = &viewCacheConfig{
				numCounters: orInt64(cfg.RistrettoNumCounter, 1e5),
				maxCost:     orInt64(cfg.RistrettoMaxCost, 1<<24),
				bufferItems: orInt64(cfg.RistrettoBuffer, 64),
			}
		}
		return nil
	}
}

// viewCacheConfig is the requested ristretto sizing. Options only record
// it; New builds the cache once, so when several options ask for a cache
// the last one wins.
type viewCacheConfig struct {
	numCounters int64
	maxCost     int64
	bufferItems int64
}

// WithViewCache enables the ristretto-backed view decision cache. Entries
// are keyed by graph version, so a committed transaction naturally stops
// stale hits; the TTL only trims memory.
func WithViewCache(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		e.viewCacheCfg = &viewCacheConfig{numCounters: 1e5, maxCost: 1 << 24, bufferItems: 64}
		e.viewCacheTTL = ttl
		return nil
	}
}

func orInt64(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}

// New builds an Engine over an immutable schema and rule set and a graph
// store. Schema and rules are never mutated after this call.
func New(schema *Schema, rules *RuleSet, graph GraphStore, opts ...EngineOption) (*Engine, error) {
	if schema == nil || rules == nil || graph == nil {
		return nil, fmt.Errorf("schema, rules and graph are required")
	}
	e := &Engine{
		schema:      schema,
		rules:       rules,
		graph:       graph,
		audit:       NewMemoryAuditStore(),
		traceIDFunc: uuid.NewString,
		maxItems:    DefaultMaxItems,
		maxFanOut:   defaultMaxFanOut,
		auditBuffer: defaultAuditBuffer,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.viewCacheCfg != nil {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: e.viewCacheCfg.numCounters,
			MaxCost:     e.viewCacheCfg.maxCost,
			BufferItems: e.viewCacheCfg.bufferItems,
		})
		if err != nil {
			return nil, err
		}
		e.viewCache = cache
	}
	e.auditCh = make(chan AuditEntry, e.auditBuffer)
	go func() {
		bg := context.Background()
		for entry := range e.auditCh {
			if err := e.audit.LogDecision(bg, &entry); err != nil {
				e.logError("audit write failed", "error", err.Error())
			}
		}
		close(e.done)
	}()
	return e, nil
}

// Close flushes the audit pipeline
func (e *Engine) Close() {
	close(e.auditCh)
	<-e.done
}

// Schema returns the engine's schema registry
func (e *Engine) Schema() *Schema { return e.schema }

func (e *Engine) ruleSet() *RuleSet {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.rules
}

// ReloadRules swaps in a freshly compiled rule set. In-flight authorizations
// finish against the set they started with; the schema cannot change.
func (e *Engine) ReloadRules(defs map[string]RuleDef) error {
	rs, err := NewRuleSet(e.schema, defs)
	if err != nil {
		return err
	}
	e.rulesMu.Lock()
	e.rules = rs
	e.rulesMu.Unlock()
	// cached view decisions were made under the old rules
	if e.viewCache != nil {
		e.viewCache.Clear()
	}
	e.logDebug("rules reloaded", "entities", len(defs))
	return nil
}

// MaxItems returns the effective MAX_ITEMS ceiling
func (e *Engine) MaxItems() int { return int(e.maxItems) }

func (e *Engine) logError(msg string, keyvals ...any) {
	if e.logger != nil {
		e.logger.Error(msg, keyvals...)
		return
	}
	ev := phlog.Error()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ev = ev.Any(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	ev.Msg(msg)
}

func (e *Engine) logDebug(msg string, keyvals ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, keyvals...)
		return
	}
	ev := phlog.Debug()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ev = ev.Any(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	ev.Msg(msg)
}

// ----------------------------------------------------------------------------
// Mutations
// ----------------------------------------------------------------------------

// Authorize decides one mutation. Equivalent to AuthorizeTx with a single
// element bundle.
func (e *Engine) Authorize(ctx context.Context, principal *Principal, m *Mutation) (*Decision, error) {
	return e.AuthorizeTx(ctx, principal, NewTx(m))
}

// AuthorizeTx decides an atomic bundle. Every mutation is checked against
// the post-transaction merged graph; the first deny rejects the whole
// bundle. The decision is deterministic for a given graph version.
func (e *Engine) AuthorizeTx(ctx context.Context, principal *Principal, tx *Tx) (*Decision, error) {
	return e.authorizeTx(ctx, principal, tx, false)
}

// Explain is AuthorizeTx with a step-by-step trace attached to the decision
func (e *Engine) Explain(ctx context.Context, principal *Principal, tx *Tx) (*Decision, error) {
	return e.authorizeTx(ctx, principal, tx, true)
}

func (e *Engine) authorizeTx(ctx context.Context, principal *Principal, tx *Tx, trace bool) (*Decision, error) {
	if tx == nil || len(tx.Mutations) == 0 {
		return denyDecision(CategoryValidationFailed, ReasonUnknownEntity, "", "empty transaction"), nil
	}
	traceID := e.traceIDFunc()
	var lines []string
	note := func(format string, args ...any) {
		if trace {
			lines = append(lines, fmt.Sprintf(format, args...))
		}
	}

	// schema conformance first, authorization second
	for _, m := range tx.Mutations {
		if d := e.validateMutation(m); d != nil {
			note("validation failed for %s %s/%s: %s", m.Op, m.Entity, m.ID, d.Detail)
			d.Trace = lines
			e.auditDecision(principal, m, d, traceID)
			return d, nil
		}
	}
	note("schema conformance ok (%d mutations)", len(tx.Mutations))

	base := e.graph.Snapshot()
	staged, err := newStagedGraph(base, e.schema, tx)
	if err != nil {
		var d *Decision
		if errors.Is(err, ErrNotUnique) {
			d = denyDecision(CategoryNotUnique, ReasonNotUnique, "", err.Error())
		} else {
			d = denyDecision(CategoryValidationFailed, ReasonTypeInvalid, "", err.Error())
		}
		note("staging failed: %s", err.Error())
		d.Trace = lines
		return d, nil
	}

	for _, m := range tx.Mutations {
		d := e.authorizeMutation(principal, base, staged, m, &lines, trace)
		e.auditDecision(principal, m, d, traceID)
		if !d.Allowed {
			d.Trace = lines
			e.logDebug("deny", "trace_id", traceID, "entity", m.Entity, "record", m.ID,
				"op", string(m.Op), "reason", string(d.Reason))
			return d, nil
		}
	}
	d := allowDecision("")
	d.Trace = lines
	return d, nil
}

// validateMutation rejects anything the schema does not declare, before any
// predicate runs. Unknown attributes and links are validation failures, not
// permission denials.
func (e *Engine) validateMutation(m *Mutation) *Decision {
	et, ok := e.schema.Entity(m.Entity)
	if !ok {
		return denyDecision(CategoryValidationFailed, ReasonUnknownEntity, "",
			fmt.Sprintf("unknown entity type %q", m.Entity))
	}
	if m.ID == "" {
		return denyDecision(CategoryValidationFailed, ReasonUnknownEntity, "", "mutation without record id")
	}
	switch m.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return denyDecision(CategoryValidationFailed, ReasonUnknownEntity, "",
			fmt.Sprintf("unknown mutation op %q", m.Op))
	}
	for name, val := range m.Attrs {
		attr, ok := et.Attr(name)
		if !ok {
			return denyDecision(CategoryValidationFailed, ReasonUnknownAttr, "",
				fmt.Sprintf("entity %q has no attribute %q", m.Entity, name))
		}
		if _, err := CoerceValue(attr.Kind, val); err != nil {
			return denyDecision(CategoryValidationFailed, ReasonTypeInvalid, "",
				fmt.Sprintf("%s.%s: %v", m.Entity, name, err))
		}
	}
	for label := range m.Link {
		if _, ok := e.schema.Edge(m.Entity, label); !ok {
			return denyDecision(CategoryValidationFailed, ReasonUnknownLink, "",
				fmt.Sprintf("entity %q has no link %q", m.Entity, label))
		}
	}
	for label := range m.Unlink {
		if _, ok := e.schema.Edge(m.Entity, label); !ok {
			return denyDecision(CategoryValidationFailed, ReasonUnknownLink, "",
				fmt.Sprintf("entity %q has no link %q", m.Entity, label))
		}
	}
	return nil
}

func actionFor(op Op) Action {
	switch op {
	case OpCreate:
		return ActionCreate
	case OpUpdate:
		return ActionUpdate
	case OpDelete:
		return ActionDelete
	}
	return ""
}

func (e *Engine) authorizeMutation(principal *Principal, base, staged Graph, m *Mutation, lines *[]string, trace bool) *Decision {
	note := func(format string, args ...any) {
		if trace {
			*lines = append(*lines, fmt.Sprintf(format, args...))
		}
	}
	action := actionFor(m.Op)
	ruleName := m.Entity + "/" + string(action)

	// uniqueness is independent of predicates and never visible to them
	if m.Op != OpDelete {
		et, _ := e.schema.Entity(m.Entity)
		for name, val := range m.Attrs {
			attr, _ := et.Attr(name)
			if !attr.Unique || val == nil {
				continue
			}
			cv, _ := CoerceValue(attr.Kind, val)
			if holder, taken := staged.LookupUnique(m.Entity, name, cv); taken && holder != m.ID {
				note("uniqueness collision on %s.%s", m.Entity, name)
				return denyDecision(CategoryNotUnique, ReasonNotUnique, ruleName,
					fmt.Sprintf("%s.%s=%v is already taken", m.Entity, name, val))
			}
		}
	}

	pred, source, ok := e.ruleSet().PredicateFor(m.Entity, action)
	if !ok {
		note("no %s rule for %q and no default", action, m.Entity)
		return denyDecision(CategoryPermissionDenied, ReasonNoRule, ruleName, "")
	}
	note("evaluating %s via rules %q", ruleName, source.Entity)

	evalCtx := e.newEvalContext(principal, source)
	cur, _ := base.Get(m.Entity, m.ID)
	merged, _ := staged.Get(m.Entity, m.ID)
	switch m.Op {
	case OpCreate:
		evalCtx.Data, evalCtx.DataGraph = merged, staged
		evalCtx.NewData, evalCtx.NewGraph = merged, staged
	case OpUpdate:
		evalCtx.Data, evalCtx.DataGraph = cur, base
		evalCtx.NewData, evalCtx.NewGraph = merged, staged
	case OpDelete:
		evalCtx.Data, evalCtx.DataGraph = cur, base
		evalCtx.NewData, evalCtx.NewGraph = cur, base
	}

	v, err := pred.Eval(evalCtx)
	if err != nil {
		// internal evaluation failures stay permission-denied to callers
		note("predicate error: %v", err)
		e.logError("predicate evaluation failed", "rule", ruleName, "error", err.Error())
		return denyDecision(CategoryPermissionDenied, ReasonPredicateError, ruleName, err.Error())
	}
	if b, isBool := v.(bool); isBool && b {
		note("%s allowed", ruleName)
		return allowDecision(ruleName)
	}
	note("%s denied (predicate %v)", ruleName, v)
	return denyDecision(CategoryPermissionDenied, ReasonPredicateFalse, ruleName, "")
}

func (e *Engine) newEvalContext(principal *Principal, source *EntityRules) *EvalContext {
	return &EvalContext{
		Schema:    e.schema,
		Auth:      principal,
		bindings:  source.bindings,
		memo:      make(map[string]any),
		maxFanOut: e.maxFanOut,
		maxItems:  e.maxItems,
	}
}

// Commit authorizes the bundle and, if allowed, applies it to the graph
// store. The store re-validates uniqueness under its own lock; a race lost
// at commit time surfaces as record-not-unique, a storage fault as
// internal-error.
func (e *Engine) Commit(ctx context.Context, principal *Principal, tx *Tx) (*Decision, error) {
	d, err := e.AuthorizeTx(ctx, principal, tx)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return d, nil
	}
	if err := e.graph.ApplyTx(tx); err != nil {
		switch {
		case errors.Is(err, ErrNotUnique):
			return denyDecision(CategoryNotUnique, ReasonNotUnique, "", err.Error()), nil
		case errors.Is(err, ErrValidationFailed):
			return denyDecision(CategoryValidationFailed, ReasonTypeInvalid, "", err.Error()), nil
		default:
			e.logError("graph commit failed", "error", err.Error())
			return denyDecision(CategoryInternal, ReasonStoreFault, "", err.Error()),
				fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	return d, nil
}

// ----------------------------------------------------------------------------
// Views
// ----------------------------------------------------------------------------

// CheckView decides whether the principal may see one record. Results are
// cached per graph version when a view cache is configured.
func (e *Engine) CheckView(ctx context.Context, principal *Principal, entity, id string) (*Decision, error) {
	snap := e.graph.Snapshot()
	var cacheKey string
	if e.viewCache != nil {
		pid := ""
		if principal != nil {
			pid = principal.ID
		}
		cacheKey = fmt.Sprintf("%d\x00%s\x00%s\x00%s", snap.Version(), pid, entity, id)
		if v, ok := e.viewCache.Get(cacheKey); ok {
			if d, ok := v.(*Decision); ok {
				return d, nil
			}
		}
	}
	d := e.checkView(principal, snap, entity, id)
	if e.viewCache != nil {
		e.viewCache.SetWithTTL(cacheKey, d, 1, e.viewCacheTTL)
	}
	return d, nil
}

func (e *Engine) checkView(principal *Principal, snap Graph, entity, id string) *Decision {
	ruleName := entity + "/" + string(ActionView)
	if _, ok := e.schema.Entity(entity); !ok {
		return denyDecision(CategoryValidationFailed, ReasonUnknownEntity, ruleName,
			fmt.Sprintf("unknown entity type %q", entity))
	}
	pred, source, ok := e.ruleSet().PredicateFor(entity, ActionView)
	if !ok {
		return denyDecision(CategoryPermissionDenied, ReasonNoRule, ruleName, "")
	}
	rec, ok := snap.Get(entity, id)
	if !ok {
		return denyDecision(CategoryPermissionDenied, ReasonPredicateFalse, ruleName, "no such record")
	}
	evalCtx := e.newEvalContext(principal, source)
	evalCtx.Data, evalCtx.DataGraph = rec, snap
	evalCtx.NewData, evalCtx.NewGraph = rec, snap
	v, err := pred.Eval(evalCtx)
	if err != nil {
		e.logError("predicate evaluation failed", "rule", ruleName, "error", err.Error())
		return denyDecision(CategoryPermissionDenied, ReasonPredicateError, ruleName, err.Error())
	}
	if b, isBool := v.(bool); isBool && b {
		return allowDecision(ruleName)
	}
	return denyDecision(CategoryPermissionDenied, ReasonPredicateFalse, ruleName, "")
}

// FilterVisible keeps the ids the principal's view predicate admits. An
// anonymous caller over auth-gated rules simply gets an empty result.
func (e *Engine) FilterVisible(ctx context.Context, principal *Principal, entity string, ids []string) ([]string, error) {
	snap := e.graph.Snapshot()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if d := e.checkView(principal, snap, entity, id); d.Allowed {
			out = append(out, id)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Audit
// ----------------------------------------------------------------------------

func (e *Engine) auditDecision(principal *Principal, m *Mutation, d *Decision, traceID string) {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Principal: principal,
		Action:    actionFor(m.Op),
		Entity:    m.Entity,
		RecordID:  m.ID,
		Decision:  d,
		TraceID:   traceID,
	}
	select {
	case e.auditCh <- entry:
	default:
		e.logError("audit channel full, dropping entry", "trace_id", traceID)
	}
}

// AccessLog queries the audit sink
func (e *Engine) AccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	return e.audit.GetAccessLog(ctx, filter)
}
