package permgraph

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// RECORDS AND MUTATIONS
// ============================================================================

// Principal is the authenticated identity attempting an operation. A nil
// *Principal is an anonymous caller: auth.id evaluates to null and every
// predicate comparing against it comes out false.
type Principal struct {
	ID    string         `json:"id"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Record is one stored entity instance. Attrs holds coerced attribute
// values; Links maps this record's own labels to related record ids (both
// directions of every link are materialized).
type Record struct {
	EntityType string              `json:"entity_type"`
	ID         string              `json:"id"`
	Attrs      map[string]any      `json:"attrs"`
	Links      map[string][]string `json:"links,omitempty"`
}

// Clone returns a deep copy. Stored records are treated as immutable, so
// merges always operate on a clone.
func (r *Record) Clone() *Record {
	cp := &Record{EntityType: r.EntityType, ID: r.ID, Attrs: make(map[string]any, len(r.Attrs))}
	for k, v := range r.Attrs {
		cp.Attrs[k] = v
	}
	if len(r.Links) > 0 {
		cp.Links = make(map[string][]string, len(r.Links))
		for k, v := range r.Links {
			ids := make([]string, len(v))
			copy(ids, v)
			cp.Links[k] = ids
		}
	}
	return cp
}

// Op is the mutation kind
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is one attempted change to a single record: proposed attribute
// writes plus link/unlink changes by label. An explicit nil attribute value
// clears the attribute.
type Mutation struct {
	Entity string              `json:"entity"`
	ID     string              `json:"id"`
	Op     Op                  `json:"op"`
	Attrs  map[string]any      `json:"attrs,omitempty"`
	Link   map[string][]string `json:"link,omitempty"`
	Unlink map[string][]string `json:"unlink,omitempty"`
}

// Tx is an atomic bundle of mutations. Every mutation is authorized against
// the post-transaction merged graph; all pass or the whole bundle is
// rejected.
type Tx struct {
	Mutations []*Mutation `json:"mutations"`
}

// NewTx bundles mutations into a transaction
func NewTx(muts ...*Mutation) *Tx { return &Tx{Mutations: muts} }

// ============================================================================
// GRAPH ACCESS
// ============================================================================

// Graph is a read-only, stable snapshot of the record graph. Implementations
// must be safe for concurrent readers.
type Graph interface {
	Get(entity, id string) (*Record, bool)
	// RefIDs returns the ids linked from (entity, id) via label, in stored order.
	RefIDs(entity, id, label string) []string
	// LookupUnique returns the id of the record holding value in a unique
	// attribute, if any.
	LookupUnique(entity, attr string, value any) (string, bool)
	// Version increases monotonically with every committed transaction.
	Version() uint64
}

// GraphStore is a Graph that also accepts committed transactions. ApplyTx
// must re-validate uniqueness under its own lock so two racing creates on
// the same unique value cannot both commit.
type GraphStore interface {
	Graph
	Snapshot() Graph
	ApplyTx(tx *Tx) error
}

// uniqueKey normalizes a value for unique-index lookups
func uniqueKey(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + x, true
	case float64:
		return fmt.Sprintf("n:%v", x), true
	case bool:
		return fmt.Sprintf("b:%v", x), true
	case time.Time:
		return fmt.Sprintf("d:%d", x.UnixMilli()), true
	}
	return "", false
}

// ============================================================================
// IN-MEMORY GRAPH
// ============================================================================

// MemoryGraph is the reference GraphStore: an id->record index per entity
// type with a unique-attribute index and copy-on-write snapshots. Committed
// records are immutable; ApplyTx swaps in rebuilt maps, so a Snapshot taken
// before a commit keeps observing the pre-commit state.
type MemoryGraph struct {
	mu      sync.RWMutex
	schema  *Schema
	records map[string]map[string]*Record
	unique  map[string]map[string]string // entity\x00attr -> valueKey -> id
	version uint64
}

// NewMemoryGraph builds an empty graph over schema
func NewMemoryGraph(schema *Schema) *MemoryGraph {
	return &MemoryGraph{
		schema:  schema,
		records: make(map[string]map[string]*Record),
		unique:  make(map[string]map[string]string),
	}
}

// memorySnapshot freezes one version of the graph
type memorySnapshot struct {
	records map[string]map[string]*Record
	unique  map[string]map[string]string
	schema  *Schema
	version uint64
}

func (s *memorySnapshot) Get(entity, id string) (*Record, bool) {
	r, ok := s.records[entity][id]
	return r, ok
}

func (s *memorySnapshot) RefIDs(entity, id, label string) []string {
	r, ok := s.records[entity][id]
	if !ok {
		return nil
	}
	return r.Links[label]
}

func (s *memorySnapshot) LookupUnique(entity, attr string, value any) (string, bool) {
	key, ok := uniqueKey(value)
	if !ok {
		return "", false
	}
	id, ok := s.unique[entity+"\x00"+attr][key]
	return id, ok
}

func (s *memorySnapshot) Version() uint64 { return s.version }

// Snapshot returns a stable read-only view of the current state
func (g *MemoryGraph) Snapshot() Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return &memorySnapshot{records: g.records, unique: g.unique, schema: g.schema, version: g.version}
}

func (g *MemoryGraph) Get(entity, id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[entity][id]
	return r, ok
}

func (g *MemoryGraph) RefIDs(entity, id, label string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[entity][id]
	if !ok {
		return nil
	}
	return r.Links[label]
}

func (g *MemoryGraph) LookupUnique(entity, attr string, value any) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key, ok := uniqueKey(value)
	if !ok {
		return "", false
	}
	id, ok := g.unique[entity+"\x00"+attr][key]
	return id, ok
}

// RecordIDs lists the ids stored for an entity type
func (g *MemoryGraph) RecordIDs(entity string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.records[entity]))
	for id := range g.records[entity] {
		out = append(out, id)
	}
	return out
}

func (g *MemoryGraph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// ApplyTx validates uniqueness once more and commits the whole bundle
// under the write lock. This is the serialization point for racing creates
// on a unique attribute.
func (g *MemoryGraph) ApplyTx(tx *Tx) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// commit-time uniqueness re-validation against current state
	for _, m := range tx.Mutations {
		if m.Op == OpDelete {
			continue
		}
		et, ok := g.schema.Entity(m.Entity)
		if !ok {
			return fmt.Errorf("%w: unknown entity type %q", ErrValidationFailed, m.Entity)
		}
		for name, val := range m.Attrs {
			attr, ok := et.Attr(name)
			if !ok {
				return fmt.Errorf("%w: entity %q has no attribute %q", ErrValidationFailed, m.Entity, name)
			}
			if !attr.Unique || val == nil {
				continue
			}
			cv, err := CoerceValue(attr.Kind, val)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidationFailed, err)
			}
			key, ok := uniqueKey(cv)
			if !ok {
				continue
			}
			if holder, taken := g.unique[m.Entity+"\x00"+name][key]; taken && holder != m.ID {
				return fmt.Errorf("%w: %s.%s=%v is already taken", ErrNotUnique, m.Entity, name, val)
			}
		}
	}

	next := g.cloneMaps()
	for _, m := range tx.Mutations {
		if err := next.apply(g.schema, m); err != nil {
			return err
		}
	}
	g.records = next.records
	g.unique = next.unique
	g.version++
	return nil
}

// mutableState is the under-construction next version of the graph
type mutableState struct {
	records map[string]map[string]*Record
	unique  map[string]map[string]string
	cowRec  map[string]bool
	cowUniq map[string]bool
}

func (g *MemoryGraph) cloneMaps() *mutableState {
	recs := make(map[string]map[string]*Record, len(g.records))
	for k, v := range g.records {
		recs[k] = v
	}
	uniq := make(map[string]map[string]string, len(g.unique))
	for k, v := range g.unique {
		uniq[k] = v
	}
	return &mutableState{records: recs, unique: uniq, cowRec: make(map[string]bool), cowUniq: make(map[string]bool)}
}

func (st *mutableState) entityRecs(entity string) map[string]*Record {
	if !st.cowRec[entity] {
		cp := make(map[string]*Record, len(st.records[entity])+1)
		for k, v := range st.records[entity] {
			cp[k] = v
		}
		st.records[entity] = cp
		st.cowRec[entity] = true
	}
	return st.records[entity]
}

func (st *mutableState) uniqueIdx(entity, attr string) map[string]string {
	key := entity + "\x00" + attr
	if !st.cowUniq[key] {
		cp := make(map[string]string, len(st.unique[key])+1)
		for k, v := range st.unique[key] {
			cp[k] = v
		}
		st.unique[key] = cp
		st.cowUniq[key] = true
	}
	return st.unique[key]
}

func (st *mutableState) apply(schema *Schema, m *Mutation) error {
	switch m.Op {
	case OpCreate, OpUpdate:
		return st.upsert(schema, m)
	case OpDelete:
		st.deleteRecord(schema, m.Entity, m.ID, map[string]bool{})
		return nil
	}
	return fmt.Errorf("unknown mutation op %q", m.Op)
}

func (st *mutableState) upsert(schema *Schema, m *Mutation) error {
	et, _ := schema.Entity(m.Entity)
	recs := st.entityRecs(m.Entity)
	var rec *Record
	if cur, ok := recs[m.ID]; ok {
		rec = cur.Clone()
	} else {
		rec = &Record{EntityType: m.Entity, ID: m.ID, Attrs: make(map[string]any)}
	}
	for name, val := range m.Attrs {
		attr, _ := et.Attr(name)
		cv, err := CoerceValue(attr.Kind, val)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrValidationFailed, m.Entity, name, err)
		}
		if attr.Unique {
			idx := st.uniqueIdx(m.Entity, name)
			if old, ok := rec.Attrs[name]; ok {
				if k, kok := uniqueKey(old); kok {
					delete(idx, k)
				}
			}
			if k, kok := uniqueKey(cv); kok {
				// catches two creates of the same value inside one tx
				if holder, taken := idx[k]; taken && holder != m.ID {
					return fmt.Errorf("%w: %s.%s=%v is already taken", ErrNotUnique, m.Entity, name, val)
				}
				idx[k] = m.ID
			}
		}
		if cv == nil {
			delete(rec.Attrs, name)
		} else {
			rec.Attrs[name] = cv
		}
	}
	recs[m.ID] = rec
	for label, ids := range m.Unlink {
		for _, other := range ids {
			st.unlink(schema, m.Entity, m.ID, label, other)
		}
	}
	for label, ids := range m.Link {
		edge, ok := schema.Edge(m.Entity, label)
		if !ok {
			return fmt.Errorf("%w: entity %q has no link %q", ErrValidationFailed, m.Entity, label)
		}
		// a one-cardinality link replaces the current target
		if edge.Cardinality == One {
			for _, prev := range recs[m.ID].Links[label] {
				st.unlink(schema, m.Entity, m.ID, label, prev)
			}
		}
		for _, other := range ids {
			// commit-time re-validation of the one-cardinality reverse slot
			if edge.ReverseCardinality == One {
				if tgt, ok := st.records[edge.To][other]; ok && tgt != nil {
					for _, occ := range tgt.Links[edge.ReverseLabel] {
						if occ == m.ID {
							continue
						}
						if _, alive := st.records[m.Entity][occ]; alive {
							return fmt.Errorf("%w: %s %q already linked to %s %q via %q",
								ErrNotUnique, edge.To, other, m.Entity, occ, edge.ReverseLabel)
						}
					}
				}
			}
			st.link(schema, m.Entity, m.ID, label, other)
		}
	}
	return nil
}

func (st *mutableState) link(schema *Schema, entity, id, label, otherID string) {
	edge, ok := schema.Edge(entity, label)
	if !ok {
		return
	}
	st.attach(entity, id, label, otherID)
	st.attach(edge.To, otherID, edge.ReverseLabel, id)
}

func (st *mutableState) unlink(schema *Schema, entity, id, label, otherID string) {
	edge, ok := schema.Edge(entity, label)
	if !ok {
		return
	}
	st.detach(entity, id, label, otherID)
	st.detach(edge.To, otherID, edge.ReverseLabel, id)
}

func (st *mutableState) attach(entity, id, label, otherID string) {
	recs := st.entityRecs(entity)
	rec, ok := recs[id]
	if !ok {
		rec = &Record{EntityType: entity, ID: id, Attrs: make(map[string]any)}
	} else {
		rec = rec.Clone()
	}
	if rec.Links == nil {
		rec.Links = make(map[string][]string)
	}
	for _, existing := range rec.Links[label] {
		if existing == otherID {
			recs[id] = rec
			return
		}
	}
	rec.Links[label] = append(rec.Links[label], otherID)
	recs[id] = rec
}

func (st *mutableState) detach(entity, id, label, otherID string) {
	recs := st.entityRecs(entity)
	rec, ok := recs[id]
	if !ok {
		return
	}
	rec = rec.Clone()
	ids := rec.Links[label]
	out := ids[:0]
	for _, v := range ids {
		if v != otherID {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		delete(rec.Links, label)
	} else {
		rec.Links[label] = out
	}
	recs[id] = rec
}

// deleteRecord removes a record, detaches all of its links and cascades to
// dependents whose edge declares on_delete cascade. The visited set keeps
// self-referential hierarchies (component parent/children) from looping.
func (st *mutableState) deleteRecord(schema *Schema, entity, id string, visited map[string]bool) {
	key := entity + "\x00" + id
	if visited[key] {
		return
	}
	visited[key] = true
	recs := st.entityRecs(entity)
	rec, ok := recs[id]
	if !ok {
		return
	}
	// cascade: records pointing at this one through a cascade edge die with it
	for _, edge := range schema.EdgesFrom(entity) {
		rev := schema.Reverse(edge)
		if rev == nil || rev.OnDelete != Cascade {
			continue
		}
		for _, depID := range rec.Links[edge.Label] {
			st.deleteRecord(schema, edge.To, depID, visited)
		}
	}
	if cur, still := st.entityRecs(entity)[id]; still {
		rec = cur
	} else {
		return
	}
	for label, ids := range rec.Links {
		for _, other := range ids {
			st.unlink(schema, entity, id, label, other)
		}
	}
	et, _ := schema.Entity(entity)
	if et != nil {
		for _, attr := range et.Attributes {
			if !attr.Unique {
				continue
			}
			if v, ok := rec.Attrs[attr.Name]; ok {
				if k, kok := uniqueKey(v); kok {
					delete(st.uniqueIdx(entity, attr.Name), k)
				}
			}
		}
	}
	delete(st.entityRecs(entity), id)
}

// ============================================================================
// STAGED (POST-TRANSACTION) VIEW
// ============================================================================

// stagedGraph overlays a transaction's proposed end state on a base
// snapshot. Authorization of composite transactions reads through it so
// cross-entity existence checks see the merged graph, not a single-entity
// delta.
type stagedGraph struct {
	base    Graph
	schema  *Schema
	recs    map[string]map[string]*Record // nil entry = tombstone
	linkAdd map[string]map[string][]string
	linkDel map[string]map[string]map[string]bool
}

func stageKey(entity, id string) string { return entity + "\x00" + id }

// newStagedGraph merges tx onto base. Attribute values must already be
// schema-checked; coercion failures surface as validation errors.
func newStagedGraph(base Graph, schema *Schema, tx *Tx) (*stagedGraph, error) {
	sg := &stagedGraph{
		base:    base,
		schema:  schema,
		recs:    make(map[string]map[string]*Record),
		linkAdd: make(map[string]map[string][]string),
		linkDel: make(map[string]map[string]map[string]bool),
	}
	for _, m := range tx.Mutations {
		if err := sg.stage(m); err != nil {
			return nil, err
		}
	}
	return sg, nil
}

func (sg *stagedGraph) entityRecs(entity string) map[string]*Record {
	m, ok := sg.recs[entity]
	if !ok {
		m = make(map[string]*Record)
		sg.recs[entity] = m
	}
	return m
}

func (sg *stagedGraph) stage(m *Mutation) error {
	recs := sg.entityRecs(m.Entity)
	if m.Op == OpDelete {
		recs[m.ID] = nil
		return nil
	}
	et, ok := sg.schema.Entity(m.Entity)
	if !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrValidationFailed, m.Entity)
	}
	var rec *Record
	if staged, ok := recs[m.ID]; ok && staged != nil {
		rec = staged
	} else if cur, ok := sg.base.Get(m.Entity, m.ID); ok {
		rec = cur.Clone()
	} else {
		rec = &Record{EntityType: m.Entity, ID: m.ID, Attrs: make(map[string]any)}
	}
	for name, val := range m.Attrs {
		attr, ok := et.Attr(name)
		if !ok {
			return fmt.Errorf("%w: entity %q has no attribute %q", ErrValidationFailed, m.Entity, name)
		}
		cv, err := CoerceValue(attr.Kind, val)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrValidationFailed, m.Entity, name, err)
		}
		if cv == nil {
			delete(rec.Attrs, name)
		} else {
			rec.Attrs[name] = cv
		}
	}
	recs[m.ID] = rec
	for label, ids := range m.Unlink {
		edge, ok := sg.schema.Edge(m.Entity, label)
		if !ok {
			return fmt.Errorf("%w: entity %q has no link %q", ErrValidationFailed, m.Entity, label)
		}
		for _, other := range ids {
			sg.stageUnlink(m.Entity, m.ID, label, other)
			sg.stageUnlink(edge.To, other, edge.ReverseLabel, m.ID)
		}
	}
	for label, ids := range m.Link {
		edge, ok := sg.schema.Edge(m.Entity, label)
		if !ok {
			return fmt.Errorf("%w: entity %q has no link %q", ErrValidationFailed, m.Entity, label)
		}
		if edge.Cardinality == One {
			for _, prev := range sg.RefIDs(m.Entity, m.ID, label) {
				sg.stageUnlink(m.Entity, m.ID, label, prev)
				sg.stageUnlink(edge.To, prev, edge.ReverseLabel, m.ID)
			}
		}
		for _, other := range ids {
			// a one-cardinality reverse side is a uniqueness constraint:
			// the target may hold at most one living record in that slot
			if edge.ReverseCardinality == One {
				for _, occ := range sg.RefIDs(edge.To, other, edge.ReverseLabel) {
					if occ == m.ID {
						continue
					}
					if _, alive := sg.Get(m.Entity, occ); !alive {
						continue
					}
					return fmt.Errorf("%w: %s %q already linked to %s %q via %q",
						ErrNotUnique, edge.To, other, m.Entity, occ, edge.ReverseLabel)
				}
			}
			sg.stageLink(m.Entity, m.ID, label, other)
			sg.stageLink(edge.To, other, edge.ReverseLabel, m.ID)
		}
	}
	return nil
}

func (sg *stagedGraph) stageLink(entity, id, label, otherID string) {
	key := stageKey(entity, id)
	if sg.linkAdd[key] == nil {
		sg.linkAdd[key] = make(map[string][]string)
	}
	for _, v := range sg.linkAdd[key][label] {
		if v == otherID {
			return
		}
	}
	sg.linkAdd[key][label] = append(sg.linkAdd[key][label], otherID)
	if dels := sg.linkDel[key]; dels != nil {
		delete(dels[label], otherID)
	}
}

func (sg *stagedGraph) stageUnlink(entity, id, label, otherID string) {
	key := stageKey(entity, id)
	if sg.linkDel[key] == nil {
		sg.linkDel[key] = make(map[string]map[string]bool)
	}
	if sg.linkDel[key][label] == nil {
		sg.linkDel[key][label] = make(map[string]bool)
	}
	sg.linkDel[key][label][otherID] = true
	if adds := sg.linkAdd[key]; adds != nil {
		ids := adds[label]
		out := ids[:0]
		for _, v := range ids {
			if v != otherID {
				out = append(out, v)
			}
		}
		adds[label] = out
	}
}

func (sg *stagedGraph) Get(entity, id string) (*Record, bool) {
	if recs, ok := sg.recs[entity]; ok {
		if rec, staged := recs[id]; staged {
			if rec == nil {
				return nil, false
			}
			return rec, true
		}
	}
	return sg.base.Get(entity, id)
}

func (sg *stagedGraph) RefIDs(entity, id, label string) []string {
	if recs, ok := sg.recs[entity]; ok {
		if rec, staged := recs[id]; staged && rec == nil {
			return nil
		}
	}
	key := stageKey(entity, id)
	dels := sg.linkDel[key][label]
	adds := sg.linkAdd[key][label]
	var out []string
	for _, v := range sg.base.RefIDs(entity, id, label) {
		if dels[v] {
			continue
		}
		if sg.deleted(sg.linkTarget(entity, label), v) {
			continue
		}
		out = append(out, v)
	}
	for _, v := range adds {
		dup := false
		for _, existing := range out {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func (sg *stagedGraph) linkTarget(entity, label string) string {
	if edge, ok := sg.schema.Edge(entity, label); ok {
		return edge.To
	}
	return ""
}

func (sg *stagedGraph) deleted(entity, id string) bool {
	if entity == "" {
		return false
	}
	if recs, ok := sg.recs[entity]; ok {
		if rec, staged := recs[id]; staged && rec == nil {
			return true
		}
	}
	return false
}

func (sg *stagedGraph) LookupUnique(entity, attr string, value any) (string, bool) {
	want, ok := uniqueKey(value)
	if !ok {
		return "", false
	}
	// the committed holder wins unless this tx rewrote or deleted it;
	// checking base first keeps a staged record from masking the collision
	if id, ok := sg.base.LookupUnique(entity, attr, value); ok {
		rec, staged := sg.recs[entity][id]
		if !staged {
			return id, true
		}
		if rec != nil {
			if got, ok := uniqueKey(rec.Attrs[attr]); ok && got == want {
				return id, true
			}
		}
	}
	for id, rec := range sg.recs[entity] {
		if rec == nil {
			continue
		}
		if got, ok := uniqueKey(rec.Attrs[attr]); ok && got == want {
			return id, true
		}
	}
	return "", false
}

func (sg *stagedGraph) Version() uint64 { return sg.base.Version() }
