package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oarkflow/permgraph"
	"github.com/oarkflow/squealx"
)

// SQLGraphStore is a durable GraphStore: reads are served by an in-memory
// graph, writes append the committed transaction to a SQL journal and then
// apply it in memory. Load replays the journal in order, so restarts
// reconstruct exactly the state the journal describes, cascades included.
type SQLGraphStore struct {
	mu     sync.Mutex
	db     *squealx.DB
	mem    *permgraph.MemoryGraph
	schema *permgraph.Schema
}

func NewSQLGraphStore(db *squealx.DB, schema *permgraph.Schema) (*SQLGraphStore, error) {
	s := &SQLGraphStore{
		db:     db,
		mem:    permgraph.NewMemoryGraph(schema),
		schema: schema,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLGraphStore) load() error {
	q := `SELECT tx_json FROM graph_journal ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(context.Background(), q, map[string]any{})
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	defer r.Close()
	for r.Next() {
		var txJSON string
		if err := r.Scan(&txJSON); err != nil {
			return err
		}
		tx := &permgraph.Tx{}
		if err := json.Unmarshal([]byte(txJSON), tx); err != nil {
			return fmt.Errorf("corrupt journal entry: %w", err)
		}
		if err := s.mem.ApplyTx(tx); err != nil {
			return fmt.Errorf("replay journal: %w", err)
		}
	}
	return nil
}

func (s *SQLGraphStore) Get(entity, id string) (*permgraph.Record, bool) {
	return s.mem.Get(entity, id)
}

func (s *SQLGraphStore) RefIDs(entity, id, label string) []string {
	return s.mem.RefIDs(entity, id, label)
}

func (s *SQLGraphStore) LookupUnique(entity, attr string, value any) (string, bool) {
	return s.mem.LookupUnique(entity, attr, value)
}

func (s *SQLGraphStore) Version() uint64 {
	return s.mem.Version()
}

func (s *SQLGraphStore) Snapshot() permgraph.Graph {
	return s.mem.Snapshot()
}

// ApplyTx journals the transaction and applies it to the in-memory graph.
// The memory apply runs first: it re-validates uniqueness and is the
// serialization point, so a rejected transaction never reaches the journal.
func (s *SQLGraphStore) ApplyTx(tx *permgraph.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.ApplyTx(tx); err != nil {
		return err
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: marshal tx: %v", permgraph.ErrInternal, err)
	}
	q := `INSERT INTO graph_journal(tx_json) VALUES(:tx_json)`
	if _, err := s.db.NamedExecContext(context.Background(), q, map[string]any{"tx_json": string(b)}); err != nil {
		return fmt.Errorf("%w: journal write: %v", permgraph.ErrInternal, err)
	}
	return nil
}

// Compact rewrites the journal as a single transaction recreating the
// current state. Useful once the journal grows far past the live record
// count.
func (s *SQLGraphStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.mem.Snapshot()
	tx := &permgraph.Tx{}
	seenLinks := make(map[string]bool)
	for _, entity := range s.schema.Entities() {
		for _, id := range s.recordIDs(entity) {
			rec, ok := snap.Get(entity, id)
			if !ok {
				continue
			}
			m := &permgraph.Mutation{Entity: entity, ID: id, Op: permgraph.OpCreate, Attrs: rec.Attrs}
			for label, ids := range rec.Links {
				edge, ok := s.schema.Edge(entity, label)
				if !ok {
					continue
				}
				for _, other := range ids {
					// each link pair is journaled once, from either side
					pair := linkPairKey(entity, id, edge.To, other, edge.Label, edge.ReverseLabel)
					if seenLinks[pair] {
						continue
					}
					seenLinks[pair] = true
					if m.Link == nil {
						m.Link = make(map[string][]string)
					}
					m.Link[label] = append(m.Link[label], other)
				}
			}
			tx.Mutations = append(tx.Mutations, m)
		}
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_journal`); err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO graph_journal(tx_json) VALUES(:tx_json)`,
		map[string]any{"tx_json": string(b)})
	return err
}

func (s *SQLGraphStore) recordIDs(entity string) []string {
	return s.mem.RecordIDs(entity)
}

func linkPairKey(entA, idA, entB, idB, labelA, labelB string) string {
	a := entA + "\x00" + idA + "\x00" + labelA
	b := entB + "\x00" + idB + "\x00" + labelB
	if a < b {
		return a + "\x00" + b
	}
	return b + "\x00" + a
}
