package stores

import (
	"context"
	"testing"

	"github.com/oarkflow/permgraph"
)

func testSchema(t *testing.T) *permgraph.Schema {
	t.Helper()
	schema, err := permgraph.NewSchema(
		[]permgraph.EntityType{
			{Name: "$users", Attributes: []permgraph.Attribute{
				{Name: "email", Kind: permgraph.KindString, Unique: true},
			}},
			{Name: "teams", Attributes: []permgraph.Attribute{
				{Name: "name", Kind: permgraph.KindString},
				{Name: "slug", Kind: permgraph.KindString, Unique: true},
			}},
			{Name: "projects", Attributes: []permgraph.Attribute{
				{Name: "name", Kind: permgraph.KindString},
			}},
		},
		[]permgraph.LinkDef{
			{Name: "teamProjects",
				Forward: permgraph.LinkSide{On: "projects", Has: permgraph.One, Label: "team", OnDelete: permgraph.Cascade},
				Reverse: permgraph.LinkSide{On: "teams", Has: permgraph.Many, Label: "projects"}},
		},
	)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return schema
}

func TestSQLGraphStoreJournalReplay(t *testing.T) {
	db := openTestDB(t)
	schema := testSchema(t)

	store, err := NewSQLGraphStore(db, schema)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	tx := permgraph.NewTx(
		&permgraph.Mutation{Entity: "teams", ID: "t1", Op: permgraph.OpCreate,
			Attrs: map[string]any{"name": "Acme", "slug": "acme"}},
		&permgraph.Mutation{Entity: "projects", ID: "p1", Op: permgraph.OpCreate,
			Attrs: map[string]any{"name": "Site"},
			Link:  map[string][]string{"team": {"t1"}}},
	)
	if err := store.ApplyTx(tx); err != nil {
		t.Fatalf("apply tx: %v", err)
	}

	// a second store over the same DB must replay to identical state
	replayed, err := NewSQLGraphStore(db, schema)
	if err != nil {
		t.Fatalf("replay store: %v", err)
	}
	rec, ok := replayed.Get("projects", "p1")
	if !ok {
		t.Fatalf("project not replayed")
	}
	if got := rec.Links["team"]; len(got) != 1 || got[0] != "t1" {
		t.Fatalf("link not replayed: %v", got)
	}
	if ids := replayed.RefIDs("teams", "t1", "projects"); len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("reverse link not replayed: %v", ids)
	}
	if id, ok := replayed.LookupUnique("teams", "slug", "acme"); !ok || id != "t1" {
		t.Fatalf("unique index not replayed: %s %v", id, ok)
	}
}

func TestSQLGraphStoreUniqueRejectedBeforeJournal(t *testing.T) {
	db := openTestDB(t)
	schema := testSchema(t)
	store, err := NewSQLGraphStore(db, schema)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ok := permgraph.NewTx(&permgraph.Mutation{Entity: "teams", ID: "t1", Op: permgraph.OpCreate,
		Attrs: map[string]any{"name": "A", "slug": "same"}})
	if err := store.ApplyTx(ok); err != nil {
		t.Fatalf("apply: %v", err)
	}
	dup := permgraph.NewTx(&permgraph.Mutation{Entity: "teams", ID: "t2", Op: permgraph.OpCreate,
		Attrs: map[string]any{"name": "B", "slug": "same"}})
	if err := store.ApplyTx(dup); err == nil {
		t.Fatalf("expected uniqueness rejection")
	}

	// the rejected tx must not be journaled
	replayed, err := NewSQLGraphStore(db, schema)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, ok := replayed.Get("teams", "t2"); ok {
		t.Fatalf("rejected tx leaked into journal")
	}
}

func TestSQLGraphStoreCompact(t *testing.T) {
	db := openTestDB(t)
	schema := testSchema(t)
	store, err := NewSQLGraphStore(db, schema)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	for _, tx := range []*permgraph.Tx{
		permgraph.NewTx(&permgraph.Mutation{Entity: "teams", ID: "t1", Op: permgraph.OpCreate,
			Attrs: map[string]any{"name": "Acme", "slug": "acme"}}),
		permgraph.NewTx(&permgraph.Mutation{Entity: "projects", ID: "p1", Op: permgraph.OpCreate,
			Attrs: map[string]any{"name": "Site"}, Link: map[string][]string{"team": {"t1"}}}),
		permgraph.NewTx(&permgraph.Mutation{Entity: "projects", ID: "p1", Op: permgraph.OpDelete}),
	} {
		if err := store.ApplyTx(tx); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	if err := store.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}

	replayed, err := NewSQLGraphStore(db, schema)
	if err != nil {
		t.Fatalf("replay after compact: %v", err)
	}
	if _, ok := replayed.Get("teams", "t1"); !ok {
		t.Fatalf("team lost in compaction")
	}
	if _, ok := replayed.Get("projects", "p1"); ok {
		t.Fatalf("deleted project resurrected by compaction")
	}
}
