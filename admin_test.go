package permgraph

import (
	"context"
	"testing"
	"time"
)

func TestAdminBypassesPredicates(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	// pages deny delete outright for regular principals; the admin
	// surface never consults the rule
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	if d := createProject(t, e, alice, "t1", "pr1", "acme-site"); !d.Allowed {
		t.Fatalf("project denied: %+v", d)
	}
	now := time.Now()
	if d, err := e.Commit(ctx, alice, NewTx(&Mutation{Entity: "pages", ID: "pg1", Op: OpCreate,
		Attrs: map[string]any{"path": "/", "createdAt": now, "updatedAt": now},
		Link:  map[string][]string{"project": {"pr1"}}})); err != nil || !d.Allowed {
		t.Fatalf("page create: %v %+v", err, d)
	}

	if d, _ := e.Authorize(ctx, alice, &Mutation{Entity: "pages", ID: "pg1", Op: OpDelete}); d.Allowed {
		t.Fatal("page delete must be denied for principals")
	}
	d, err := e.Admin().Delete(ctx, "pages", "pg1")
	if err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if !d.Allowed || d.Rule != "admin" {
		t.Fatalf("admin delete: %+v", d)
	}
	if _, ok := e.graph.Snapshot().Get("pages", "pg1"); ok {
		t.Fatal("page survived admin delete")
	}
}

func TestAdminKeepsSchemaValidation(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	d, err := e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "$users", ID: "u1", Op: OpCreate,
		Attrs: map[string]any{"email": "u1@example.com", "nickname": "al"}}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Allowed || d.Category != CategoryValidationFailed || d.Reason != ReasonUnknownAttr {
		t.Fatalf("unknown attribute should fail validation even for admin: %+v", d)
	}

	d, err = e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": 7, "slug": "acme", "createdAt": time.Now()}}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Allowed || d.Reason != ReasonTypeInvalid {
		t.Fatalf("type mismatch should fail validation even for admin: %+v", d)
	}
}

func TestAdminKeepsUniqueness(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	if d, err := e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "$users", ID: "u1", Op: OpCreate,
		Attrs: map[string]any{"email": "dup@example.com"}})); err != nil || !d.Allowed {
		t.Fatalf("seed: %v %+v", err, d)
	}
	d, err := e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "$users", ID: "u2", Op: OpCreate,
		Attrs: map[string]any{"email": "dup@example.com"}}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Allowed || d.Category != CategoryNotUnique {
		t.Fatalf("duplicate email should collide even for admin: %+v", d)
	}
}

func TestAdminRejectsEmptyTransaction(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()

	d, err := e.Admin().Apply(context.Background(), NewTx())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Allowed || d.Category != CategoryValidationFailed {
		t.Fatalf("empty tx: %+v", d)
	}
}

func TestAdminDeleteCascades(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	if d := createProject(t, e, alice, "t1", "pr1", "acme-site"); !d.Allowed {
		t.Fatalf("project denied: %+v", d)
	}

	if d, err := e.Admin().Delete(ctx, "teams", "t1"); err != nil || !d.Allowed {
		t.Fatalf("admin delete: %v %+v", err, d)
	}
	snap := e.graph.Snapshot()
	if _, ok := snap.Get("members", "m1"); ok {
		t.Fatal("member survived team cascade")
	}
	if _, ok := snap.Get("projects", "pr1"); ok {
		t.Fatal("project survived team cascade")
	}
	if _, ok := snap.Get("profiles", "p1"); !ok {
		t.Fatal("profile must survive team cascade")
	}
}

func TestAdminAuditTrail(t *testing.T) {
	e := newSaaSEngine(t)
	ctx := context.Background()

	if d, err := e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "$users", ID: "u1", Op: OpCreate,
		Attrs: map[string]any{"email": "u1@example.com"}})); err != nil || !d.Allowed {
		t.Fatalf("seed: %v %+v", err, d)
	}
	e.Close() // flush the audit channel

	entries, err := e.AccessLog(ctx, AuditFilter{Entity: "$users"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("admin apply left no audit entries")
	}
	for _, entry := range entries {
		if entry.Metadata["admin"] != true {
			t.Fatalf("admin entry not flagged: %+v", entry.Metadata)
		}
		if entry.GetTraceID() == "" {
			t.Fatal("admin entry missing trace id")
		}
		if entry.Decision == nil || entry.Decision.Rule != "admin" {
			t.Fatalf("admin entry decision: %+v", entry.Decision)
		}
	}
}

func TestExplainMutationBuildsPrincipal(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	signUp(t, e, "u1", "p1", "u1@example.com")

	d, err := e.ExplainMutation(ctx, &ExplainRequest{
		PrincipalID: "u1",
		Entity:      "teams",
		RecordID:    "t1",
		Op:          OpCreate,
		Attrs:       map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now()},
	})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("team create should be allowed: %+v", d)
	}
	if len(d.Trace) == 0 {
		t.Fatal("explain must carry a trace")
	}

	// an empty principal id means anonymous
	d, err = e.ExplainMutation(ctx, &ExplainRequest{
		Entity:   "teams",
		RecordID: "t2",
		Op:       OpCreate,
		Attrs:    map[string]any{"name": "Acme", "slug": "acme2", "createdAt": time.Now()},
	})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if d.Allowed {
		t.Fatalf("anonymous team create should be denied: %+v", d)
	}
}
