package permgraph

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newSaaSEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	schema, err := SaaSSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	rules, err := NewRuleSet(schema, SaaSRules())
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	e, err := New(schema, rules, NewMemoryGraph(schema), opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

// signUp seeds a user and their profile through the admin surface, the way
// the server-side sign-up path does.
func signUp(t *testing.T, e *Engine, userID, profileID, email string) {
	t.Helper()
	d, err := e.Admin().Apply(context.Background(), NewTx(
		&Mutation{Entity: "$users", ID: userID, Op: OpCreate,
			Attrs: map[string]any{"email": email}},
		&Mutation{Entity: "profiles", ID: profileID, Op: OpCreate,
			Attrs: map[string]any{"name": "User " + userID, "createdAt": time.Now()},
			Link:  map[string][]string{"user": {userID}}},
	))
	if err != nil {
		t.Fatalf("sign up %s: %v", userID, err)
	}
	if !d.Allowed {
		t.Fatalf("sign up %s denied: %+v", userID, d)
	}
}

// foundTeam commits a team with its founding member as the given principal
func foundTeam(t *testing.T, e *Engine, p *Principal, profileID, teamID, memberID, slug string) {
	t.Helper()
	now := time.Now()
	d, err := e.Commit(context.Background(), p, NewTx(
		&Mutation{Entity: "teams", ID: teamID, Op: OpCreate,
			Attrs: map[string]any{"name": "Team " + teamID, "slug": slug, "createdAt": now}},
		&Mutation{Entity: "members", ID: memberID, Op: OpCreate,
			Attrs: map[string]any{"role": "owner", "createdAt": now},
			Link:  map[string][]string{"profile": {profileID}, "team": {teamID}}},
	))
	if err != nil {
		t.Fatalf("found team %s: %v", teamID, err)
	}
	if !d.Allowed {
		t.Fatalf("found team %s denied: %+v", teamID, d)
	}
}

func createProject(t *testing.T, e *Engine, p *Principal, teamID, projectID, slug string) *Decision {
	t.Helper()
	d, err := e.Commit(context.Background(), p, NewTx(
		&Mutation{Entity: "projects", ID: projectID, Op: OpCreate,
			Attrs: map[string]any{"name": "Project", "slug": slug, "createdAt": time.Now()},
			Link:  map[string][]string{"team": {teamID}}},
	))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return d
}

func TestAnonymousIsDenied(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()

	d, err := e.Authorize(context.Background(), nil, &Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now()},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allowed || d.Category != CategoryPermissionDenied {
		t.Fatalf("anonymous create should be permission-denied, got %+v", d)
	}
}

func TestProfileCreation(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	if d, err := e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "$users", ID: "u1", Op: OpCreate,
		Attrs: map[string]any{"email": "u1@example.com"}})); err != nil || !d.Allowed {
		t.Fatalf("seed user: %v %+v", err, d)
	}
	alice := &Principal{ID: "u1"}

	// a user may create their own profile
	d, err := e.Commit(ctx, alice, NewTx(&Mutation{Entity: "profiles", ID: "p1", Op: OpCreate,
		Attrs: map[string]any{"name": "Alice", "createdAt": time.Now()},
		Link:  map[string][]string{"user": {"u1"}}}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("own profile denied: %+v", d)
	}

	// but not a profile without a name
	d, _ = e.Authorize(ctx, alice, &Mutation{Entity: "profiles", ID: "p2", Op: OpCreate,
		Attrs: map[string]any{"createdAt": time.Now()},
		Link:  map[string][]string{"user": {"u1"}}})
	if d.Allowed {
		t.Fatal("nameless profile should be denied")
	}
	if d.Category != CategoryPermissionDenied {
		t.Fatalf("expected permission-denied, got %s", d.Category)
	}

	// and not a profile claiming to belong to someone else
	d, _ = e.Authorize(ctx, &Principal{ID: "u2"}, &Mutation{Entity: "profiles", ID: "p3", Op: OpCreate,
		Attrs: map[string]any{"name": "Imposter", "createdAt": time.Now()},
		Link:  map[string][]string{"user": {"u1"}}})
	if d.Allowed {
		t.Fatal("profile for another user should be denied")
	}
}

func TestProfileUpdate(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}

	d, err := e.Commit(ctx, alice, NewTx(&Mutation{Entity: "profiles", ID: "p1", Op: OpUpdate,
		Attrs: map[string]any{"name": "Alice Renamed"}}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("own profile update denied: %+v", d)
	}

	// clearing the name violates the update rule
	d, _ = e.Authorize(ctx, alice, &Mutation{Entity: "profiles", ID: "p1", Op: OpUpdate,
		Attrs: map[string]any{"name": nil}})
	if d.Allowed {
		t.Fatal("null name update should be denied")
	}

	// relinking the profile to another user is denied by hasValidUserLink
	if d, err := e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "$users", ID: "u2", Op: OpCreate,
		Attrs: map[string]any{"email": "u2@example.com"}})); err != nil || !d.Allowed {
		t.Fatalf("seed u2: %v %+v", err, d)
	}
	d, _ = e.Authorize(ctx, alice, &Mutation{Entity: "profiles", ID: "p1", Op: OpUpdate,
		Attrs: map[string]any{"name": "Alice"},
		Link:  map[string][]string{"user": {"u2"}}})
	if d.Allowed {
		t.Fatal("relinking profile to another user should be denied")
	}
}

func TestUnknownAttributeIsValidationFailure(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	signUp(t, e, "u1", "p1", "u1@example.com")

	d, err := e.Authorize(context.Background(), &Principal{ID: "u1"}, &Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now(), "motto": "onward"},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allowed || d.Category != CategoryValidationFailed || d.Reason != ReasonUnknownAttr {
		t.Fatalf("expected validation-failed/unknown-attribute, got %+v", d)
	}
}

func TestWrongAttributeTypeIsValidationFailure(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()

	d, err := e.Authorize(context.Background(), &Principal{ID: "u1"}, &Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": 42, "slug": "acme", "createdAt": time.Now()},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allowed || d.Category != CategoryValidationFailed || d.Reason != ReasonTypeInvalid {
		t.Fatalf("expected validation-failed/attribute-type-invalid, got %+v", d)
	}
}

func TestUnknownLinkIsValidationFailure(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()

	d, _ := e.Authorize(context.Background(), &Principal{ID: "u1"}, &Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now()},
		Link:  map[string][]string{"owner": {"u1"}},
	})
	if d.Allowed || d.Reason != ReasonUnknownLink {
		t.Fatalf("expected unknown-link, got %+v", d)
	}
}

func TestCompositeTeamCreation(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	signUp(t, e, "u2", "p2", "u2@example.com")
	alice := &Principal{ID: "u1"}

	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")

	// joining an existing team directly is denied: the member rule demands
	// the team have exactly one member in the merged graph
	now := time.Now()
	d, _ := e.Authorize(ctx, &Principal{ID: "u2"}, &Mutation{
		Entity: "members", ID: "m2", Op: OpCreate,
		Attrs: map[string]any{"role": "member", "createdAt": now},
		Link:  map[string][]string{"profile": {"p2"}, "team": {"t1"}},
	})
	if d.Allowed {
		t.Fatal("self-join of an existing team should be denied")
	}

	// a member record missing its required attrs is denied even for the founder
	d, _ = e.AuthorizeTx(ctx, &Principal{ID: "u2"}, NewTx(
		&Mutation{Entity: "teams", ID: "t2", Op: OpCreate,
			Attrs: map[string]any{"name": "Second", "slug": "second", "createdAt": now}},
		&Mutation{Entity: "members", ID: "m3", Op: OpCreate,
			Attrs: map[string]any{"role": "owner"},
			Link:  map[string][]string{"profile": {"p2"}, "team": {"t2"}}},
	))
	if d.Allowed {
		t.Fatal("member without createdAt should be denied")
	}
}

func TestUniqueSlugCollision(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	signUp(t, e, "u1", "p1", "u1@example.com")
	signUp(t, e, "u2", "p2", "u2@example.com")
	foundTeam(t, e, &Principal{ID: "u1"}, "p1", "t1", "m1", "acme")

	now := time.Now()
	d, err := e.Commit(context.Background(), &Principal{ID: "u2"}, NewTx(
		&Mutation{Entity: "teams", ID: "t2", Op: OpCreate,
			Attrs: map[string]any{"name": "Copycat", "slug": "acme", "createdAt": now}},
		&Mutation{Entity: "members", ID: "m2", Op: OpCreate,
			Attrs: map[string]any{"role": "owner", "createdAt": now},
			Link:  map[string][]string{"profile": {"p2"}, "team": {"t2"}}},
	))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if d.Allowed || d.Category != CategoryNotUnique {
		t.Fatalf("expected record-not-unique, got %+v", d)
	}
}

func TestProjectTeamLinkIsImmutable(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	if d := createProject(t, e, alice, "t1", "proj1", "site"); !d.Allowed {
		t.Fatalf("create project denied: %+v", d)
	}

	// update keeping the team is fine
	d, err := e.Commit(ctx, alice, NewTx(&Mutation{Entity: "projects", ID: "proj1", Op: OpUpdate,
		Attrs: map[string]any{"name": "Renamed", "slug": "site", "createdAt": time.Now()}}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("in-team update denied: %+v", d)
	}

	// moving the project to another team is not, even for a member of both
	foundTeam(t, e, alice, "p1", "t2", "m2", "other")
	d, _ = e.Authorize(ctx, alice, &Mutation{Entity: "projects", ID: "proj1", Op: OpUpdate,
		Attrs: map[string]any{"name": "Moved", "slug": "site", "createdAt": time.Now()},
		Link:  map[string][]string{"team": {"t2"}}})
	if d.Allowed {
		t.Fatal("moving a project between teams should be denied")
	}
}

func TestMaxItemsBoundary(t *testing.T) {
	e := newSaaSEngine(t, WithMaxItems(3))
	defer e.Close()
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")

	// the limit binding counts the merged graph, new record included
	for i := 1; i < 3; i++ {
		d := createProject(t, e, alice, "t1", fmt.Sprintf("proj%d", i), fmt.Sprintf("slug%d", i))
		if !d.Allowed {
			t.Fatalf("project %d should pass under the limit: %+v", i, d)
		}
	}
	d := createProject(t, e, alice, "t1", "proj3", "slug3")
	if d.Allowed {
		t.Fatal("project at the ceiling should be denied")
	}
	if d.Category != CategoryPermissionDenied {
		t.Fatalf("limit denial is permission-denied, got %s", d.Category)
	}
}

func TestInvitationFlow(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	signUp(t, e, "u2", "p2", "u2@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")

	now := time.Now()
	d, err := e.Commit(ctx, alice, NewTx(&Mutation{Entity: "invitations", ID: "inv1", Op: OpCreate,
		Attrs: map[string]any{"email": "newbie@example.com", "role": "member", "status": "pending", "createdAt": now},
		Link:  map[string][]string{"team": {"t1"}, "inviter": {"p1"}}}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("invitation denied: %+v", d)
	}

	// invitations are immutable; acceptance is a server-side path
	d, _ = e.Authorize(ctx, alice, &Mutation{Entity: "invitations", ID: "inv1", Op: OpUpdate,
		Attrs: map[string]any{"status": "accepted"}})
	if d.Allowed {
		t.Fatal("invitation update should be denied")
	}

	// only the inviter may retract it
	d, _ = e.Authorize(ctx, &Principal{ID: "u2"}, &Mutation{Entity: "invitations", ID: "inv1", Op: OpDelete})
	if d.Allowed {
		t.Fatal("non-inviter delete should be denied")
	}
	d, err = e.Commit(ctx, alice, NewTx(&Mutation{Entity: "invitations", ID: "inv1", Op: OpDelete}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("inviter delete denied: %+v", d)
	}
}

func TestViewAndFilter(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	signUp(t, e, "u2", "p2", "u2@example.com")
	alice, bob := &Principal{ID: "u1"}, &Principal{ID: "u2"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	createProject(t, e, alice, "t1", "proj1", "site")

	d, err := e.CheckView(ctx, alice, "projects", "proj1")
	if err != nil {
		t.Fatalf("check view: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("member view denied: %+v", d)
	}

	d, _ = e.CheckView(ctx, bob, "projects", "proj1")
	if d.Allowed {
		t.Fatal("outsider view should be denied")
	}

	d, _ = e.CheckView(ctx, alice, "projects", "ghost")
	if d.Allowed {
		t.Fatal("missing record view should be denied")
	}

	visible, err := e.FilterVisible(ctx, alice, "projects", []string{"proj1", "ghost"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(visible) != 1 || visible[0] != "proj1" {
		t.Fatalf("filter for member: %v", visible)
	}
	visible, _ = e.FilterVisible(ctx, bob, "projects", []string{"proj1"})
	if len(visible) != 0 {
		t.Fatalf("filter for outsider: %v", visible)
	}
	visible, _ = e.FilterVisible(ctx, nil, "projects", []string{"proj1"})
	if len(visible) != 0 {
		t.Fatalf("filter for anonymous: %v", visible)
	}
}

func TestViewCacheInvalidatesOnCommit(t *testing.T) {
	e := newSaaSEngine(t, WithViewCache(time.Minute))
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	createProject(t, e, alice, "t1", "proj1", "site")

	d1, _ := e.CheckView(ctx, alice, "projects", "proj1")
	d2, _ := e.CheckView(ctx, alice, "projects", "proj1")
	if !d1.Allowed || !d2.Allowed {
		t.Fatalf("cached view decisions differ: %+v %+v", d1, d2)
	}

	// a commit bumps the graph version; the fresh decision must see it
	if d, err := e.Admin().Delete(ctx, "projects", "proj1"); err != nil || !d.Allowed {
		t.Fatalf("admin delete: %v %+v", err, d)
	}
	d3, _ := e.CheckView(ctx, alice, "projects", "proj1")
	if d3.Allowed {
		t.Fatal("view of a deleted record should be denied")
	}
}

func TestDeleteDeniedByDefaultAdminCascades(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	createProject(t, e, alice, "t1", "proj1", "site")

	d, _ := e.Authorize(ctx, alice, &Mutation{Entity: "teams", ID: "t1", Op: OpDelete})
	if d.Allowed {
		t.Fatal("team delete should fall through to the deny-all default")
	}

	d, err := e.Admin().Delete(ctx, "teams", "t1")
	if err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("admin delete denied: %+v", d)
	}

	// cascade took the member and the project along
	snap := e.graph.Snapshot()
	if _, ok := snap.Get("teams", "t1"); ok {
		t.Fatal("team still present")
	}
	if _, ok := snap.Get("members", "m1"); ok {
		t.Fatal("member not cascaded")
	}
	if _, ok := snap.Get("projects", "proj1"); ok {
		t.Fatal("project not cascaded")
	}
	if _, ok := snap.Get("profiles", "p1"); !ok {
		t.Fatal("profile should survive a team delete")
	}
}

func TestExplainCarriesTrace(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	signUp(t, e, "u1", "p1", "u1@example.com")

	d, err := e.Explain(context.Background(), &Principal{ID: "u2"}, NewTx(&Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now()},
	}))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(d.Trace) == 0 {
		t.Fatal("explain produced no trace")
	}
	plain, err := e.Authorize(context.Background(), &Principal{ID: "u2"}, &Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now()},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if len(plain.Trace) != 0 {
		t.Fatal("plain authorize should not carry a trace")
	}
	if plain.Allowed != d.Allowed || plain.Category != d.Category {
		t.Fatalf("explain and authorize disagree: %+v vs %+v", d, plain)
	}
}

func TestAuditLog(t *testing.T) {
	e := newSaaSEngine(t)
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")
	if d, _ := e.Authorize(context.Background(), &Principal{ID: "u2"}, &Mutation{
		Entity: "teams", ID: "t1", Op: OpDelete}); d.Allowed {
		t.Fatal("setup: delete should be denied")
	}
	e.Close() // flush the async audit pipeline

	entries, err := e.AccessLog(context.Background(), AuditFilter{Entity: "teams"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries for teams")
	}
	var sawDeny, sawAllow bool
	for _, entry := range entries {
		if entry.GetTraceID() == "" {
			t.Fatalf("entry without trace id: %+v", entry)
		}
		if entry.Decision.Allowed {
			sawAllow = true
		} else {
			sawDeny = true
		}
	}
	if !sawAllow || !sawDeny {
		t.Fatalf("expected both outcomes in the log, allow=%v deny=%v", sawAllow, sawDeny)
	}
}

func TestReloadRules(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()
	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}
	foundTeam(t, e, alice, "p1", "t1", "m1", "acme")

	if d, _ := e.CheckView(ctx, alice, "teams", "t1"); !d.Allowed {
		t.Fatalf("pre-reload view denied: %+v", d)
	}

	// a rule set that fails to compile leaves the current one in place
	err := e.ReloadRules(map[string]RuleDef{
		"teams": {Allow: map[Action]string{ActionView: "auth.id =="}},
	})
	if err == nil {
		t.Fatal("malformed reload should fail")
	}
	if d, _ := e.CheckView(ctx, alice, "teams", "t1"); !d.Allowed {
		t.Fatalf("failed reload must keep old rules: %+v", d)
	}

	// a lockdown rule set takes effect immediately
	if err := e.ReloadRules(map[string]RuleDef{
		DefaultEntityKey: {Allow: map[Action]string{ActionDefault: "false"}},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d, _ := e.CheckView(ctx, alice, "teams", "t1"); d.Allowed {
		t.Fatal("post-lockdown view should be denied")
	}
}

func TestCommitRaceOnUniqueValue(t *testing.T) {
	// two engines over the same graph store model two nodes racing: the
	// store's commit-time re-validation must reject the loser.
	schema, err := SaaSSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	rules, err := NewRuleSet(schema, SaaSRules())
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	graph := NewMemoryGraph(schema)
	e1, err := New(schema, rules, graph)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e1.Close()
	e2, err := New(schema, rules, graph)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e2.Close()

	signUp(t, e1, "u1", "p1", "u1@example.com")
	signUp(t, e1, "u2", "p2", "u2@example.com")

	now := time.Now()
	mkTx := func(teamID, memberID, profileID string) *Tx {
		return NewTx(
			&Mutation{Entity: "teams", ID: teamID, Op: OpCreate,
				Attrs: map[string]any{"name": "Race", "slug": "raced", "createdAt": now}},
			&Mutation{Entity: "members", ID: memberID, Op: OpCreate,
				Attrs: map[string]any{"role": "owner", "createdAt": now},
				Link:  map[string][]string{"profile": {profileID}, "team": {teamID}}},
		)
	}

	// both authorize against the same pre-commit snapshot
	d1, err := e1.AuthorizeTx(context.Background(), &Principal{ID: "u1"}, mkTx("t1", "m1", "p1"))
	if err != nil || !d1.Allowed {
		t.Fatalf("first authorize: %v %+v", err, d1)
	}
	d2, err := e2.AuthorizeTx(context.Background(), &Principal{ID: "u2"}, mkTx("t2", "m2", "p2"))
	if err != nil || !d2.Allowed {
		t.Fatalf("second authorize: %v %+v", err, d2)
	}

	// first commit wins, second is rejected by the store
	if err := graph.ApplyTx(mkTx("t1", "m1", "p1")); err != nil {
		t.Fatalf("winning commit: %v", err)
	}
	d, err := e2.Commit(context.Background(), &Principal{ID: "u2"}, mkTx("t2", "m2", "p2"))
	if err != nil {
		t.Fatalf("losing commit errored: %v", err)
	}
	if d.Allowed || d.Category != CategoryNotUnique {
		t.Fatalf("expected record-not-unique for the loser, got %+v", d)
	}
}

func TestEmptyTransaction(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	d, err := e.AuthorizeTx(context.Background(), &Principal{ID: "u1"}, NewTx())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Allowed || d.Category != CategoryValidationFailed {
		t.Fatalf("empty tx should be validation-failed, got %+v", d)
	}
}

func TestDecisionErrMapping(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()

	d, _ := e.Authorize(context.Background(), nil, &Mutation{
		Entity: "teams", ID: "t1", Op: OpCreate,
		Attrs: map[string]any{"name": "Acme", "slug": "acme", "createdAt": time.Now()},
	})
	if err := d.Err(); err == nil {
		t.Fatal("denied decision must map to an error")
	}
	allowed := allowDecision("teams/create")
	if err := allowed.Err(); err != nil {
		t.Fatalf("allowed decision must map to nil, got %v", err)
	}
}

func TestSecondProfileForUserIsRejected(t *testing.T) {
	e := newSaaSEngine(t)
	defer e.Close()
	ctx := context.Background()

	signUp(t, e, "u1", "p1", "u1@example.com")
	alice := &Principal{ID: "u1"}

	// $users.profile has one cardinality; a second profile may not attach
	d, err := e.Commit(ctx, alice, NewTx(&Mutation{Entity: "profiles", ID: "p2", Op: OpCreate,
		Attrs: map[string]any{"name": "Alice Again", "createdAt": time.Now()},
		Link:  map[string][]string{"user": {"u1"}}}))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if d.Allowed || d.Category != CategoryNotUnique {
		t.Fatalf("duplicate profile should be a uniqueness failure: %+v", d)
	}
	if _, ok := e.graph.Snapshot().Get("profiles", "p2"); ok {
		t.Fatal("rejected profile was committed")
	}

	// the admin surface hits the same constraint at commit time
	d, err = e.Admin().Apply(ctx, NewTx(&Mutation{Entity: "profiles", ID: "p2", Op: OpCreate,
		Attrs: map[string]any{"name": "Alice Again", "createdAt": time.Now()},
		Link:  map[string][]string{"user": {"u1"}}}))
	if err != nil {
		t.Fatalf("admin apply: %v", err)
	}
	if d.Allowed || d.Category != CategoryNotUnique {
		t.Fatalf("admin duplicate profile: %+v", d)
	}

	// an unoccupied user still accepts a profile
	signUp(t, e, "u2", "p2", "u2@example.com")
}

func TestViewCacheOptionOrder(t *testing.T) {
	e := newSaaSEngine(t,
		WithEngineConfig(EngineConfig{RistrettoNumCounter: 500, RistrettoMaxCost: 1 << 20}),
		WithViewCache(time.Minute))
	defer e.Close()
	if e.viewCache == nil {
		t.Fatal("view cache not built")
	}
	if e.viewCacheCfg.numCounters != 1e5 {
		t.Fatalf("the later option should size the cache: %+v", e.viewCacheCfg)
	}

	e2 := newSaaSEngine(t,
		WithViewCache(time.Minute),
		WithEngineConfig(EngineConfig{RistrettoNumCounter: 500, RistrettoMaxCost: 1 << 20}))
	defer e2.Close()
	if e2.viewCache == nil {
		t.Fatal("view cache not built")
	}
	if e2.viewCacheCfg.numCounters != 500 {
		t.Fatalf("the later option should size the cache: %+v", e2.viewCacheCfg)
	}
}
