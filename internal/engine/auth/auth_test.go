package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

func TestAllows(t *testing.T) {
	lead := auth.Capabilities{IsProjectLeader: true}
	bal := auth.Capabilities{IsBusinessAreaLeader: true}
	dir := auth.Capabilities{IsDirectorateMember: true}
	admin := auth.Capabilities{IsSuperuser: true}
	nobody := auth.Capabilities{}

	cases := []struct {
		name    string
		caps    auth.Capabilities
		action  domain.Action
		stage   int
		allowed bool
	}{
		{"lead approves stage 1", lead, domain.ActionApprove, 1, true},
		{"lead denied stage 2", lead, domain.ActionApprove, 2, false},
		{"lead denied stage 3", lead, domain.ActionApprove, 3, false},
		{"bal approves stage 2", bal, domain.ActionApprove, 2, true},
		{"bal denied stage 1", bal, domain.ActionApprove, 1, false},
		{"dir approves stage 3", dir, domain.ActionApprove, 3, true},
		{"dir denied stage 2", dir, domain.ActionApprove, 2, false},
		{"admin approves anywhere", admin, domain.ActionApprove, 2, true},
		{"nobody denied", nobody, domain.ActionApprove, 1, false},
		{"lead recalls own stage", lead, domain.ActionRecall, 1, true},
		{"lead denied recall stage 2", lead, domain.ActionRecall, 2, false},
		{"bal sends back at stage 2", bal, domain.ActionSendBack, 2, true},
		{"lead requests approval", lead, domain.ActionRequestApproval, 0, true},
		{"bal denied request approval", bal, domain.ActionRequestApproval, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := auth.Allows(tc.caps, tc.action, tc.stage, domain.KindConceptPlan, domain.StageFlags{})
			if tc.allowed && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allowed && err == nil {
				t.Fatalf("expected denial")
			}
		})
	}
}

func TestAllowsMissingDelegate(t *testing.T) {
	caps := auth.Capabilities{BusinessAreaLeadUnset: true, DirectorateUnset: true}
	var missing auth.MissingDelegateError
	if err := auth.Allows(caps, domain.ActionApprove, 2, domain.KindConceptPlan, domain.StageFlags{}); !errors.As(err, &missing) {
		t.Fatalf("stage 2: %v", err)
	}
	if missing.Role != "business_area_lead" {
		t.Fatalf("role: %s", missing.Role)
	}
	if err := auth.Allows(caps, domain.ActionApprove, 3, domain.KindConceptPlan, domain.StageFlags{}); !errors.As(err, &missing) {
		t.Fatalf("stage 3: %v", err)
	}
	// The superuser bypasses even a missing role-holder.
	admin := auth.Capabilities{IsSuperuser: true, BusinessAreaLeadUnset: true}
	if err := auth.Allows(admin, domain.ActionApprove, 2, domain.KindConceptPlan, domain.StageFlags{}); err != nil {
		t.Fatalf("superuser: %v", err)
	}
}

func TestAllowsReopenMirrorsHighestStage(t *testing.T) {
	lead := auth.Capabilities{IsProjectLeader: true}
	bal := auth.Capabilities{IsBusinessAreaLeader: true}
	dir := auth.Capabilities{IsDirectorateMember: true}

	full := domain.StageFlags{ProjectLead: true, BusinessAreaLead: true, Directorate: true}
	if err := auth.Allows(dir, domain.ActionReopen, 0, domain.KindProjectClosure, full); err != nil {
		t.Fatalf("directorate reopen: %v", err)
	}
	if err := auth.Allows(bal, domain.ActionReopen, 0, domain.KindProjectClosure, full); err != nil {
		t.Fatalf("bal reopen of fully approved: %v", err)
	}
	if err := auth.Allows(lead, domain.ActionReopen, 0, domain.KindProjectClosure, full); err == nil {
		t.Fatalf("lead must not reopen past stage 2")
	}
	stage1Only := domain.StageFlags{ProjectLead: true}
	if err := auth.Allows(lead, domain.ActionReopen, 0, domain.KindProjectClosure, stage1Only); err != nil {
		t.Fatalf("lead reopen at own stage: %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func seedResolverFixture(t *testing.T, conn *sql.DB) repo.Repo {
	t.Helper()
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := "2026-03-01T00:00:00Z"
	for _, pk := range []string{"lead", "bal", "dir", "helper"} {
		if err := r.InsertUser(ctx, domain.User{PK: pk, Name: pk, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.InsertDivision(ctx, domain.Division{PK: "div-1", Name: "Science"}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddDirectorateMember(ctx, "div-1", "dir"); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-1", Name: "Rivers", DivisionPK: "div-1", LeaderPK: "bal"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertProject(ctx, domain.Project{
		PK: "proj-1", Title: "p", Status: domain.ProjectActive, BusinessAreaPK: "ba-1",
		Team:      []domain.Member{{UserPK: "lead", IsLeader: true}},
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResolveRoles(t *testing.T) {
	conn := openTestDB(t)
	seedResolverFixture(t, conn)
	resolver := auth.Resolver{DB: conn}
	ctx := context.Background()

	caps, err := resolver.Resolve(ctx, "lead", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !caps.IsProjectLeader || caps.IsBusinessAreaLeader || caps.IsDirectorateMember {
		t.Fatalf("lead caps: %+v", caps)
	}
	caps, _ = resolver.Resolve(ctx, "bal", "proj-1")
	if !caps.IsBusinessAreaLeader {
		t.Fatalf("bal caps: %+v", caps)
	}
	caps, _ = resolver.Resolve(ctx, "dir", "proj-1")
	if !caps.IsDirectorateMember {
		t.Fatalf("dir caps: %+v", caps)
	}
	if _, err := resolver.Resolve(ctx, "ghost", "proj-1"); err == nil {
		t.Fatalf("unknown user should error")
	}
}

func TestResolveCaretakerDelegation(t *testing.T) {
	conn := openTestDB(t)
	r := seedResolverFixture(t, conn)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := auth.Resolver{DB: conn, Now: func() time.Time { return now }}

	// helper has no authority of their own.
	caps, err := resolver.Resolve(ctx, "helper", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if caps.IsBusinessAreaLeader || caps.BusinessAreaLeaderViaCaretaker {
		t.Fatalf("before delegation: %+v", caps)
	}

	if err := r.SetCaretaker(ctx, domain.CaretakerAssignment{
		PK: "ca-1", UserPK: "bal", CaretakerPK: "helper",
		Reason: "leave", EndDate: "2026-03-31T00:00:00Z",
		CreatedAt: "2026-03-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	caps, err = resolver.Resolve(ctx, "helper", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !caps.BusinessAreaLeaderViaCaretaker {
		t.Fatalf("delegation should grant stage 2: %+v", caps)
	}
	if caps.IsBusinessAreaLeader {
		t.Fatalf("delegated role must not read as the actor's own: %+v", caps)
	}
	if err := auth.Allows(caps, domain.ActionApprove, 2, domain.KindConceptPlan, domain.StageFlags{}); err != nil {
		t.Fatalf("caretaker approve stage 2: %v", err)
	}

	// An expired delegation stops working immediately.
	resolver.Now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	caps, err = resolver.Resolve(ctx, "helper", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if caps.BusinessAreaLeaderViaCaretaker {
		t.Fatalf("expired delegation still grants: %+v", caps)
	}
	var denied auth.DeniedError
	err = auth.Allows(caps, domain.ActionApprove, 2, domain.KindConceptPlan, domain.StageFlags{})
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
}

func TestResolveUnsetRoleHolders(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := "2026-03-01T00:00:00Z"
	if err := r.InsertUser(ctx, domain.User{PK: "lead", Name: "lead", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertDivision(ctx, domain.Division{PK: "div-2", Name: "Empty"}); err != nil {
		t.Fatal(err)
	}
	// No leader, no directorate members.
	if err := r.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-2", Name: "Vacant", DivisionPK: "div-2"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertProject(ctx, domain.Project{
		PK: "proj-2", Title: "p", Status: domain.ProjectActive, BusinessAreaPK: "ba-2",
		Team:      []domain.Member{{UserPK: "lead", IsLeader: true}},
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	resolver := auth.Resolver{DB: conn}
	caps, err := resolver.Resolve(ctx, "lead", "proj-2")
	if err != nil {
		t.Fatal(err)
	}
	if !caps.BusinessAreaLeadUnset || !caps.DirectorateUnset {
		t.Fatalf("unset detection: %+v", caps)
	}
	var missing auth.MissingDelegateError
	if err := auth.Allows(caps, domain.ActionApprove, 2, domain.KindConceptPlan, domain.StageFlags{}); !errors.As(err, &missing) {
		t.Fatalf("expected missing delegate, got %v", err)
	}
}

func TestResolveSuperuserViaCaretaker(t *testing.T) {
	conn := openTestDB(t)
	r := seedResolverFixture(t, conn)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := auth.Resolver{DB: conn, Now: func() time.Time { return now }}

	if err := r.InsertUser(ctx, domain.User{
		PK: "root", Name: "root", IsSuperuser: true, CreatedAt: "2026-03-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCaretaker(ctx, domain.CaretakerAssignment{
		PK: "ca-root", UserPK: "root", CaretakerPK: "helper",
		Reason: "leave", CreatedAt: "2026-03-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	caps, err := resolver.Resolve(ctx, "helper", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if caps.IsSuperuser {
		t.Fatalf("delegated superuser must not read as the actor's own: %+v", caps)
	}
	if !caps.SuperuserViaCaretaker {
		t.Fatalf("caretaking for a superuser should delegate it: %+v", caps)
	}
	if err := auth.Allows(caps, domain.ActionApprove, 3, domain.KindConceptPlan, domain.StageFlags{ProjectLead: true, BusinessAreaLead: true}); err != nil {
		t.Fatalf("delegated superuser approve stage 3: %v", err)
	}
}
