package notify_test

import (
	"context"
	"strings"
	"testing"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/notify"
	"signoff/internal/repo"
)

type captureSender struct {
	sent []notify.Message
}

func (s *captureSender) Send(_ context.Context, msg notify.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func fixture(t *testing.T) (repo.Repo, domain.Project) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := "2026-03-01T00:00:00Z"
	users := []domain.User{
		{PK: "lead", Name: "Lead", Email: "lead@example.org", CreatedAt: now},
		{PK: "bal", Name: "BAL", Email: "bal@example.org", CreatedAt: now},
		{PK: "dir", Name: "Dir", CreatedAt: now}, // no email on purpose
	}
	for _, u := range users {
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.InsertDivision(ctx, domain.Division{PK: "div-1", Name: "Science"}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddDirectorateMember(ctx, "div-1", "dir"); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-1", Name: "Coasts", DivisionPK: "div-1", LeaderPK: "bal"}); err != nil {
		t.Fatal(err)
	}
	project := domain.Project{
		PK: "proj-1", Title: "p", Status: domain.ProjectActive, BusinessAreaPK: "ba-1",
		Team:      []domain.Member{{UserPK: "lead", IsLeader: true}},
		CreatedAt: now,
	}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	return r, project
}

func doc(kind domain.DocumentKind) domain.DocumentEnvelope {
	return domain.DocumentEnvelope{PK: "doc-1", ProjectPK: "proj-1", Kind: kind}
}

func TestComposeResolvesRoleHolders(t *testing.T) {
	r, project := fixture(t)
	d := notify.NewDispatcher(r, config.Default())
	ctx := context.Background()

	msg, err := d.Compose(ctx, doc(domain.KindProgressReport), project, "business_area_lead", "document_ready")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(msg.To) != 1 || msg.To[0] != "bal@example.org" {
		t.Fatalf("recipients: %v", msg.To)
	}
	if msg.Subject == "" || msg.Body == "" {
		t.Fatalf("template should render: %+v", msg)
	}

	// The directorate member has no email, so the compose fails loudly
	// instead of sending to nobody.
	if _, err := d.Compose(ctx, doc(domain.KindProgressReport), project, "directorate", "document_ready"); err == nil {
		t.Fatalf("expected failure for emailless role holders")
	}
}

func TestRenderSubstitutesKind(t *testing.T) {
	r, project := fixture(t)
	cfg := config.Default()
	d := notify.NewDispatcher(r, cfg)
	ctx := context.Background()

	msg, err := d.Compose(ctx, doc(domain.KindProgressReport), project, "project_lead", "document_approved")
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{msg.Subject, msg.Body} {
		if field == "" {
			t.Fatalf("empty render: %+v", msg)
		}
	}
	if strings.Contains(msg.Subject, "{kind}") || strings.Contains(msg.Body, "{kind}") {
		t.Fatalf("unsubstituted placeholder: %q / %q", msg.Subject, msg.Body)
	}

	// Project plans get the animal-ethics wording override on readiness.
	plain, err := d.Compose(ctx, doc(domain.KindProgressReport), project, "project_lead", "document_ready")
	if err != nil {
		t.Fatal(err)
	}
	withAEC, err := d.Compose(ctx, doc(domain.KindProjectPlan), project, "project_lead", "document_ready")
	if err != nil {
		t.Fatal(err)
	}
	if plain.Body == withAEC.Body {
		t.Fatalf("kind override not applied")
	}
}

func TestDispatcherHonorsEnabledFlag(t *testing.T) {
	r, project := fixture(t)
	cfg := config.Default()
	cfg.Notifications.Enabled = false
	sender := &captureSender{}
	d := notify.NewDispatcher(r, cfg)
	d.Sender = sender
	ctx := context.Background()

	d.DocumentTransition(ctx, doc(domain.KindProgressReport), project, "project_lead", "document_ready")
	if len(sender.sent) != 0 {
		t.Fatalf("disabled notifications still sent: %d", len(sender.sent))
	}

	cfg.Notifications.Enabled = true
	d.DocumentTransition(ctx, doc(domain.KindProgressReport), project, "project_lead", "document_ready")
	if len(sender.sent) != 1 {
		t.Fatalf("enabled notifications not sent: %d", len(sender.sent))
	}

	// Unknown recipients never error out of the workflow path.
	d.DocumentTransition(ctx, doc(domain.KindProgressReport), project, "nonsense_role", "document_ready")
	if len(sender.sent) != 1 {
		t.Fatalf("bad role should be swallowed, got %d", len(sender.sent))
	}
}
