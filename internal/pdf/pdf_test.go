package pdf_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/pdf"
	"signoff/internal/repo"
)

func openTestManager(t *testing.T) (*pdf.Manager, repo.Repo) {
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
	if err := r.InsertUser(ctx, domain.User{PK: "lead", Name: "lead", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertDivision(ctx, domain.Division{PK: "div-1", Name: "Science"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-1", Name: "Forests", DivisionPK: "div-1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertProject(ctx, domain.Project{
		PK: "proj-1", Title: "p", Status: domain.ProjectActive, BusinessAreaPK: "ba-1", CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertDocument(ctx, domain.DocumentEnvelope{
		PK: "doc-1", ProjectPK: "proj-1", Kind: domain.KindProgressReport,
		Status: domain.StatusApproved, Year: 2026,
		CreatedBy: "lead", CreatedAt: now, ModifiedBy: "lead", ModifiedAt: now,
		Version: 1,
	}); err != nil {
		t.Fatal(err)
	}
	return pdf.NewManager(r, time.Second), r
}

func waitPending(t *testing.T, m *pdf.Manager, want bool) (pending bool, ref *string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		pending, ref, err = m.Poll(context.Background(), domain.KindProgressReport, "doc-1")
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if pending == want {
			return pending, ref
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending stuck at %v", pending)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRunsGeneratorAndStoresRef(t *testing.T) {
	m, _ := openTestManager(t)
	release := make(chan struct{})
	m.Gen = func(ctx context.Context, kind domain.DocumentKind, pk string) (string, error) {
		<-release
		return "pdf/" + pk + ".pdf", nil
	}
	ctx := context.Background()

	if err := m.Start(ctx, domain.KindProgressReport, "doc-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	pending, _ := waitPending(t, m, true)
	if !pending {
		t.Fatal("job not marked pending")
	}
	// A second start while the job runs is refused.
	if err := m.Start(ctx, domain.KindProgressReport, "doc-1"); err == nil {
		t.Fatal("double start accepted")
	}
	close(release)
	_, ref := waitPending(t, m, false)
	if ref == nil || *ref != "pdf/doc-1.pdf" {
		t.Fatalf("ref: %v", ref)
	}
}

func TestStartUnknownDocument(t *testing.T) {
	m, _ := openTestManager(t)
	err := m.Start(context.Background(), domain.KindProgressReport, "ghost")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestGeneratorFailureClearsFlag(t *testing.T) {
	m, _ := openTestManager(t)
	m.Gen = func(ctx context.Context, kind domain.DocumentKind, pk string) (string, error) {
		return "", fmt.Errorf("render crashed")
	}
	if err := m.Start(context.Background(), domain.KindProgressReport, "doc-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, ref := waitPending(t, m, false)
	if ref != nil {
		t.Fatalf("failed run stored a ref: %v", *ref)
	}
}

func TestCancelClearsOrphanedFlag(t *testing.T) {
	m, r := openTestManager(t)
	ctx := context.Background()
	// Simulate a crashed job that left the flag set with no running goroutine.
	if err := r.SetDocumentPDF(ctx, domain.KindProgressReport, "doc-1", true, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(ctx, domain.KindProgressReport, "doc-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	pending, _, err := m.Poll(ctx, domain.KindProgressReport, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("flag not cleared")
	}
}

func TestCancelStopsRunningJob(t *testing.T) {
	m, _ := openTestManager(t)
	started := make(chan struct{})
	m.Gen = func(ctx context.Context, kind domain.DocumentKind, pk string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()
	if err := m.Start(ctx, domain.KindProgressReport, "doc-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if err := m.Cancel(ctx, domain.KindProgressReport, "doc-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, ref := waitPending(t, m, false)
	if ref != nil {
		t.Fatalf("cancelled run stored a ref: %v", *ref)
	}
}
