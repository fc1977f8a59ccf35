package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

func openTestRepo(t *testing.T) repo.Repo {
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
	seedProject(t, r)
	return r
}

func seedProject(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	now := "2026-03-01T00:00:00Z"
	for _, pk := range []string{"lead", "helper", "other"} {
		if err := r.InsertUser(ctx, domain.User{PK: pk, Name: pk, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.InsertDivision(ctx, domain.Division{PK: "div-1", Name: "Science"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-1", Name: "Forests", DivisionPK: "div-1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertProject(ctx, domain.Project{
		PK: "proj-1", Title: "p", Status: domain.ProjectNew, BusinessAreaPK: "ba-1", CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
}

func testEnvelope(kind domain.DocumentKind, pk string) domain.DocumentEnvelope {
	now := "2026-03-01T00:00:00Z"
	return domain.DocumentEnvelope{
		PK: pk, ProjectPK: "proj-1", Kind: kind,
		Status:    domain.StatusNew,
		CreatedBy: "lead", CreatedAt: now,
		ModifiedBy: "lead", ModifiedAt: now,
		Version: 1,
	}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestDocumentRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	env := testEnvelope(domain.KindProgressReport, "doc-1")
	env.Year = 2026
	if err := r.InsertDocument(ctx, env); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetDocument(ctx, env.Kind, env.PK)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Year != 2026 || got.Version != 1 || got.Status != domain.StatusNew {
		t.Fatalf("round trip: %+v", got)
	}
	if _, err := r.GetDocument(ctx, domain.KindConceptPlan, env.PK); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong table lookup should be not found, got %v", err)
	}
}

func TestStoreDocumentVersionCheck(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	env := testEnvelope(domain.KindConceptPlan, "doc-1")
	if err := r.InsertDocument(ctx, env); err != nil {
		t.Fatal(err)
	}

	env.Flags.ProjectLead = true
	env.Status = domain.StatusInApproval
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.StoreDocument(ctx, tx, env)
	}); err != nil {
		t.Fatalf("store at current version: %v", err)
	}
	got, _ := r.GetDocument(ctx, env.Kind, env.PK)
	if got.Version != 2 || !got.Flags.ProjectLead {
		t.Fatalf("after store: %+v", got)
	}

	// The same write again carries the stale version 1.
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.StoreDocument(ctx, tx, env)
	})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale store: %v", err)
	}

	missing := testEnvelope(domain.KindConceptPlan, "ghost")
	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.StoreDocument(ctx, tx, missing)
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing store: %v", err)
	}
}

func TestSetDocumentPDFBypassesVersion(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	env := testEnvelope(domain.KindConceptPlan, "doc-1")
	if err := r.InsertDocument(ctx, env); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDocumentPDF(ctx, env.Kind, env.PK, true, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := r.GetDocument(ctx, env.Kind, env.PK)
	if !got.PDFPending || got.Version != 1 {
		t.Fatalf("pdf flag must not bump the version: %+v", got)
	}
	ref := "pdf/doc-1.pdf"
	if err := r.SetDocumentPDF(ctx, env.Kind, env.PK, false, &ref); err != nil {
		t.Fatal(err)
	}
	got, _ = r.GetDocument(ctx, env.Kind, env.PK)
	if got.PDFPending || got.PDFRef == nil || *got.PDFRef != ref {
		t.Fatalf("pdf ref: %+v", got)
	}
}

func TestGetDocumentByYear(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	for year, pk := range map[int]string{2025: "doc-25", 2026: "doc-26"} {
		env := testEnvelope(domain.KindProgressReport, pk)
		env.Year = year
		if err := r.InsertDocument(ctx, env); err != nil {
			t.Fatal(err)
		}
	}
	got, err := r.GetDocumentByYear(ctx, domain.KindProgressReport, "proj-1", 2025)
	if err != nil || got.PK != "doc-25" {
		t.Fatalf("by year: %+v %v", got, err)
	}
	if _, err := r.GetDocumentByYear(ctx, domain.KindProgressReport, "proj-1", 2030); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing year: %v", err)
	}
	if _, err := r.GetDocumentByYear(ctx, domain.KindConceptPlan, "proj-1", 2025); err == nil {
		t.Fatalf("non-yearly kinds have no year lookup")
	}
}

func TestListProjectDocumentsSpansKinds(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	concept := testEnvelope(domain.KindConceptPlan, "doc-c")
	report := testEnvelope(domain.KindProgressReport, "doc-r")
	report.Year = 2026
	report.Status = domain.StatusInApproval
	for _, env := range []domain.DocumentEnvelope{concept, report} {
		if err := r.InsertDocument(ctx, env); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := r.ListProjectDocuments(ctx, "proj-1")
	if err != nil || len(docs) != 2 {
		t.Fatalf("project documents: %d %v", len(docs), err)
	}
	inApproval, err := r.ListInApproval(ctx)
	if err != nil || len(inApproval) != 1 || inApproval[0].PK != "doc-r" {
		t.Fatalf("in approval: %+v %v", inApproval, err)
	}
	n, err := r.CountProjectDocuments(ctx, domain.KindConceptPlan, "proj-1")
	if err != nil || n != 1 {
		t.Fatalf("count: %d %v", n, err)
	}
}
