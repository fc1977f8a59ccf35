package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

// ErrVersionConflict is returned by StoreDocument when the row changed
// underneath the caller's read. Callers map it to their own conflict type.
var ErrVersionConflict = errors.New("version conflict")

const envelopeCols = `pk,project_pk,project_lead_approval_granted,business_area_lead_approval_granted,directorate_approval_granted,status,created_by,created_at,modified_by,modified_at,pdf_ref,pdf_generation_in_progress,version`

func tableFor(kind domain.DocumentKind) (string, error) {
	switch kind {
	case domain.KindConceptPlan:
		return "concept_plans", nil
	case domain.KindProjectPlan:
		return "project_plans", nil
	case domain.KindProgressReport:
		return "progress_reports", nil
	case domain.KindStudentReport:
		return "student_reports", nil
	case domain.KindProjectClosure:
		return "project_closures", nil
	}
	return "", fmt.Errorf("unknown document kind %q", kind)
}

func extraCols(kind domain.DocumentKind) []string {
	switch kind {
	case domain.KindConceptPlan:
		return []string{"spawned_project_plan_pk"}
	case domain.KindProjectPlan:
		return []string{"aec_endorsement_required", "aec_endorsement_provided"}
	case domain.KindProgressReport, domain.KindStudentReport:
		return []string{"year"}
	case domain.KindProjectClosure:
		return []string{"outcome", "outcome_reason"}
	}
	return nil
}

func extraValues(env domain.DocumentEnvelope) []any {
	switch env.Kind {
	case domain.KindConceptPlan:
		return []any{nullableStringPtr(env.SpawnedProjectPlanPK)}
	case domain.KindProjectPlan:
		return []any{boolInt(env.AECEndorsementRequired), boolInt(env.AECEndorsementProvided)}
	case domain.KindProgressReport, domain.KindStudentReport:
		return []any{env.Year}
	case domain.KindProjectClosure:
		return []any{nullable(env.Outcome), nullable(env.OutcomeReason)}
	}
	return nil
}

func scanEnvelope(kind domain.DocumentKind, scan func(dest ...any) error) (domain.DocumentEnvelope, error) {
	env := domain.DocumentEnvelope{Kind: kind}
	var pl, bal, dir, pdfPending int
	var pdfRef sql.NullString
	dest := []any{&env.PK, &env.ProjectPK, &pl, &bal, &dir, &env.Status,
		&env.CreatedBy, &env.CreatedAt, &env.ModifiedBy, &env.ModifiedAt,
		&pdfRef, &pdfPending, &env.Version}
	var spawned, outcome, outcomeReason sql.NullString
	var aecRequired, aecProvided int
	switch kind {
	case domain.KindConceptPlan:
		dest = append(dest, &spawned)
	case domain.KindProjectPlan:
		dest = append(dest, &aecRequired, &aecProvided)
	case domain.KindProgressReport, domain.KindStudentReport:
		dest = append(dest, &env.Year)
	case domain.KindProjectClosure:
		dest = append(dest, &outcome, &outcomeReason)
	}
	err := scan(dest...)
	if err == sql.ErrNoRows {
		return env, ErrNotFound
	}
	if err != nil {
		return env, err
	}
	env.Flags = domain.StageFlags{ProjectLead: pl != 0, BusinessAreaLead: bal != 0, Directorate: dir != 0}
	env.PDFPending = pdfPending != 0
	if pdfRef.Valid {
		env.PDFRef = &pdfRef.String
	}
	if spawned.Valid {
		env.SpawnedProjectPlanPK = &spawned.String
	}
	env.AECEndorsementRequired = aecRequired != 0
	env.AECEndorsementProvided = aecProvided != 0
	if outcome.Valid {
		env.Outcome = outcome.String
	}
	if outcomeReason.Valid {
		env.OutcomeReason = outcomeReason.String
	}
	return env, nil
}

func (r Repo) InsertDocument(ctx context.Context, env domain.DocumentEnvelope) error {
	return r.insertDocument(ctx, r.DB.ExecContext, env)
}

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, env domain.DocumentEnvelope) error {
	return r.insertDocument(ctx, tx.ExecContext, env)
}

func (r Repo) insertDocument(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), env domain.DocumentEnvelope) error {
	table, err := tableFor(env.Kind)
	if err != nil {
		return err
	}
	cols := envelopeCols
	extra := extraCols(env.Kind)
	if len(extra) > 0 {
		cols += "," + strings.Join(extra, ",")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", 13+len(extra)), ",")
	args := []any{env.PK, env.ProjectPK,
		boolInt(env.Flags.ProjectLead), boolInt(env.Flags.BusinessAreaLead), boolInt(env.Flags.Directorate),
		env.Status, env.CreatedBy, env.CreatedAt, env.ModifiedBy, env.ModifiedAt,
		nullableStringPtr(env.PDFRef), boolInt(env.PDFPending), env.Version}
	args = append(args, extraValues(env)...)
	_, err = exec(ctx, fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, table, cols, placeholders), args...)
	return err
}

func (r Repo) GetDocument(ctx context.Context, kind domain.DocumentKind, pk string) (domain.DocumentEnvelope, error) {
	return r.getDocument(ctx, r.DB.QueryRowContext, kind, pk)
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, kind domain.DocumentKind, pk string) (domain.DocumentEnvelope, error) {
	return r.getDocument(ctx, tx.QueryRowContext, kind, pk)
}

func (r Repo) getDocument(ctx context.Context, queryRow func(context.Context, string, ...any) *sql.Row, kind domain.DocumentKind, pk string) (domain.DocumentEnvelope, error) {
	table, err := tableFor(kind)
	if err != nil {
		return domain.DocumentEnvelope{}, err
	}
	cols := envelopeCols
	if extra := extraCols(kind); len(extra) > 0 {
		cols += "," + strings.Join(extra, ",")
	}
	row := queryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE pk=?`, cols, table), pk)
	return scanEnvelope(kind, row.Scan)
}

// StoreDocument writes the envelope's mutable state back with a compare and
// swap on the version column. env.Version must hold the version the caller
// read; on success the row's version is env.Version+1. A row that moved on is
// reported as ErrVersionConflict, a missing row as ErrNotFound.
func (r Repo) StoreDocument(ctx context.Context, tx *sql.Tx, env domain.DocumentEnvelope) error {
	table, err := tableFor(env.Kind)
	if err != nil {
		return err
	}
	sets := []string{
		"project_lead_approval_granted=?",
		"business_area_lead_approval_granted=?",
		"directorate_approval_granted=?",
		"status=?",
		"modified_by=?",
		"modified_at=?",
		"version=version+1",
	}
	args := []any{
		boolInt(env.Flags.ProjectLead), boolInt(env.Flags.BusinessAreaLead), boolInt(env.Flags.Directorate),
		env.Status, env.ModifiedBy, env.ModifiedAt,
	}
	for _, col := range extraCols(env.Kind) {
		sets = append(sets, col+"=?")
	}
	args = append(args, extraValues(env)...)
	args = append(args, env.PK, env.Version)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE pk=? AND version=?`, table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE pk=?`, table), env.PK).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) DeleteDocument(ctx context.Context, kind domain.DocumentKind, pk string) error {
	return r.deleteDocument(ctx, r.DB.ExecContext, kind, pk)
}

func (r Repo) DeleteDocumentTx(ctx context.Context, tx *sql.Tx, kind domain.DocumentKind, pk string) error {
	return r.deleteDocument(ctx, tx.ExecContext, kind, pk)
}

func (r Repo) deleteDocument(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), kind domain.DocumentKind, pk string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk=?`, table), pk)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DocumentFilters struct {
	ProjectPK string
	Status    domain.DocumentStatus
	Year      int
}

func (r Repo) ListDocuments(ctx context.Context, kind domain.DocumentKind, f DocumentFilters) ([]domain.DocumentEnvelope, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectPK != "" {
		clauses = append(clauses, "project_pk=?")
		args = append(args, f.ProjectPK)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Year != 0 {
		clauses = append(clauses, "year=?")
		args = append(args, f.Year)
	}
	cols := envelopeCols
	if extra := extraCols(kind); len(extra) > 0 {
		cols += "," + strings.Join(extra, ",")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, pk DESC`, cols, table, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentEnvelope
	for rows.Next() {
		env, err := scanEnvelope(kind, rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, env)
	}
	return res, nil
}

// ListProjectDocuments gathers every document attached to a project across
// all kinds, in workflow order.
func (r Repo) ListProjectDocuments(ctx context.Context, projectPK string) ([]domain.DocumentEnvelope, error) {
	var res []domain.DocumentEnvelope
	for _, kind := range domain.Kinds {
		docs, err := r.ListDocuments(ctx, kind, DocumentFilters{ProjectPK: projectPK})
		if err != nil {
			return nil, err
		}
		res = append(res, docs...)
	}
	return res, nil
}

// GetDocumentByYear looks up the yearly report of a project. Only progress
// and student reports carry a year.
func (r Repo) GetDocumentByYear(ctx context.Context, kind domain.DocumentKind, projectPK string, year int) (domain.DocumentEnvelope, error) {
	if kind != domain.KindProgressReport && kind != domain.KindStudentReport {
		return domain.DocumentEnvelope{}, fmt.Errorf("document kind %q has no year", kind)
	}
	docs, err := r.ListDocuments(ctx, kind, DocumentFilters{ProjectPK: projectPK, Year: year})
	if err != nil {
		return domain.DocumentEnvelope{}, err
	}
	if len(docs) == 0 {
		return domain.DocumentEnvelope{}, ErrNotFound
	}
	return docs[0], nil
}

// ListInApproval returns every document sitting in the approval pipeline,
// across all kinds. Used to compute per-user pending work.
func (r Repo) ListInApproval(ctx context.Context) ([]domain.DocumentEnvelope, error) {
	var res []domain.DocumentEnvelope
	for _, kind := range domain.Kinds {
		docs, err := r.ListDocuments(ctx, kind, DocumentFilters{Status: domain.StatusInApproval})
		if err != nil {
			return nil, err
		}
		res = append(res, docs...)
	}
	return res, nil
}

// CountProjectDocuments counts a project's documents of one kind.
func (r Repo) CountProjectDocuments(ctx context.Context, kind domain.DocumentKind, projectPK string) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE project_pk=?`, table), projectPK).Scan(&n)
	return n, err
}

// SetDocumentPDF records the outcome of a render job. PDF state is
// last-write-wins and deliberately bypasses the version check so a slow
// render cannot fail a concurrent workflow transition.
func (r Repo) SetDocumentPDF(ctx context.Context, kind domain.DocumentKind, pk string, pending bool, ref *string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	var res sql.Result
	if ref != nil {
		res, err = r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET pdf_generation_in_progress=?, pdf_ref=? WHERE pk=?`, table),
			boolInt(pending), nullableStringPtr(ref), pk)
	} else {
		res, err = r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET pdf_generation_in_progress=? WHERE pk=?`, table),
			boolInt(pending), pk)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
