package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	super := 0
	if u.IsSuperuser {
		super = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(pk,name,email,is_superuser,created_at) VALUES (?,?,?,?,?)`,
		u.PK, u.Name, nullable(u.Email), super, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, pk string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	var super int
	err := r.DB.QueryRowContext(ctx, `SELECT pk,name,email,is_superuser,created_at FROM users WHERE pk=?`, pk).
		Scan(&u.PK, &u.Name, &email, &super, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if email.Valid {
		u.Email = email.String
	}
	u.IsSuperuser = super != 0
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pk,name,email,is_superuser,created_at FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		var super int
		if err := rows.Scan(&u.PK, &u.Name, &email, &super, &u.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			u.Email = email.String
		}
		u.IsSuperuser = super != 0
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(pk,title,status,business_area_pk,created_at) VALUES (?,?,?,?,?)`,
		p.PK, p.Title, p.Status, p.BusinessAreaPK, p.CreatedAt)
	if err != nil {
		return err
	}
	for _, m := range p.Team {
		if err := r.AddMember(ctx, p.PK, m); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, pk string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT pk,title,status,business_area_pk,created_at FROM projects WHERE pk=?`, pk).
		Scan(&p.PK, &p.Title, &p.Status, &p.BusinessAreaPK, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Team, err = r.ListMembers(ctx, pk)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT pk,title,status,business_area_pk,created_at FROM projects WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.PK, &p.Title, &p.Status, &p.BusinessAreaPK, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) SetProjectStatus(ctx context.Context, pk, status string) error {
	return r.setProjectStatus(ctx, r.DB.ExecContext, pk, status)
}

func (r Repo) SetProjectStatusTx(ctx context.Context, tx *sql.Tx, pk, status string) error {
	return r.setProjectStatus(ctx, tx.ExecContext, pk, status)
}

func (r Repo) setProjectStatus(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), pk, status string) error {
	res, err := exec(ctx, `UPDATE projects SET status=? WHERE pk=?`, status, pk)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddMember(ctx context.Context, projectPK string, m domain.Member) error {
	leader := 0
	if m.IsLeader {
		leader = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_members(project_pk,user_pk,is_leader,role) VALUES (?,?,?,?)
ON CONFLICT(project_pk,user_pk) DO UPDATE SET is_leader=excluded.is_leader, role=excluded.role`,
		projectPK, m.UserPK, leader, nullable(m.Role))
	return err
}

func (r Repo) RemoveMember(ctx context.Context, projectPK, userPK string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM project_members WHERE project_pk=? AND user_pk=?`, projectPK, userPK)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMembers(ctx context.Context, projectPK string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_pk,is_leader,role FROM project_members WHERE project_pk=? ORDER BY is_leader DESC, user_pk ASC`, projectPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var leader int
		var role sql.NullString
		if err := rows.Scan(&m.UserPK, &leader, &role); err != nil {
			return nil, err
		}
		m.IsLeader = leader != 0
		if role.Valid {
			m.Role = role.String
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) InsertDivision(ctx context.Context, d domain.Division) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO divisions(pk,name) VALUES (?,?)`, d.PK, d.Name)
	if err != nil {
		return err
	}
	for _, userPK := range d.DirectorateMembers {
		if err := r.AddDirectorateMember(ctx, d.PK, userPK); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetDivision(ctx context.Context, pk string) (domain.Division, error) {
	var d domain.Division
	err := r.DB.QueryRowContext(ctx, `SELECT pk,name FROM divisions WHERE pk=?`, pk).Scan(&d.PK, &d.Name)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.DirectorateMembers, err = r.ListDirectorateMembers(ctx, pk)
	return d, err
}

func (r Repo) AddDirectorateMember(ctx context.Context, divisionPK, userPK string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO directorate_members(division_pk,user_pk) VALUES (?,?)`, divisionPK, userPK)
	return err
}

func (r Repo) RemoveDirectorateMember(ctx context.Context, divisionPK, userPK string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM directorate_members WHERE division_pk=? AND user_pk=?`, divisionPK, userPK)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDirectorateMembers(ctx context.Context, divisionPK string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_pk FROM directorate_members WHERE division_pk=? ORDER BY user_pk ASC`, divisionPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		res = append(res, pk)
	}
	return res, nil
}

func (r Repo) InsertBusinessArea(ctx context.Context, ba domain.BusinessArea) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO business_areas(pk,name,leader_pk,division_pk) VALUES (?,?,?,?)`,
		ba.PK, ba.Name, nullable(ba.LeaderPK), ba.DivisionPK)
	return err
}

func (r Repo) GetBusinessArea(ctx context.Context, pk string) (domain.BusinessArea, error) {
	var ba domain.BusinessArea
	var leader sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT pk,name,leader_pk,division_pk FROM business_areas WHERE pk=?`, pk).
		Scan(&ba.PK, &ba.Name, &leader, &ba.DivisionPK)
	if err == sql.ErrNoRows {
		return ba, ErrNotFound
	}
	if leader.Valid {
		ba.LeaderPK = leader.String
	}
	return ba, err
}

func (r Repo) SetBusinessAreaLeader(ctx context.Context, pk, leaderPK string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE business_areas SET leader_pk=? WHERE pk=?`, nullable(leaderPK), pk)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectBusinessArea resolves the business area a project belongs to.
func (r Repo) ProjectBusinessArea(ctx context.Context, projectPK string) (domain.BusinessArea, error) {
	var ba domain.BusinessArea
	var leader sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT b.pk,b.name,b.leader_pk,b.division_pk
FROM business_areas b JOIN projects p ON p.business_area_pk=b.pk WHERE p.pk=?`, projectPK).
		Scan(&ba.PK, &ba.Name, &leader, &ba.DivisionPK)
	if err == sql.ErrNoRows {
		return ba, ErrNotFound
	}
	if leader.Valid {
		ba.LeaderPK = leader.String
	}
	return ba, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectPK, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectPK, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectPK, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectPK != "" {
		clauses = append(clauses, "project_pk=?")
		args = append(args, projectPK)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_pk,entity_kind,entity_id,actor_pk,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectPK string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectPK != "" {
		clauses = append(clauses, "project_pk=?")
		args = append(args, projectPK)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_pk,entity_kind,entity_id,actor_pk,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectPK, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectPK, &e.EntityKind, &entityID, &e.ActorPK, &payload); err != nil {
			return nil, err
		}
		if projectPK.Valid {
			e.ProjectPK = projectPK.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID, optionally scoped to a
// project. An empty projectPK covers the whole workspace.
func (r Repo) LatestEventID(ctx context.Context, projectPK string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectPK != "" {
		query += ` WHERE project_pk=?`
		args = append(args, projectPK)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
