package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"signoff/internal/domain"
)

// DeniedError indicates the actor may not perform the action at this stage.
// DelegationChecked distinguishes "wrong role" from "no delegation": it is
// true when an active caretaker assignment was consulted and still did not
// grant the required role.
type DeniedError struct {
	Role              string
	DelegationChecked bool
}

func (e DeniedError) Error() string {
	if e.DelegationChecked {
		return fmt.Sprintf("role %s required (no active caretaker delegation grants it)", e.Role)
	}
	return fmt.Sprintf("role %s required", e.Role)
}

// MissingDelegateError indicates a required role-holder is unset, blocking
// the stage entirely. Surfaced as a user-actionable message, not a silent
// failure.
type MissingDelegateError struct {
	Role string
}

func (e MissingDelegateError) Error() string {
	switch e.Role {
	case "business_area_lead":
		return "no business area leader set"
	case "directorate":
		return "no directorate members set for the division"
	}
	return fmt.Sprintf("no %s set", e.Role)
}

// Capabilities is the immutable capability set for one actor against one
// document's project, resolved at request time. It is never cached across
// requests so an expired caretaker delegation stops working immediately.
type Capabilities struct {
	UserPK string

	IsSuperuser          bool
	IsProjectLeader      bool
	IsBusinessAreaLeader bool
	IsDirectorateMember  bool

	// Caretaker-expanded versions: true when the actor is an active,
	// non-expired caretaker for a user holding the role.
	SuperuserViaCaretaker          bool
	ProjectLeaderViaCaretaker      bool
	BusinessAreaLeaderViaCaretaker bool
	DirectorateMemberViaCaretaker  bool

	// DelegationChecked records that at least one active assignment was
	// consulted while resolving; used to phrase denials.
	DelegationChecked bool

	// Unset role-holders block their stage with MissingDelegateError.
	BusinessAreaLeadUnset bool
	DirectorateUnset      bool
}

func (c Capabilities) superuser() bool {
	return c.IsSuperuser || c.SuperuserViaCaretaker
}

func (c Capabilities) projectLead() bool {
	return c.IsProjectLeader || c.ProjectLeaderViaCaretaker
}

func (c Capabilities) businessAreaLead() bool {
	return c.IsBusinessAreaLeader || c.BusinessAreaLeaderViaCaretaker
}

func (c Capabilities) directorate() bool {
	return c.IsDirectorateMember || c.DirectorateMemberViaCaretaker
}

// Resolver builds capability sets from SQL. It only ever reads delegation
// state, never mutates it.
type Resolver struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve computes the actor's effective capabilities for the given project.
// The project's business area and division are looked up to decide stage-2
// and stage-3 authority.
func (r Resolver) Resolve(ctx context.Context, userPK, projectPK string) (Capabilities, error) {
	caps := Capabilities{UserPK: userPK}

	var super int
	err := r.DB.QueryRowContext(ctx, `SELECT is_superuser FROM users WHERE pk=?`, userPK).Scan(&super)
	if err == sql.ErrNoRows {
		return caps, fmt.Errorf("unknown user %s", userPK)
	}
	if err != nil {
		return caps, err
	}
	caps.IsSuperuser = super != 0

	principals, err := r.caretakeesOf(ctx, userPK)
	if err != nil {
		return caps, err
	}
	caps.DelegationChecked = len(principals) > 0

	selves := append([]string{userPK}, principals...)

	for _, pk := range principals {
		var ps int
		err := r.DB.QueryRowContext(ctx, `SELECT is_superuser FROM users WHERE pk=?`, pk).Scan(&ps)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return caps, err
		}
		if ps != 0 {
			caps.SuperuserViaCaretaker = true
		}
	}

	for _, pk := range selves {
		var n int
		err := r.DB.QueryRowContext(ctx,
			`SELECT 1 FROM project_members WHERE project_pk=? AND user_pk=? AND is_leader=1 LIMIT 1`,
			projectPK, pk).Scan(&n)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return caps, err
		}
		if pk == userPK {
			caps.IsProjectLeader = true
		} else {
			caps.ProjectLeaderViaCaretaker = true
		}
	}

	var baLeader sql.NullString
	var divisionPK string
	err = r.DB.QueryRowContext(ctx, `
SELECT ba.leader_pk, ba.division_pk
FROM projects p JOIN business_areas ba ON ba.pk = p.business_area_pk
WHERE p.pk=?`, projectPK).Scan(&baLeader, &divisionPK)
	if err == sql.ErrNoRows {
		return caps, fmt.Errorf("unknown project %s", projectPK)
	}
	if err != nil {
		return caps, err
	}
	if !baLeader.Valid || baLeader.String == "" {
		caps.BusinessAreaLeadUnset = true
	} else {
		for _, pk := range selves {
			if pk != baLeader.String {
				continue
			}
			if pk == userPK {
				caps.IsBusinessAreaLeader = true
			} else {
				caps.BusinessAreaLeaderViaCaretaker = true
			}
		}
	}

	var members int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM directorate_members WHERE division_pk=?`, divisionPK).Scan(&members); err != nil {
		return caps, err
	}
	if members == 0 {
		caps.DirectorateUnset = true
	} else {
		for _, pk := range selves {
			var n int
			err := r.DB.QueryRowContext(ctx,
				`SELECT 1 FROM directorate_members WHERE division_pk=? AND user_pk=? LIMIT 1`,
				divisionPK, pk).Scan(&n)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return caps, err
			}
			if pk == userPK {
				caps.IsDirectorateMember = true
			} else {
				caps.DirectorateMemberViaCaretaker = true
			}
		}
	}

	return caps, nil
}

// caretakeesOf returns the users this actor is actively covering for.
func (r Resolver) caretakeesOf(ctx context.Context, userPK string) ([]string, error) {
	now := r.now().UTC().Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx, `
SELECT user_pk FROM caretaker_assignments
WHERE caretaker_pk=? AND active=1 AND (end_date IS NULL OR end_date >= ?)`, userPK, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pks []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}

// Allows is the stage gate: may this capability set perform the action at
// this stage for this document kind. Returns nil when allowed, a
// MissingDelegateError when the stage's role-holder is unset, and a
// DeniedError otherwise. flags are consulted only for reopen, whose gate
// mirrors whichever stage last approved the closure.
func Allows(caps Capabilities, action domain.Action, stage int, kind domain.DocumentKind, flags domain.StageFlags) error {
	if caps.superuser() {
		return nil
	}
	if action == domain.ActionReopen {
		return allowsReopen(caps, flags)
	}
	if action == domain.ActionRequestApproval {
		stage = 1
	}
	switch stage {
	case 1:
		if caps.projectLead() {
			return nil
		}
		return DeniedError{Role: "project_lead", DelegationChecked: caps.DelegationChecked}
	case 2:
		if caps.BusinessAreaLeadUnset {
			return MissingDelegateError{Role: "business_area_lead"}
		}
		if caps.businessAreaLead() {
			return nil
		}
		return DeniedError{Role: "business_area_lead", DelegationChecked: caps.DelegationChecked}
	case 3:
		if caps.DirectorateUnset {
			return MissingDelegateError{Role: "directorate"}
		}
		if caps.directorate() {
			return nil
		}
		return DeniedError{Role: "directorate", DelegationChecked: caps.DelegationChecked}
	}
	return DeniedError{Role: "unknown", DelegationChecked: caps.DelegationChecked}
}

// allowsReopen admits the directorate always, and otherwise the role of the
// highest stage currently granted on the closure, since reopening rolls back
// from wherever the closure sits.
func allowsReopen(caps Capabilities, flags domain.StageFlags) error {
	if !caps.DirectorateUnset && caps.directorate() {
		return nil
	}
	switch {
	case flags.Directorate, flags.BusinessAreaLead:
		if caps.BusinessAreaLeadUnset {
			return MissingDelegateError{Role: "business_area_lead"}
		}
		if caps.businessAreaLead() {
			return nil
		}
		return DeniedError{Role: "business_area_lead", DelegationChecked: caps.DelegationChecked}
	default:
		if caps.projectLead() {
			return nil
		}
		return DeniedError{Role: "project_lead", DelegationChecked: caps.DelegationChecked}
	}
}
