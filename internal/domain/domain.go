package domain

// DocumentKind tags the five document variants sharing the envelope shape.
type DocumentKind string

const (
	KindConceptPlan    DocumentKind = "conceptplan"
	KindProjectPlan    DocumentKind = "projectplan"
	KindProgressReport DocumentKind = "progressreport"
	KindStudentReport  DocumentKind = "studentreport"
	KindProjectClosure DocumentKind = "projectclosure"
)

// Kinds lists all document kinds in workflow order.
var Kinds = []DocumentKind{KindConceptPlan, KindProjectPlan, KindProgressReport, KindStudentReport, KindProjectClosure}

func (k DocumentKind) Valid() bool {
	switch k {
	case KindConceptPlan, KindProjectPlan, KindProgressReport, KindStudentReport, KindProjectClosure:
		return true
	}
	return false
}

// DocumentStatus is derived from stage flags and the last action, never set directly.
type DocumentStatus string

const (
	StatusNew        DocumentStatus = "new"
	StatusInApproval DocumentStatus = "inapproval"
	StatusApproved   DocumentStatus = "approved"
	StatusInReview   DocumentStatus = "inreview"
	StatusRevising   DocumentStatus = "revising"
)

// StageFlags records which approval gates have been granted.
type StageFlags struct {
	ProjectLead      bool `json:"project_lead"`
	BusinessAreaLead bool `json:"business_area_lead"`
	Directorate      bool `json:"directorate"`
}

// Consistent reports whether the flags respect the gate ordering
// (business area lead implies project lead, directorate implies both).
func (f StageFlags) Consistent() bool {
	if f.BusinessAreaLead && !f.ProjectLead {
		return false
	}
	if f.Directorate && !f.BusinessAreaLead {
		return false
	}
	return true
}

// DocumentEnvelope is the shared state record wrapped by every document kind.
type DocumentEnvelope struct {
	PK         string         `json:"pk"`
	ProjectPK  string         `json:"project_pk"`
	Kind       DocumentKind   `json:"kind" enum:"conceptplan,projectplan,progressreport,studentreport,projectclosure"`
	Flags      StageFlags     `json:"stage_flags"`
	Status     DocumentStatus `json:"status" enum:"new,inapproval,approved,inreview,revising"`
	CreatedBy  string         `json:"created_by"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	ModifiedBy string         `json:"modified_by"`
	ModifiedAt string         `json:"modified_at" format:"date-time"`
	PDFRef     *string        `json:"pdf_ref,omitempty"`
	PDFPending bool           `json:"pdf_generation_in_progress"`
	Version    int64          `json:"version"`

	// Kind-specific columns; zero-valued where the kind does not use them.
	Year                   int     `json:"year,omitempty"`
	Outcome                string  `json:"outcome,omitempty" enum:",completed,terminated,suspended"`
	OutcomeReason          string  `json:"outcome_reason,omitempty"`
	AECEndorsementRequired bool    `json:"aec_endorsement_required,omitempty"`
	AECEndorsementProvided bool    `json:"aec_endorsement_provided,omitempty"`
	SpawnedProjectPlanPK   *string `json:"spawned_project_plan_pk,omitempty"`
}

// Project status values.
const (
	ProjectNew              = "new"
	ProjectPending          = "pending"
	ProjectActive           = "active"
	ProjectUpdating         = "updating"
	ProjectClosureRequested = "closure_requested"
	ProjectCompleted        = "completed"
	ProjectTerminated       = "terminated"
	ProjectSuspended        = "suspended"
)

type Project struct {
	PK             string   `json:"pk"`
	Title          string   `json:"title"`
	Status         string   `json:"status" enum:"new,pending,active,updating,closure_requested,completed,terminated,suspended"`
	BusinessAreaPK string   `json:"business_area_pk"`
	Team           []Member `json:"team,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// Member is a project team membership.
type Member struct {
	UserPK   string `json:"user_pk"`
	IsLeader bool   `json:"is_leader"`
	Role     string `json:"role,omitempty"`
}

// Leader returns the leading member, if any.
func (p Project) Leader() (Member, bool) {
	for _, m := range p.Team {
		if m.IsLeader {
			return m, true
		}
	}
	return Member{}, false
}

type BusinessArea struct {
	PK         string `json:"pk"`
	Name       string `json:"name"`
	LeaderPK   string `json:"leader_pk,omitempty"`
	DivisionPK string `json:"division_pk"`
}

type Division struct {
	PK                 string   `json:"pk"`
	Name               string   `json:"name"`
	DirectorateMembers []string `json:"directorate_members,omitempty"`
}

type User struct {
	PK          string `json:"pk"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	IsSuperuser bool   `json:"is_superuser"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// CaretakerAssignment delegates one user's role authority to another for a
// bounded period. EndDate empty means indefinite. At most one active
// assignment exists per UserPK; the repository enforces this at write time.
type CaretakerAssignment struct {
	PK          string `json:"pk"`
	UserPK      string `json:"user_pk"`
	CaretakerPK string `json:"caretaker_pk"`
	Reason      string `json:"reason,omitempty"`
	EndDate     string `json:"end_date,omitempty" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserPK    string `json:"user_pk"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectPK  string `json:"project_pk,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorPK    string `json:"actor_pk"`
	Payload    string `json:"payload_json"`
}

// Action is a workflow transition verb.
type Action string

const (
	ActionApprove         Action = "approve"
	ActionRecall          Action = "recall"
	ActionSendBack        Action = "send_back"
	ActionReopen          Action = "reopen"
	ActionRequestApproval Action = "request_approval"
)

func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionRecall, ActionSendBack, ActionReopen, ActionRequestApproval:
		return true
	}
	return false
}

// EffectKind identifies a side effect requested by a successful transition
// but executed outside the transition itself.
type EffectKind string

const (
	EffectNotify           EffectKind = "notify"
	EffectSpawnProjectPlan EffectKind = "spawn_project_plan"
	EffectSetProjectStatus EffectKind = "set_project_status"
	EffectDeleteDocument   EffectKind = "delete_document"
)

// Effect is a side-effect request emitted by a successful transition and
// executed by the engine's post-commit runner, never inside the transition.
type Effect struct {
	Kind EffectKind `json:"kind"`
	// RecipientRole and Template are set for notify effects.
	RecipientRole string `json:"recipient_role,omitempty"`
	Template      string `json:"template,omitempty"`
	// ProjectStatus is set for set_project_status effects.
	ProjectStatus string `json:"project_status,omitempty"`
}
