package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// Notifier receives notification requests after a transition commits.
// Implementations must not block the caller for long; failures are theirs
// to log and retry.
type Notifier interface {
	DocumentTransition(ctx context.Context, env domain.DocumentEnvelope, project domain.Project, recipientRole, template string)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Resolver
	Config *config.Config
	Notify Notifier
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Resolver{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TransitionOptions are the parameters of one workflow action against one
// document.
type TransitionOptions struct {
	Kind            domain.DocumentKind
	PK              string
	Action          domain.Action
	Stage           int
	ActorPK         string
	ShouldSendEmail bool
}

// Transition runs the full pipeline for a workflow action: load, gate,
// apply, compare-and-swap store, then post-commit effects. Guards run
// strictly before any mutation; on any error no state is persisted.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.DocumentEnvelope, error) {
	if !opts.Action.Valid() {
		return domain.DocumentEnvelope{}, ValidationError{Field: "action", Reason: "unknown action " + string(opts.Action)}
	}
	env, err := e.Repo.GetDocument(ctx, opts.Kind, opts.PK)
	if err != nil {
		return env, err
	}
	project, err := e.Repo.GetProject(ctx, env.ProjectPK)
	if err != nil {
		return env, err
	}
	caps, err := e.Auth.Resolve(ctx, opts.ActorPK, env.ProjectPK)
	if err != nil {
		return env, err
	}
	if err := auth.Allows(caps, opts.Action, opts.Stage, env.Kind, env.Flags); err != nil {
		return env, err
	}
	next, effects, err := ApplyTransition(env, opts.Action, opts.Stage, project.Status)
	if err != nil {
		return env, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	next.ModifiedBy = opts.ActorPK
	next.ModifiedAt = now

	var spawned *domain.DocumentEnvelope
	for _, eff := range effects {
		switch eff.Kind {
		case domain.EffectSpawnProjectPlan:
			// Spawn at most once per concept plan; re-approving after a
			// recall must not create a second project plan.
			if next.SpawnedProjectPlanPK != nil {
				continue
			}
			plan := e.newProjectPlan(next, opts.ActorPK, now)
			if err := e.Repo.InsertDocumentTx(ctx, tx, plan); err != nil {
				return env, fmt.Errorf("spawn project plan: %w", err)
			}
			next.SpawnedProjectPlanPK = &plan.PK
			spawned = &plan
		case domain.EffectSetProjectStatus:
			if err := e.Repo.SetProjectStatusTx(ctx, tx, env.ProjectPK, eff.ProjectStatus); err != nil {
				return env, fmt.Errorf("set project status: %w", err)
			}
		}
	}

	if err := e.Repo.StoreDocument(ctx, tx, next); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return env, ConcurrentModificationError{PK: env.PK, Version: env.Version}
		}
		return env, err
	}
	next.Version = env.Version + 1

	for _, eff := range effects {
		if eff.Kind != domain.EffectDeleteDocument {
			continue
		}
		if err := e.Repo.DeleteDocumentTx(ctx, tx, next.Kind, next.PK); err != nil {
			return env, fmt.Errorf("delete on reopen: %w", err)
		}
	}

	if err := e.Events.Append(ctx, tx, "document."+string(opts.Action), env.ProjectPK, string(env.Kind), env.PK, opts.ActorPK, events.EventPayload{
		"stage":  opts.Stage,
		"status": string(next.Status),
		"flags":  next.Flags,
	}); err != nil {
		return env, err
	}
	if spawned != nil {
		if err := e.Events.Append(ctx, tx, "document.created", env.ProjectPK, string(spawned.Kind), spawned.PK, opts.ActorPK, events.EventPayload{
			"spawned_from": env.PK,
		}); err != nil {
			return env, err
		}
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}

	e.runNotifyEffects(ctx, next, project, effects, opts.ShouldSendEmail)
	return next, nil
}

func (e Engine) newProjectPlan(concept domain.DocumentEnvelope, actorPK, now string) domain.DocumentEnvelope {
	aecDefault := false
	if e.Config != nil {
		aecDefault = e.Config.Documents.ProjectPlan.AECEndorsementDefault
	}
	return domain.DocumentEnvelope{
		PK:                     uuid.New().String(),
		ProjectPK:              concept.ProjectPK,
		Kind:                   domain.KindProjectPlan,
		Status:                 domain.StatusNew,
		CreatedBy:              actorPK,
		CreatedAt:              now,
		ModifiedBy:             actorPK,
		ModifiedAt:             now,
		Version:                1,
		AECEndorsementRequired: aecDefault,
	}
}

// runNotifyEffects dispatches notifications after commit. Failure here never
// affects the already-committed transition; suppression via shouldSendEmail
// skips dispatch without touching state.
func (e Engine) runNotifyEffects(ctx context.Context, env domain.DocumentEnvelope, project domain.Project, effects []domain.Effect, shouldSendEmail bool) {
	for _, eff := range effects {
		if eff.Kind != domain.EffectNotify {
			continue
		}
		if !shouldSendEmail {
			slog.Debug("notification suppressed by caller",
				"document", env.PK, "recipient_role", eff.RecipientRole, "template", eff.Template)
			continue
		}
		if e.Notify == nil {
			continue
		}
		e.Notify.DocumentTransition(ctx, env, project, eff.RecipientRole, eff.Template)
	}
}

// CreateDocumentOptions are parameters for originating a document.
type CreateDocumentOptions struct {
	ProjectPK string
	Kind      domain.DocumentKind
	ActorPK   string

	// Yearly reports.
	Year int
	// Project closures.
	Outcome       string
	OutcomeReason string
	// Project plans; nil means the configured default.
	AECEndorsementRequired *bool
}

func (e Engine) CreateDocument(ctx context.Context, opts CreateDocumentOptions) (domain.DocumentEnvelope, error) {
	if !opts.Kind.Valid() {
		return domain.DocumentEnvelope{}, ValidationError{Field: "kind", Reason: "unknown document kind " + string(opts.Kind)}
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectPK)
	if err != nil {
		return domain.DocumentEnvelope{}, err
	}
	caps, err := e.Auth.Resolve(ctx, opts.ActorPK, opts.ProjectPK)
	if err != nil {
		return domain.DocumentEnvelope{}, err
	}
	if err := auth.Allows(caps, domain.ActionRequestApproval, StageProjectLead, opts.Kind, domain.StageFlags{}); err != nil {
		return domain.DocumentEnvelope{}, err
	}

	switch opts.Kind {
	case domain.KindProgressReport, domain.KindStudentReport:
		if opts.Year == 0 {
			return domain.DocumentEnvelope{}, ValidationError{Field: "year", Reason: "yearly reports require a year"}
		}
		if _, err := e.Repo.GetDocumentByYear(ctx, opts.Kind, opts.ProjectPK, opts.Year); err == nil {
			return domain.DocumentEnvelope{}, ValidationError{Field: "year", Reason: fmt.Sprintf("project already has a %s for %d", opts.Kind, opts.Year)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.DocumentEnvelope{}, err
		}
	default:
		n, err := e.Repo.CountProjectDocuments(ctx, opts.Kind, opts.ProjectPK)
		if err != nil {
			return domain.DocumentEnvelope{}, err
		}
		if n > 0 {
			return domain.DocumentEnvelope{}, ValidationError{Field: "kind", Reason: fmt.Sprintf("project already has a live %s", opts.Kind)}
		}
	}
	if opts.Kind == domain.KindProjectClosure && opts.Outcome != "" {
		switch opts.Outcome {
		case domain.ProjectCompleted, domain.ProjectTerminated, domain.ProjectSuspended:
		default:
			return domain.DocumentEnvelope{}, ValidationError{Field: "outcome", Reason: "outcome must be completed, terminated or suspended"}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	env := domain.DocumentEnvelope{
		PK:            uuid.New().String(),
		ProjectPK:     opts.ProjectPK,
		Kind:          opts.Kind,
		Status:        domain.StatusNew,
		CreatedBy:     opts.ActorPK,
		CreatedAt:     now,
		ModifiedBy:    opts.ActorPK,
		ModifiedAt:    now,
		Version:       1,
		Year:          opts.Year,
		Outcome:       opts.Outcome,
		OutcomeReason: opts.OutcomeReason,
	}
	if opts.Kind == domain.KindProjectPlan {
		if opts.AECEndorsementRequired != nil {
			env.AECEndorsementRequired = *opts.AECEndorsementRequired
		} else if e.Config != nil {
			env.AECEndorsementRequired = e.Config.Documents.ProjectPlan.AECEndorsementDefault
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocumentTx(ctx, tx, env); err != nil {
		return env, err
	}
	if next, ok := projectStatusAfterCreate(project.Status, opts.Kind); ok {
		if err := e.Repo.SetProjectStatusTx(ctx, tx, opts.ProjectPK, next); err != nil {
			return env, err
		}
	}
	if err := e.Events.Append(ctx, tx, "document.created", opts.ProjectPK, string(opts.Kind), env.PK, opts.ActorPK, events.EventPayload{
		"status": string(env.Status),
	}); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	return env, nil
}

// DeleteDocument removes a document outright. Allowed only before the first
// approval was granted, except a project plan may go while no progress
// reports exist yet; a directorate-approved document never goes. Deleting a
// project's last document resets its status.
func (e Engine) DeleteDocument(ctx context.Context, kind domain.DocumentKind, pk, actorPK string) error {
	env, err := e.Repo.GetDocument(ctx, kind, pk)
	if err != nil {
		return err
	}
	project, err := e.Repo.GetProject(ctx, env.ProjectPK)
	if err != nil {
		return err
	}
	caps, err := e.Auth.Resolve(ctx, actorPK, env.ProjectPK)
	if err != nil {
		return err
	}
	if err := auth.Allows(caps, domain.ActionRequestApproval, StageProjectLead, kind, env.Flags); err != nil {
		return err
	}
	if env.Flags.Directorate {
		return InvalidTransitionError{Action: "delete", Flags: env.Flags}
	}
	if env.Flags.ProjectLead {
		deletable := false
		if kind == domain.KindProjectPlan {
			reports, err := e.Repo.CountProjectDocuments(ctx, domain.KindProgressReport, env.ProjectPK)
			if err != nil {
				return err
			}
			deletable = reports == 0
		}
		if !deletable {
			return InvalidTransitionError{Action: "delete", Flags: env.Flags}
		}
	}

	total, err := e.countProjectDocuments(ctx, env.ProjectPK)
	if err != nil {
		return err
	}
	remaining := total - 1

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetDocumentTx(ctx, tx, kind, pk)
	if err != nil {
		return err
	}
	if cur.Version != env.Version {
		// Someone transitioned or edited it between the gate check and here.
		return ConcurrentModificationError{PK: pk, Version: env.Version}
	}
	if err := e.Repo.DeleteDocumentTx(ctx, tx, kind, pk); err != nil {
		return err
	}
	if next, ok := projectStatusAfterDelete(project.Status, kind, remaining); ok {
		if err := e.Repo.SetProjectStatusTx(ctx, tx, env.ProjectPK, next); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "document.deleted", env.ProjectPK, string(kind), pk, actorPK, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) countProjectDocuments(ctx context.Context, projectPK string) (int, error) {
	total := 0
	for _, kind := range domain.Kinds {
		n, err := e.Repo.CountProjectDocuments(ctx, kind, projectPK)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// BatchItem identifies one document in a batch action.
type BatchItem struct {
	Kind domain.DocumentKind `json:"kind"`
	PK   string              `json:"pk"`
}

// BatchResult reports one document's outcome; Error is empty on success.
type BatchResult struct {
	Kind     domain.DocumentKind      `json:"kind"`
	PK       string                   `json:"pk"`
	Error    string                   `json:"error,omitempty"`
	Document *domain.DocumentEnvelope `json:"document,omitempty"`
}

// BatchApprove applies approve(stage) to each document independently. One
// failure never aborts the batch; each pk reports its own outcome.
func (e Engine) BatchApprove(ctx context.Context, stage int, items []BatchItem, actorPK string) []BatchResult {
	res := make([]BatchResult, 0, len(items))
	for _, item := range items {
		r := BatchResult{Kind: item.Kind, PK: item.PK}
		env, err := e.Transition(ctx, TransitionOptions{
			Kind:            item.Kind,
			PK:              item.PK,
			Action:          domain.ActionApprove,
			Stage:           stage,
			ActorPK:         actorPK,
			ShouldSendEmail: true,
		})
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Document = &env
		}
		res = append(res, r)
	}
	return res
}

// PendingAction is the caller's open approval work, split by the stage at
// which they hold authority.
type PendingAction struct {
	Stage1 []domain.DocumentEnvelope `json:"stage1"`
	Stage2 []domain.DocumentEnvelope `json:"stage2"`
	Stage3 []domain.DocumentEnvelope `json:"stage3"`
}

// PendingMyAction lists every in-approval document whose next gate the actor
// can act at, using the same capability resolution as the gate itself.
func (e Engine) PendingMyAction(ctx context.Context, actorPK string) (PendingAction, error) {
	var pending PendingAction
	docs, err := e.Repo.ListInApproval(ctx)
	if err != nil {
		return pending, err
	}
	capsByProject := map[string]auth.Capabilities{}
	for _, env := range docs {
		caps, ok := capsByProject[env.ProjectPK]
		if !ok {
			caps, err = e.Auth.Resolve(ctx, actorPK, env.ProjectPK)
			if err != nil {
				return pending, err
			}
			capsByProject[env.ProjectPK] = caps
		}
		stage := ApprovalStage(env.Flags)
		if stage == 0 {
			continue
		}
		if auth.Allows(caps, domain.ActionApprove, stage, env.Kind, env.Flags) != nil {
			continue
		}
		switch stage {
		case StageProjectLead:
			pending.Stage1 = append(pending.Stage1, env)
		case StageBusinessAreaLead:
			pending.Stage2 = append(pending.Stage2, env)
		case StageDirectorate:
			pending.Stage3 = append(pending.Stage3, env)
		}
	}
	return pending, nil
}

// NextApprover names who acts next on a document.
type NextApprover struct {
	Stage   int      `json:"stage"`
	Role    string   `json:"role,omitempty"`
	UserPKs []string `json:"user_pks,omitempty"`
}

// NextApprover resolves the next gate's role-holders for a document. A fully
// approved document has nobody next. An unset role-holder surfaces as
// MissingDelegateError rather than an empty list.
func (e Engine) NextApprover(ctx context.Context, env domain.DocumentEnvelope) (NextApprover, error) {
	stage := ApprovalStage(env.Flags)
	if stage == 0 {
		return NextApprover{}, nil
	}
	next := NextApprover{Stage: stage}
	switch stage {
	case StageProjectLead:
		next.Role = RoleProjectLead
		project, err := e.Repo.GetProject(ctx, env.ProjectPK)
		if err != nil {
			return next, err
		}
		leader, ok := project.Leader()
		if !ok {
			return next, auth.MissingDelegateError{Role: RoleProjectLead}
		}
		next.UserPKs = []string{leader.UserPK}
	case StageBusinessAreaLead:
		next.Role = RoleBusinessAreaLead
		ba, err := e.Repo.ProjectBusinessArea(ctx, env.ProjectPK)
		if err != nil {
			return next, err
		}
		if ba.LeaderPK == "" {
			return next, auth.MissingDelegateError{Role: RoleBusinessAreaLead}
		}
		next.UserPKs = []string{ba.LeaderPK}
	case StageDirectorate:
		next.Role = RoleDirectorate
		ba, err := e.Repo.ProjectBusinessArea(ctx, env.ProjectPK)
		if err != nil {
			return next, err
		}
		members, err := e.Repo.ListDirectorateMembers(ctx, ba.DivisionPK)
		if err != nil {
			return next, err
		}
		if len(members) == 0 {
			return next, auth.MissingDelegateError{Role: RoleDirectorate}
		}
		next.UserPKs = members
	}
	return next, nil
}

// DocumentUpdateOptions carries the editable non-workflow fields. Nil
// pointers leave a field untouched.
type DocumentUpdateOptions struct {
	Kind    domain.DocumentKind
	PK      string
	ActorPK string

	Outcome                *string
	OutcomeReason          *string
	AECEndorsementProvided *bool
}

// UpdateDocument edits content fields under the same optimistic concurrency
// as transitions. Stage flags and status are never editable here.
func (e Engine) UpdateDocument(ctx context.Context, opts DocumentUpdateOptions) (domain.DocumentEnvelope, error) {
	env, err := e.Repo.GetDocument(ctx, opts.Kind, opts.PK)
	if err != nil {
		return env, err
	}
	caps, err := e.Auth.Resolve(ctx, opts.ActorPK, env.ProjectPK)
	if err != nil {
		return env, err
	}
	if err := auth.Allows(caps, domain.ActionRequestApproval, StageProjectLead, opts.Kind, env.Flags); err != nil {
		return env, err
	}
	if opts.Outcome != nil {
		if env.Kind != domain.KindProjectClosure {
			return env, ValidationError{Field: "outcome", Reason: "only project closures carry an outcome"}
		}
		switch *opts.Outcome {
		case domain.ProjectCompleted, domain.ProjectTerminated, domain.ProjectSuspended:
		default:
			return env, ValidationError{Field: "outcome", Reason: "outcome must be completed, terminated or suspended"}
		}
		env.Outcome = *opts.Outcome
	}
	if opts.OutcomeReason != nil {
		if env.Kind != domain.KindProjectClosure {
			return env, ValidationError{Field: "outcome_reason", Reason: "only project closures carry an outcome reason"}
		}
		env.OutcomeReason = *opts.OutcomeReason
	}
	if opts.AECEndorsementProvided != nil {
		if env.Kind != domain.KindProjectPlan {
			return env, ValidationError{Field: "aec_endorsement_provided", Reason: "only project plans carry an endorsement"}
		}
		env.AECEndorsementProvided = *opts.AECEndorsementProvided
	}
	env.ModifiedBy = opts.ActorPK
	env.ModifiedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()
	if err := e.Repo.StoreDocument(ctx, tx, env); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return env, ConcurrentModificationError{PK: env.PK, Version: env.Version}
		}
		return env, err
	}
	if err := e.Events.Append(ctx, tx, "document.updated", env.ProjectPK, string(env.Kind), env.PK, opts.ActorPK, events.EventPayload{}); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	env.Version++
	return env, nil
}
