package engine

import (
	"signoff/internal/domain"
)

// Stage numbers for the three ordered approval gates.
const (
	StageProjectLead      = 1
	StageBusinessAreaLead = 2
	StageDirectorate      = 3
)

// ApplyTransition validates a requested action against the envelope's current
// flags and returns the mutated envelope plus the side effects the caller
// must run after commit. It never mutates its input and never performs IO;
// persistence, authorization and effect execution belong to the caller.
//
// projectStatus is only consulted by the reopen guard.
func ApplyTransition(env domain.DocumentEnvelope, action domain.Action, stage int, projectStatus string) (domain.DocumentEnvelope, []domain.Effect, error) {
	switch action {
	case domain.ActionApprove:
		return applyApprove(env, stage)
	case domain.ActionRecall:
		return applyRecall(env, stage)
	case domain.ActionSendBack:
		return applySendBack(env, stage)
	case domain.ActionReopen:
		return applyReopen(env, projectStatus)
	case domain.ActionRequestApproval:
		return applyRequestApproval(env)
	default:
		return env, nil, ValidationError{Field: "action", Reason: "unknown action " + string(action)}
	}
}

func applyApprove(env domain.DocumentEnvelope, stage int) (domain.DocumentEnvelope, []domain.Effect, error) {
	var effects []domain.Effect
	switch stage {
	case StageProjectLead:
		if env.Flags.ProjectLead {
			return env, nil, InvalidTransitionError{Action: domain.ActionApprove, Stage: stage, Flags: env.Flags}
		}
		env.Flags.ProjectLead = true
		env.Status = domain.StatusInApproval
		effects = append(effects, notifyEffect(RoleBusinessAreaLead, TemplateDocumentReady))
	case StageBusinessAreaLead:
		if !env.Flags.ProjectLead || env.Flags.BusinessAreaLead {
			return env, nil, InvalidTransitionError{Action: domain.ActionApprove, Stage: stage, Flags: env.Flags}
		}
		env.Flags.BusinessAreaLead = true
		env.Status = domain.StatusInApproval
		effects = append(effects, notifyEffect(RoleDirectorate, TemplateDocumentReady))
	case StageDirectorate:
		if !env.Flags.BusinessAreaLead || env.Flags.Directorate {
			return env, nil, InvalidTransitionError{Action: domain.ActionApprove, Stage: stage, Flags: env.Flags}
		}
		if env.Kind == domain.KindProjectPlan && env.AECEndorsementRequired && !env.AECEndorsementProvided {
			return env, nil, ValidationError{Field: "aec_endorsement", Reason: "animal ethics committee endorsement required before final approval"}
		}
		if env.Kind == domain.KindProjectClosure && env.Outcome == "" {
			return env, nil, ValidationError{Field: "outcome", Reason: "closure outcome required before final approval"}
		}
		env.Flags.Directorate = true
		env.Status = domain.StatusApproved
		effects = append(effects, notifyEffect(RoleProjectLead, TemplateDocumentApproved))
		switch env.Kind {
		case domain.KindConceptPlan:
			effects = append(effects, domain.Effect{Kind: domain.EffectSpawnProjectPlan})
		case domain.KindProjectPlan:
			effects = append(effects, domain.Effect{Kind: domain.EffectSetProjectStatus, ProjectStatus: domain.ProjectActive})
		case domain.KindProjectClosure:
			effects = append(effects, domain.Effect{Kind: domain.EffectSetProjectStatus, ProjectStatus: env.Outcome})
		}
	default:
		return env, nil, ValidationError{Field: "stage", Reason: "stage must be 1, 2 or 3"}
	}
	return env, effects, nil
}

func applyRecall(env domain.DocumentEnvelope, stage int) (domain.DocumentEnvelope, []domain.Effect, error) {
	var effects []domain.Effect
	switch stage {
	case StageProjectLead:
		if !env.Flags.ProjectLead || env.Flags.BusinessAreaLead {
			return env, nil, InvalidTransitionError{Action: domain.ActionRecall, Stage: stage, Flags: env.Flags}
		}
		env.Flags.ProjectLead = false
		env.Status = domain.StatusNew
		effects = append(effects, notifyEffect(RoleBusinessAreaLead, TemplateDocumentRecalled))
	case StageBusinessAreaLead:
		if !env.Flags.BusinessAreaLead || env.Flags.Directorate {
			return env, nil, InvalidTransitionError{Action: domain.ActionRecall, Stage: stage, Flags: env.Flags}
		}
		env.Flags.BusinessAreaLead = false
		env.Status = domain.StatusInApproval
		effects = append(effects, notifyEffect(RoleDirectorate, TemplateDocumentRecalled))
	case StageDirectorate:
		// Admin-only path, nobody further up to notify.
		if !env.Flags.Directorate {
			return env, nil, InvalidTransitionError{Action: domain.ActionRecall, Stage: stage, Flags: env.Flags}
		}
		env.Flags.Directorate = false
		env.Status = domain.StatusInApproval
	default:
		return env, nil, ValidationError{Field: "stage", Reason: "stage must be 1, 2 or 3"}
	}
	return env, effects, nil
}

func applySendBack(env domain.DocumentEnvelope, stage int) (domain.DocumentEnvelope, []domain.Effect, error) {
	var effects []domain.Effect
	switch stage {
	case StageBusinessAreaLead:
		if !env.Flags.ProjectLead || env.Flags.BusinessAreaLead {
			return env, nil, InvalidTransitionError{Action: domain.ActionSendBack, Stage: stage, Flags: env.Flags}
		}
		env.Flags.ProjectLead = false
		env.Status = domain.StatusRevising
		effects = append(effects, notifyEffect(RoleProjectLead, TemplateDocumentSentBack))
	case StageDirectorate:
		if !env.Flags.BusinessAreaLead || env.Flags.Directorate {
			return env, nil, InvalidTransitionError{Action: domain.ActionSendBack, Stage: stage, Flags: env.Flags}
		}
		env.Flags.BusinessAreaLead = false
		env.Status = domain.StatusRevising
		effects = append(effects, notifyEffect(RoleBusinessAreaLead, TemplateDocumentSentBack))
	default:
		return env, nil, ValidationError{Field: "stage", Reason: "send_back applies at stage 2 or 3"}
	}
	return env, effects, nil
}

// applyReopen rolls a fully approved closure back: the envelope is deleted
// and the owning project goes back to updating. All three flags drop
// atomically, the one place the gate ordering invariant is allowed to skip
// intermediate states. The stage argument is ignored.
func applyReopen(env domain.DocumentEnvelope, projectStatus string) (domain.DocumentEnvelope, []domain.Effect, error) {
	if env.Kind != domain.KindProjectClosure {
		return env, nil, ValidationError{Field: "kind", Reason: "reopen applies to project closures only"}
	}
	switch projectStatus {
	case domain.ProjectCompleted, domain.ProjectTerminated, domain.ProjectSuspended:
	default:
		return env, nil, InvalidTransitionError{Action: domain.ActionReopen, Flags: env.Flags}
	}
	env.Flags = domain.StageFlags{}
	env.Status = domain.StatusNew
	effects := []domain.Effect{
		{Kind: domain.EffectDeleteDocument},
		{Kind: domain.EffectSetProjectStatus, ProjectStatus: domain.ProjectUpdating},
	}
	return env, effects, nil
}

func applyRequestApproval(env domain.DocumentEnvelope) (domain.DocumentEnvelope, []domain.Effect, error) {
	switch env.Status {
	case domain.StatusNew, domain.StatusInReview, domain.StatusRevising:
	default:
		return env, nil, ValidationError{Field: "status", Reason: "approval can only be requested from new, inreview or revising"}
	}
	if env.Flags.ProjectLead {
		return env, nil, InvalidTransitionError{Action: domain.ActionRequestApproval, Flags: env.Flags}
	}
	env.Status = domain.StatusInApproval
	return env, []domain.Effect{notifyEffect(RoleProjectLead, TemplateDocumentReady)}, nil
}

func notifyEffect(role, template string) domain.Effect {
	return domain.Effect{Kind: domain.EffectNotify, RecipientRole: role, Template: template}
}

// Recipient roles and message templates referenced by notify effects.
const (
	RoleProjectLead      = "project_lead"
	RoleBusinessAreaLead = "business_area_lead"
	RoleDirectorate      = "directorate"

	TemplateDocumentReady    = "document_ready"
	TemplateDocumentApproved = "document_approved"
	TemplateDocumentRecalled = "document_recalled"
	TemplateDocumentSentBack = "document_sent_back"
)

// ApprovalStage reports which gate acts next: 1, 2 or 3 while in approval,
// 0 once fully approved.
func ApprovalStage(flags domain.StageFlags) int {
	switch {
	case flags.Directorate:
		return 0
	case flags.BusinessAreaLead:
		return StageDirectorate
	case flags.ProjectLead:
		return StageBusinessAreaLead
	default:
		return StageProjectLead
	}
}
