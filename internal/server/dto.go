package server

import (
	"signoff/internal/domain"
	"signoff/internal/engine"
)

// DocumentResponse is the envelope plus denormalized project refs for the UI.
type DocumentResponse struct {
	Document     domain.DocumentEnvelope `json:"document"`
	Project      *ProjectResponse        `json:"project,omitempty"`
	BusinessArea *domain.BusinessArea    `json:"business_area,omitempty"`
}

type ProjectResponse struct {
	PK             string          `json:"pk"`
	Title          string          `json:"title"`
	Status         string          `json:"status"`
	BusinessAreaPK string          `json:"business_area_pk"`
	Team           []domain.Member `json:"team,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		PK:             p.PK,
		Title:          p.Title,
		Status:         p.Status,
		BusinessAreaPK: p.BusinessAreaPK,
		Team:           p.Team,
		CreatedAt:      p.CreatedAt,
	}
}

type TransitionRequest struct {
	Action          domain.Action `json:"action" enum:"approve,recall,send_back,reopen,request_approval"`
	Stage           int           `json:"stage,omitempty" minimum:"0" maximum:"3"`
	ShouldSendEmail *bool         `json:"should_send_email,omitempty"`
}

type CreateDocumentRequest struct {
	ProjectPK              string `json:"project_pk"`
	Year                   int    `json:"year,omitempty"`
	Outcome                string `json:"outcome,omitempty" enum:",completed,terminated,suspended"`
	OutcomeReason          string `json:"outcome_reason,omitempty"`
	AECEndorsementRequired *bool  `json:"aec_endorsement_required,omitempty"`
}

type UpdateDocumentRequest struct {
	Outcome                *string `json:"outcome,omitempty"`
	OutcomeReason          *string `json:"outcome_reason,omitempty"`
	AECEndorsementProvided *bool   `json:"aec_endorsement_provided,omitempty"`
}

type BatchApproveRequest struct {
	Stage int                `json:"stage" minimum:"1" maximum:"3"`
	Items []engine.BatchItem `json:"items"`
}

type CaretakerRequest struct {
	CaretakerPK string `json:"caretaker_pk"`
	Reason      string `json:"reason,omitempty"`
	EndDate     string `json:"end_date,omitempty" format:"date-time"`
}

type CreateProjectRequest struct {
	PK             string          `json:"pk,omitempty"`
	Title          string          `json:"title"`
	BusinessAreaPK string          `json:"business_area_pk"`
	Team           []domain.Member `json:"team,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectPK  string `json:"project_pk,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorPK    string `json:"actor_pk"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectPK:  e.ProjectPK,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorPK:    e.ActorPK,
		Payload:    e.Payload,
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

type PDFStatusResponse struct {
	Pending bool    `json:"pdf_generation_in_progress"`
	Ref     *string `json:"pdf_ref,omitempty"`
}
