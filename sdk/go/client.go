package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Signoff HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StageFlags mirror the three approval checkboxes on a document.
type StageFlags struct {
	ProjectLead      bool `json:"project_lead"`
	BusinessAreaLead bool `json:"business_area_lead"`
	Directorate      bool `json:"directorate"`
}

// Document represents the API document model.
type Document struct {
	PK         string     `json:"pk"`
	ProjectPK  string     `json:"project_pk"`
	Kind       string     `json:"kind"`
	Flags      StageFlags `json:"stage_flags"`
	Status     string     `json:"status"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  string     `json:"created_at"`
	ModifiedBy string     `json:"modified_by"`
	ModifiedAt string     `json:"modified_at"`
	Version    int64      `json:"version"`

	Year                   int     `json:"year,omitempty"`
	Outcome                string  `json:"outcome,omitempty"`
	OutcomeReason          string  `json:"outcome_reason,omitempty"`
	AECEndorsementRequired bool    `json:"aec_endorsement_required,omitempty"`
	AECEndorsementProvided bool    `json:"aec_endorsement_provided,omitempty"`
	SpawnedProjectPlanPK   *string `json:"spawned_project_plan_pk,omitempty"`
}

// Project represents the API project model.
type Project struct {
	PK             string `json:"pk"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	BusinessAreaPK string `json:"business_area_pk"`
	CreatedAt      string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectPK  string         `json:"project_pk"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorPK    string         `json:"actor_pk"`
	Payload    map[string]any `json:"payload"`
}

// BatchResult is one outcome of a batch approval.
type BatchResult struct {
	Kind     string    `json:"kind"`
	PK       string    `json:"pk"`
	Error    string    `json:"error,omitempty"`
	Document *Document `json:"document,omitempty"`
}

// PendingAction groups the documents waiting on the caller per stage.
type PendingAction struct {
	Stage1 []Document `json:"stage1"`
	Stage2 []Document `json:"stage2"`
	Stage3 []Document `json:"stage3"`
}

// NextApprover names who needs to act next on a document.
type NextApprover struct {
	Stage   int      `json:"stage"`
	Role    string   `json:"role"`
	UserPKs []string `json:"user_pks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetDocument fetches one document.
func (c *Client) GetDocument(ctx context.Context, kind, pk string) (Document, error) {
	var resp struct {
		Document Document `json:"document"`
	}
	endpoint := fmt.Sprintf("v0/documents/%s/%s", url.PathEscape(kind), url.PathEscape(pk))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Document, err
}

// CreateDocument creates a document of the given kind.
func (c *Client) CreateDocument(ctx context.Context, kind, projectPK string, extra map[string]any) (Document, error) {
	body := map[string]any{"project_pk": projectPK}
	for k, v := range extra {
		body[k] = v
	}
	var resp Document
	endpoint := fmt.Sprintf("v0/documents/%s", url.PathEscape(kind))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Transition applies a workflow action. Stage is ignored for request_approval
// and reopen.
func (c *Client) Transition(ctx context.Context, kind, pk, action string, stage int) (Document, error) {
	body := map[string]any{"action": action}
	if stage > 0 {
		body["stage"] = stage
	}
	var resp Document
	endpoint := fmt.Sprintf("v0/documents/%s/%s/transition", url.PathEscape(kind), url.PathEscape(pk))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, kind, pk string) error {
	endpoint := fmt.Sprintf("v0/documents/%s/%s", url.PathEscape(kind), url.PathEscape(pk))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// BatchApprove approves several documents at one stage; per-item failures are
// reported in the result slice.
func (c *Client) BatchApprove(ctx context.Context, stage int, items []struct {
	Kind string `json:"kind"`
	PK   string `json:"pk"`
}) ([]BatchResult, error) {
	body := map[string]any{"stage": stage, "items": items}
	var resp []BatchResult
	err := c.do(ctx, http.MethodPost, "v0/documents/actions/batchapprove", body, &resp)
	return resp, err
}

// PendingMyAction lists the documents waiting on the authenticated user.
func (c *Client) PendingMyAction(ctx context.Context) (PendingAction, error) {
	var resp PendingAction
	err := c.do(ctx, http.MethodGet, "v0/documents/pendingmyaction", nil, &resp)
	return resp, err
}

// NextApprover reports who acts next on a document.
func (c *Client) NextApprover(ctx context.Context, kind, pk string) (NextApprover, error) {
	var resp NextApprover
	endpoint := fmt.Sprintf("v0/documents/%s/%s/nextapprover", url.PathEscape(kind), url.PathEscape(pk))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, pk string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(pk), nil, &resp)
	return resp, err
}

// ProjectDocuments lists every document of a project.
func (c *Client) ProjectDocuments(ctx context.Context, pk string) ([]Document, error) {
	var resp []Document
	endpoint := fmt.Sprintf("v0/projects/%s/documents", url.PathEscape(pk))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
