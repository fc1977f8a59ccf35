package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/pdf"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	seedWorkflowOrg(t, e)
	handler, err := New(Config{
		Engine: e,
		PDF:    pdf.NewManager(e.Repo, time.Second),
		Auth:   AuthConfig{AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedWorkflowOrg(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	now := "2026-03-01T00:00:00Z"
	users := []domain.User{
		{PK: "lead", Name: "Project Lead", Email: "lead@example.org", CreatedAt: now},
		{PK: "bal", Name: "Business Area Lead", Email: "bal@example.org", CreatedAt: now},
		{PK: "dir", Name: "Director", Email: "dir@example.org", CreatedAt: now},
		{PK: "outsider", Name: "Outsider", CreatedAt: now},
		{PK: "admin", Name: "Admin", IsSuperuser: true, CreatedAt: now},
	}
	for _, u := range users {
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user %s: %v", u.PK, err)
		}
	}
	if err := e.Repo.InsertDivision(ctx, domain.Division{PK: "div-1", Name: "Science"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.AddDirectorateMember(ctx, "div-1", "dir"); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-1", Name: "Fisheries", DivisionPK: "div-1", LeaderPK: "bal"}); err != nil {
		t.Fatal(err)
	}
	// A second area with no leader for the missing delegate case.
	if err := e.Repo.InsertBusinessArea(ctx, domain.BusinessArea{PK: "ba-vacant", Name: "Vacant", DivisionPK: "div-1"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertProject(ctx, domain.Project{
		PK: "proj-1", Title: "Fish counting", Status: domain.ProjectNew, BusinessAreaPK: "ba-1",
		Team:      []domain.Member{{UserPK: "lead", IsLeader: true}},
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertProject(ctx, domain.Project{
		PK: "proj-vacant", Title: "Headless", Status: domain.ProjectNew, BusinessAreaPK: "ba-vacant",
		Team:      []domain.Member{{UserPK: "lead", IsLeader: true}},
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
}

func asUser(pk string) map[string]string {
	return map[string]string{"X-User-Pk": pk}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createDocument(t *testing.T, srv *testServer, kind string, body map[string]any) domain.DocumentEnvelope {
	t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	if _, ok := body["project_pk"]; !ok {
		body["project_pk"] = "proj-1"
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents/"+kind, body, asUser("lead"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %s status %d: %s", kind, res.StatusCode, string(data))
	}
	var env domain.DocumentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	return env
}

func transition(t *testing.T, srv *testServer, kind, pk, action string, stage int, actor string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents/"+kind+"/"+pk+"/transition", map[string]any{
		"action":            action,
		"stage":             stage,
		"should_send_email": false,
	}, asUser(actor))
}

func mustTransition(t *testing.T, srv *testServer, kind, pk, action string, stage int, actor string) domain.DocumentEnvelope {
	t.Helper()
	res, data := transition(t, srv, kind, pk, action, stage, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("%s(%d) by %s: %d %s", action, stage, actor, res.StatusCode, string(data))
	}
	var env domain.DocumentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	return env
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestApprovalLadderOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doc := createDocument(t, srv, "conceptplans", nil)
	if doc.Status != domain.StatusNew {
		t.Fatalf("fresh status: %s", doc.Status)
	}

	mustTransition(t, srv, "conceptplans", doc.PK, "request_approval", 0, "lead")
	mustTransition(t, srv, "conceptplans", doc.PK, "approve", 1, "lead")
	mustTransition(t, srv, "conceptplans", doc.PK, "approve", 2, "bal")
	final := mustTransition(t, srv, "conceptplans", doc.PK, "approve", 3, "dir")
	if final.Status != domain.StatusApproved {
		t.Fatalf("final status: %s", final.Status)
	}
	if final.SpawnedProjectPlanPK == nil {
		t.Fatalf("no spawned project plan")
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents/projectplans/"+*final.SpawnedProjectPlanPK, nil, asUser("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get spawned plan: %d %s", res.StatusCode, string(data))
	}
	var wrapped DocumentResponse
	if err := json.Unmarshal(data, &wrapped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wrapped.Project == nil || wrapped.Project.PK != "proj-1" {
		t.Fatalf("document response project: %+v", wrapped.Project)
	}
}

func TestForbiddenAndInvalidTransitions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doc := createDocument(t, srv, "conceptplans", nil)
	mustTransition(t, srv, "conceptplans", doc.PK, "request_approval", 0, "lead")

	// An outsider cannot grant stage 1.
	res, data := transition(t, srv, "conceptplans", doc.PK, "approve", 1, "outsider")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider approve: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("error code: %s", code)
	}

	// Stage 2 before stage 1 is an invalid transition.
	res, data = transition(t, srv, "conceptplans", doc.PK, "approve", 2, "bal")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("out of order approve: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("error code: %s", code)
	}
}

func TestMissingDelegateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doc := createDocument(t, srv, "conceptplans", map[string]any{"project_pk": "proj-vacant"})
	mustTransition(t, srv, "conceptplans", doc.PK, "request_approval", 0, "lead")
	mustTransition(t, srv, "conceptplans", doc.PK, "approve", 1, "lead")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents/conceptplans/"+doc.PK+"/nextapprover", nil, asUser("lead"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("nextapprover on vacant area: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "missing_delegate" {
		t.Fatalf("error code: %s", code)
	}
}

func TestUnknownKindAndDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents/grantapplications/nope", nil, asUser("lead"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown kind: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents/conceptplans/nope", nil, asUser("lead"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown pk: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("error code: %s", code)
	}
}

func TestBatchApproveOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createDocument(t, srv, "progressreports", map[string]any{"year": 2026})
	b := createDocument(t, srv, "studentreports", map[string]any{"year": 2026})
	mustTransition(t, srv, "progressreports", a.PK, "request_approval", 0, "lead")
	mustTransition(t, srv, "studentreports", b.PK, "request_approval", 0, "lead")
	// Grant b's stage 1 up front so the batch re-grant fails.
	mustTransition(t, srv, "studentreports", b.PK, "approve", 1, "lead")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents/actions/batchapprove", map[string]any{
		"stage": 1,
		"items": []map[string]string{
			{"kind": "progressreport", "pk": a.PK},
			{"kind": "studentreport", "pk": b.PK},
		},
	}, asUser("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batchapprove: %d %s", res.StatusCode, string(data))
	}
	var results []engine.BatchResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: %+v", results)
	}
	if results[0].Error != "" || results[1].Error == "" {
		t.Fatalf("per-item outcome: %+v", results)
	}
}

func TestPendingMyActionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doc := createDocument(t, srv, "conceptplans", nil)
	mustTransition(t, srv, "conceptplans", doc.PK, "request_approval", 0, "lead")
	mustTransition(t, srv, "conceptplans", doc.PK, "approve", 1, "lead")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents/pendingmyaction", nil, asUser("bal"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pendingmyaction: %d %s", res.StatusCode, string(data))
	}
	var pending engine.PendingAction
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pending.Stage2) != 1 || pending.Stage2[0].PK != doc.PK {
		t.Fatalf("stage 2 queue: %+v", pending)
	}
}

func TestCaretakerAdminGating(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := map[string]any{"caretaker_pk": "outsider", "reason": "leave"}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users/lead/caretakers", body, asUser("lead"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin set caretaker: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users/lead/caretakers", body, asUser("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin set caretaker: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users/lead/caretakers", nil, asUser("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get caretaker: %d %s", res.StatusCode, string(data))
	}
	var ca domain.CaretakerAssignment
	if err := json.Unmarshal(data, &ca); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ca.CaretakerPK != "outsider" {
		t.Fatalf("caretaker: %+v", ca)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/users/lead/caretakers", nil, asUser("admin"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("remove caretaker: %d %s", res.StatusCode, string(data))
	}
}

func TestProjectAdminOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := map[string]any{
		"title":            "New survey",
		"business_area_pk": "ba-1",
		"team":             []map[string]any{{"user_pk": "lead", "is_leader": true}},
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", body, asUser("lead"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", body, asUser("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin create project: %d %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != domain.ProjectNew {
		t.Fatalf("created status: %s", created.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+created.PK+"/documents", nil, asUser("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("project documents: %d %s", res.StatusCode, string(data))
	}
}

func TestEventsTailOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doc := createDocument(t, srv, "conceptplans", nil)
	mustTransition(t, srv, "conceptplans", doc.PK, "request_approval", 0, "lead")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?project_pk=proj-1", nil, asUser("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("no events recorded")
	}
}

func TestPDFLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doc := createDocument(t, srv, "conceptplans", nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents/conceptplans/"+doc.PK+"/generate_pdf", nil, asUser("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, string(data))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents/conceptplans/"+doc.PK+"/pdf", nil, asUser("lead"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("poll: %d %s", res.StatusCode, string(data))
		}
		var status PDFStatusResponse
		if err := json.Unmarshal(data, &status); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !status.Pending {
			if status.Ref == nil {
				t.Fatalf("finished without a ref: %s", string(data))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pdf never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
