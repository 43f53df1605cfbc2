package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Webhooks = nil
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:                "test-secret",
			AllowLegacyManagerHeader: true,
		},
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
			srv.Close()
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

func asManager(id string) map[string]string {
	return map[string]string{"X-Manager-Id": id}
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", envelope.Error.Code)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/auth/dev/login",
		map[string]string{"manager_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login = %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	decodeInto(t, data, &login)
	if login.Token == "" {
		t.Fatalf("empty token")
	}
	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/projects", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with token = %d: %s", res.StatusCode, data)
	}
}

func TestProjectStageFlow(t *testing.T) {
	s := newTestServer(t)
	alice := asManager("alice")

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects",
		map[string]string{"name": "Website relaunch"}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project = %d: %s", res.StatusCode, data)
	}
	var p ProjectResponse
	decodeInto(t, data, &p)
	if p.Status != "pending" {
		t.Fatalf("new project status = %q", p.Status)
	}

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/stages",
		map[string]string{"name": "Build phase"}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage = %d: %s", res.StatusCode, data)
	}
	var st StageResponse
	decodeInto(t, data, &st)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/stages",
		map[string]string{"stage_id": st.ID, "status": "ongoing", "start_date": "2024-03-01"}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach = %d: %s", res.StatusCode, data)
	}
	var ps ProjectStageResponse
	decodeInto(t, data, &ps)
	if ps.Rank != 1 {
		t.Fatalf("rank = %d, want 1", ps.Rank)
	}

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/projects/"+p.ID+"/status", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var status ProjectStatusResponse
	decodeInto(t, data, &status)
	if status.Status != "ongoing" {
		t.Fatalf("derived status = %q, want ongoing", status.Status)
	}

	// stranger may not touch the project
	res, data = doJSON(t, s.Client(), http.MethodDelete, s.URL+"/v0/project-stages/"+ps.ID, nil, asManager("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger detach = %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/projects/"+p.ID+"/events?limit=10", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events = %d: %s", res.StatusCode, data)
	}
	var events paginatedEvents
	decodeInto(t, data, &events)
	if len(events.Items) == 0 {
		t.Fatalf("expected events, got none")
	}
}

func TestConnectionConflictEnvelope(t *testing.T) {
	s := newTestServer(t)
	alice := asManager("alice")

	_, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects",
		map[string]string{"name": "Website"}, alice)
	var p ProjectResponse
	decodeInto(t, data, &p)

	var stages [2]StageResponse
	for i, name := range []string{"First phase", "Second phase"} {
		_, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/stages",
			map[string]string{"name": name}, alice)
		decodeInto(t, data, &stages[i])
	}
	var attached [2]ProjectStageResponse
	for i, st := range stages {
		_, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/stages",
			map[string]string{"stage_id": st.ID, "status": "ongoing", "start_date": "2024-03-01"}, alice)
		decodeInto(t, data, &attached[i])
	}

	body := map[string]string{"from": attached[0].ID, "to": attached[1].ID}
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/connections", body, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("connect = %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/connections", body, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate connect = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code = %q, want conflict", envelope.Error.Code)
	}

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/connections",
		map[string]string{"from": attached[0].ID, "to": attached[0].ID}, alice)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("self connect = %d: %s", res.StatusCode, data)
	}
}

func TestCompleteLocksViaAPI(t *testing.T) {
	s := newTestServer(t)
	alice := asManager("alice")

	_, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects",
		map[string]string{"name": "Website"}, alice)
	var p ProjectResponse
	decodeInto(t, data, &p)

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/complete", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d: %s", res.StatusCode, data)
	}
	var locked ProjectResponse
	decodeInto(t, data, &locked)
	if !locked.Locked || locked.Status != "completed" {
		t.Fatalf("complete response = %+v", locked)
	}

	_, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/stages",
		map[string]string{"name": "Late phase"}, alice)
	var st StageResponse
	decodeInto(t, data, &st)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/projects/"+p.ID+"/stages",
		map[string]string{"stage_id": st.ID, "status": "ongoing", "start_date": "2024-03-01"}, alice)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("attach to locked = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "project_locked" {
		t.Fatalf("error code = %q, want project_locked", envelope.Error.Code)
	}
}
