package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/engine"
	"raidline/internal/migrate"
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
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("guild-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, _, err := app.ResolveGuildAndConfig(context.Background(), "guild-1", "organizer", e.Repo); err != nil {
		t.Fatalf("resolve guild: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func createTestRun(t *testing.T, srv *testServer) RunResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"dungeon": "shattered-throne",
	}, asActor("organizer"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	return run
}

func TestJoinLeaveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	run := createTestRun(t, srv)
	base := srv.URL + "/v0/runs/" + itoa(run.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/join", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}
	var joined JoinResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal join: %v", err)
	}
	if joined.Tally.Joined != 2 { // organizer + alice
		t.Fatalf("joined = %d, want 2", joined.Tally.Joined)
	}

	// Second join is an idempotent no-op.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/join", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-join status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal re-join: %v", err)
	}
	if !joined.AlreadyJoined || joined.Tally.Joined != 2 {
		t.Fatalf("re-join already=%v joined=%d, want true/2", joined.AlreadyJoined, joined.Tally.Joined)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/leave", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leave status %d: %s", res.StatusCode, string(data))
	}
	var left LeaveResponse
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("unmarshal leave: %v", err)
	}
	if !left.WasInRun || left.Tally.Joined != 1 {
		t.Fatalf("leave wasIn=%v joined=%d, want true/1", left.WasInRun, left.Tally.Joined)
	}

	// The ledger keeps the left row.
	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/participation", nil, asActor("organizer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("participation status %d: %s", res.StatusCode, string(data))
	}
	var entries []ParticipationResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal participation: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("participation rows = %d, want 2", len(entries))
	}
}

func TestJoinLockRejectsNewMembers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	run := createTestRun(t, srv)
	base := srv.URL + "/v0/runs/" + itoa(run.ID)

	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/join", nil, asActor("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/lock", nil, asActor("organizer")); res.StatusCode != http.StatusOK {
		t.Fatalf("lock status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/join", nil, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("locked join status %d, want 409: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "run_locked" {
		t.Fatalf("error code %q, want run_locked", envelope.Error.Code)
	}

	// Already-joined members pass through the lock.
	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/join", nil, asActor("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("locked re-join status %d: %s", res.StatusCode, string(data))
	}
}

func TestTransitionIdempotencyAndGuards(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	run := createTestRun(t, srv)
	base := srv.URL + "/v0/runs/" + itoa(run.ID)

	// Non-organizer cannot transition.
	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/start", nil, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider start status %d, want 403: %s", res.StatusCode, string(data))
	}

	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/start", nil, asActor("organizer")); res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/end", nil, asActor("organizer")); res.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %s", res.StatusCode, string(data))
	}

	// Ending an ended run is a no-op success.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/end", nil, asActor("organizer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-end status %d: %s", res.StatusCode, string(data))
	}

	// But cancelling it is already_terminal.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/cancel", nil, asActor("organizer"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel after end status %d, want 409: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "already_terminal" {
		t.Fatalf("error code %q, want already_terminal", envelope.Error.Code)
	}
}

func TestPopKeyRequiresLiveRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	run := createTestRun(t, srv)
	base := srv.URL + "/v0/runs/" + itoa(run.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/pop", nil, asActor("organizer"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("pop while open status %d, want 422: %s", res.StatusCode, string(data))
	}

	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/start", nil, asActor("organizer")); res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/join", nil, asActor("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/pop", nil, asActor("organizer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pop status %d: %s", res.StatusCode, string(data))
	}
	var pop KeyPopResponse
	if err := json.Unmarshal(data, &pop); err != nil {
		t.Fatalf("unmarshal pop: %v", err)
	}
	if pop.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", pop.Sequence)
	}
	if len(pop.Snapshot) != 2 {
		t.Fatalf("snapshot size = %d, want 2: %v", len(pop.Snapshot), pop.Snapshot)
	}
	if pop.Chain != "Chain 1/8" {
		t.Fatalf("chain = %q, want Chain 1/8", pop.Chain)
	}

	// Non-organizer cannot pop.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/pop", nil, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider pop status %d, want 403: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredWithoutLegacyHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d, want 401: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
