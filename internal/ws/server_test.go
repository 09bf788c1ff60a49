package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/feed"
	"github.com/giftpulse/instance/internal/group"
	"github.com/giftpulse/instance/internal/recorder"
)

type fakeController struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
}

func (c *fakeController) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return c.connectErr
}

func (c *fakeController) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeController) Status() feed.Status {
	return feed.Status{State: feed.Online, Channel: "alice", SessionID: "sess-1"}
}

type testServer struct {
	*httptest.Server
	eng  *engine.Engine
	hub  *Hub
	ctrl *fakeController
}

func newTestServer(t *testing.T, opts ServerOptions, hubOpts HubOptions) *testServer {
	t.Helper()
	hub, eng := newTestHub(t, hubOpts)
	ctrl := &fakeController{}
	srv := httptest.NewServer(NewServer(eng, ctrl, hub, nil, opts).Routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, eng: eng, hub: hub, ctrl: ctrl}
}

func (ts *testServer) post(t *testing.T, path, body string) (*http.Response, apiResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return resp, out
}

func (ts *testServer) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readWS(t *testing.T, conn *websocket.Conn) testMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m testMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("reading ws message: %v", err)
	}
	return m
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	opts := ServerOptions{Username: "admin", Password: "secret", Token: "tok"}

	tests := []struct {
		name  string
		opts  ServerOptions
		setup func(r *http.Request)
		want  bool
	}{
		{"no credentials configured", ServerOptions{}, func(*http.Request) {}, true},
		{"missing credentials", opts, func(*http.Request) {}, false},
		{"basic auth", opts, func(r *http.Request) { r.SetBasicAuth("admin", "secret") }, true},
		{"wrong password", opts, func(r *http.Request) { r.SetBasicAuth("admin", "nope") }, false},
		{"bearer", opts, func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"wrong bearer", opts, func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad") }, false},
		{"instance token header", opts, func(r *http.Request) { r.Header.Set("X-Instance-Token", "tok") }, true},
		{"query token", opts, func(r *http.Request) { r.URL.RawQuery = "token=tok" }, true},
		{"token only, basic offered", ServerOptions{Token: "tok"}, func(r *http.Request) { r.SetBasicAuth("", "") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, nil, NewHub(HubOptions{}), nil, tt.opts)
			req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			tt.setup(req)
			if got := s.authorize(req); got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoutes_AuthBoundaries(t *testing.T) {
	ts := newTestServer(t, ServerOptions{Username: "admin", Password: "secret"}, HubOptions{})

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated /api/state = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}

	resp, err = http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/health = %d, want 200", resp.StatusCode)
	}

	conn, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatalf("public /ws dial: %v", err)
	}
	conn.Close()
}

func TestRoutes_ProtectObservers(t *testing.T) {
	ts := newTestServer(t, ServerOptions{Token: "tok", ProtectObservers: true}, HubOptions{})

	_, resp, err := ts.dial(t, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial response = %v, want 401", resp)
	}

	conn, _, err := ts.dial(t, http.Header{"X-Instance-Token": []string{"tok"}})
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestWS_ReceivesInitialStateAndBroadcasts(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})

	conn, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if m := readWS(t, conn); m.Type != MsgCatalog {
		t.Fatalf("first message = %q, want catalog", m.Type)
	}
	if m := readWS(t, conn); m.Type != MsgSnapshot {
		t.Fatalf("second message = %q, want snapshot", m.Type)
	}

	if resp, _ := ts.post(t, "/api/target", `{"target":500}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/target = %d", resp.StatusCode)
	}
	snap := decodeSnapshot(t, readWS(t, conn))
	if snap.Target != 500 {
		t.Errorf("broadcast target = %d, want 500", snap.Target)
	}
}

func TestWS_DetachOnClose(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})

	conn, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readWS(t, conn)
	if got := ts.hub.ObserverCount(); got != 1 {
		t.Fatalf("observers = %d, want 1", got)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.ObserverCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ts.hub.ObserverCount(); got != 0 {
		t.Errorf("observers = %d after close, want 0", got)
	}
}

func TestWS_ObserverLimit(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{MaxObservers: 1})

	conn, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readWS(t, conn)

	_, resp, err := ts.dial(t, nil)
	if err == nil {
		t.Fatal("second observer attached past the limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %v, want 503", resp)
	}
}

func TestAdminAPI(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"reset", "/api/reset", ``, http.StatusOK, ""},
		{"counter override", "/api/counter", `{"groupId":"roses","count":3,"diamonds":30}`, http.StatusOK, ""},
		{"counter unknown group", "/api/counter", `{"groupId":"lions","count":1}`, http.StatusNotFound, CodeNotFound},
		{"counter negative", "/api/counter", `{"groupId":"roses","count":-1}`, http.StatusBadRequest, CodeInvalid},
		{"counter missing group", "/api/counter", `{"count":1}`, http.StatusBadRequest, CodeInvalid},
		{"counter malformed", "/api/counter", `{`, http.StatusBadRequest, CodeInvalid},
		{"target", "/api/target", `{"target":2500}`, http.StatusOK, ""},
		{"target zero", "/api/target", `{"target":0}`, http.StatusBadRequest, CodeInvalid},
		{"target missing", "/api/target", `{}`, http.StatusBadRequest, CodeInvalid},
		{"groups array", "/api/groups", `[{"id":"a","giftIds":[1]}]`, http.StatusOK, ""},
		{"groups invalid", "/api/groups", `[{"id":"","giftIds":[1]}]`, http.StatusBadRequest, CodeInvalid},
		{"groups garbage", "/api/groups", `"nope"`, http.StatusBadRequest, CodeInvalid},
		{"disconnect", "/api/disconnect", ``, http.StatusOK, ""},
		{"connect", "/api/connect", ``, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, ServerOptions{}, HubOptions{})
			resp, out := ts.post(t, tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %+v)", resp.StatusCode, tt.wantStatus, out)
			}
			if out.OK != (tt.wantStatus == http.StatusOK) || out.Code != tt.wantCode {
				t.Errorf("body = %+v, want ok=%v code=%q", out, tt.wantStatus == http.StatusOK, tt.wantCode)
			}
		})
	}
}

func TestAdminAPI_CounterOverrideApplies(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})

	ts.post(t, "/api/counter", `{"groupId":"roses","diamonds":42}`)
	got := ts.eng.Snapshot().Counters["roses"]
	if got.Diamonds != 42 || got.Count != 0 {
		t.Errorf("roses = %+v, want diamonds 42 and count untouched", got)
	}
}

func TestAdminAPI_GroupsObjectKeepsOrder(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})

	body := `{"zeta":{"name":"Z","giftIds":[1,2]},"alpha":{"name":"A","giftIds":[2,3]}}`
	if resp, out := ts.post(t, "/api/groups", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %+v", resp.StatusCode, out)
	}

	groups := ts.eng.Groups()
	if len(groups) != 2 || groups[0].ID != "zeta" || groups[1].ID != "alpha" {
		t.Fatalf("groups = %+v, want zeta then alpha", groups)
	}
}

func TestAdminAPI_ConnectFailure(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})
	ts.ctrl.connectErr = fmt.Errorf("%w: alice is not live", feed.ErrFeedUnavailable)

	resp, out := ts.post(t, "/api/connect", ``)
	if resp.StatusCode != http.StatusServiceUnavailable || out.Code != CodeUnavailable {
		t.Errorf("status = %d body = %+v, want 503 unavailable", resp.StatusCode, out)
	}
	if !strings.Contains(out.Error, "not live") {
		t.Errorf("error = %q", out.Error)
	}
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})
	ts.eng.SetGroups([]group.Group{{ID: "roses", Name: "Roses", GiftIDs: []int{5}}})

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var state struct {
		Counters map[string]group.Counter `json:"counters"`
		Target   int64                    `json:"target"`
		Stats    engine.Stats             `json:"stats"`
		Feed     struct {
			State     string `json:"state"`
			SessionID string `json:"sessionId"`
		} `json:"feed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if state.Feed.State != "ONLINE" || state.Feed.SessionID != "sess-1" {
		t.Errorf("feed = %+v", state.Feed)
	}
	if _, ok := state.Counters["roses"]; !ok || state.Target != engine.DefaultTarget {
		t.Errorf("state = %+v", state)
	}

	resp2, err := http.Get(ts.URL + "/api/groups")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var groups []group.Group
	json.NewDecoder(resp2.Body).Decode(&groups)
	if len(groups) != 1 || groups[0].Name != "Roses" {
		t.Errorf("groups = %+v", groups)
	}

	resp3, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp3.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, ServerOptions{RateLimitPerMinute: 2}, HubOptions{})

	var last int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/catalog")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:5173", "example.com", true},
		{"loopback v6", nil, "http://[::1]:8080", "example.com", true},
		{"foreign", nil, "http://evil.test", "example.com", false},
		{"allowed list", []string{"https://overlay.test"}, "https://overlay.test", "example.com", true},
		{"allowed host other scheme", []string{"https://overlay.test"}, "http://overlay.test", "example.com", true},
		{"not in list", []string{"https://overlay.test"}, "http://localhost", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, nil, NewHub(HubOptions{}), nil, ServerOptions{AllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	sink, err := recorder.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	ctx := context.Background()
	now := time.Now()
	if err := sink.CreateSession(ctx, "s1", "inst", now); err != nil {
		t.Fatal(err)
	}
	if err := sink.LogGift(ctx, recorder.GiftRecord{SessionID: "s1", GiftID: 5, GiftName: "Rose", GiftValue: 1, RepeatCount: 5, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	ts := newTestServer(t, ServerOptions{InstanceID: "inst", History: sink}, HubOptions{})

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var sessions []recorder.SessionRow
	json.NewDecoder(resp.Body).Decode(&sessions)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("sessions = %d %+v", resp.StatusCode, sessions)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/s1/gifts")
	if err != nil {
		t.Fatal(err)
	}
	var gifts []recorder.GiftTotals
	json.NewDecoder(resp.Body).Decode(&gifts)
	resp.Body.Close()
	if len(gifts) != 1 || gifts[0].Quantity != 5 {
		t.Errorf("gifts = %+v", gifts)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats recorder.SessionStats
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || stats.Sessions != 0 {
		t.Errorf("stats = %d %+v, want 200 with no completed sessions", resp.StatusCode, stats)
	}

	if err := sink.EndSession(ctx, "s1", recorder.Summary{TotalGifts: 5, TotalDiamonds: 5, PeakViewers: 3, EndedAt: now}); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(ts.URL + "/api/sessions/stats")
	if err != nil {
		t.Fatal(err)
	}
	stats = recorder.SessionStats{}
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if stats.Sessions != 1 || stats.TotalGifts != 5 || stats.MaxViewers != 3 {
		t.Errorf("stats after end = %+v", stats)
	}

	resp, err = http.Get(ts.URL + "/api/sessions?limit=0")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionEndpoints_DisabledWithoutHistory(t *testing.T) {
	ts := newTestServer(t, ServerOptions{}, HubOptions{})
	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
