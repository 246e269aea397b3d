package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/volkeeper/dbopen"
	"github.com/hazyhaar/volkeeper/eventlog"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/session"
	"github.com/hazyhaar/volkeeper/store"
)

type fakeController struct {
	mu     sync.Mutex
	st     session.Status
	policy *store.Store
	subs   map[int]func(session.Status)
	next   int
}

func newFake(t *testing.T, identity, name string) *fakeController {
	t.Helper()
	st := store.Open(context.Background(), store.NewMemoryPersister())
	t.Cleanup(st.Close)
	return &fakeController{
		st:     session.Status{State: session.Idle, Identity: identity, Name: name, Volume: 1, Bound: true},
		policy: st,
		subs:   make(map[int]func(session.Status)),
	}
}

func (f *fakeController) Status(context.Context) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, nil
}

func (f *fakeController) SaveVolume(_ context.Context, lvl level.Level) (level.Level, error) {
	f.mu.Lock()
	if f.st.Identity == "" {
		f.mu.Unlock()
		return 0, session.ErrNoIdentity
	}
	stored := f.policy.Set(f.st.Identity, lvl)
	f.st.Volume = stored.Float()
	f.st.Stored = true
	f.st.State = session.Enforcing
	f.mu.Unlock()
	f.notify()
	return stored, nil
}

func (f *fakeController) PreviewVolume(_ context.Context, lvl level.Level) (level.Level, error) {
	f.mu.Lock()
	if !f.st.Bound {
		f.mu.Unlock()
		return 0, session.ErrNotBound
	}
	lvl = lvl.Clamped()
	f.st.Volume = lvl.Float()
	f.mu.Unlock()
	f.notify()
	return lvl, nil
}

func (f *fakeController) ResetVolume(context.Context) error {
	f.mu.Lock()
	if f.st.Identity == "" {
		f.mu.Unlock()
		return session.ErrNoIdentity
	}
	f.policy.Delete(f.st.Identity)
	f.st.Volume = 1
	f.st.Stored = false
	f.st.State = session.Idle
	f.mu.Unlock()
	f.notify()
	return nil
}

func (f *fakeController) Subscribe(fn func(session.Status)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeController) notify() {
	f.mu.Lock()
	st := f.st
	fns := make([]func(session.Status), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_SaveVolume(t *testing.T) {
	f := newFake(t, "Creator42", "Creator42")
	h := New(f, WithPolicy(f.policy)).Handler()

	rec := do(t, h, http.MethodPut, "/volume", `{"level":0.3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body)
	}
	var resp VolumeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Level != 0.3 || resp.Identity != "Creator42" {
		t.Fatalf("response: got %+v", resp)
	}
	if resp.Message != "saved volume for Creator42" {
		t.Fatalf("message: got %q", resp.Message)
	}

	rec = do(t, h, http.MethodGet, "/policy", "")
	var p map[string]float64
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p["Creator42"] != 0.3 {
		t.Fatalf("policy: got %v, want Creator42=0.3", p)
	}
}

func TestHTTP_SaveVolumeClamps(t *testing.T) {
	f := newFake(t, "BV1xyz", "current video")
	h := New(f).Handler()

	rec := do(t, h, http.MethodPut, "/volume", `{"level":5}`)
	var resp VolumeResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Level != 2 {
		t.Fatalf("level: got %v, want 2", resp.Level)
	}
	if resp.Message != "saved volume for current video" {
		t.Fatalf("message: got %q", resp.Message)
	}
}

func TestHTTP_SaveVolumeBadRequest(t *testing.T) {
	h := New(newFake(t, "Creator42", "")).Handler()

	for _, body := range []string{`not json`, `{}`, `{"level":"loud"}`} {
		rec := do(t, h, http.MethodPut, "/volume", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: got %d, want 400", body, rec.Code)
		}
	}
}

func TestHTTP_WaitingForIdentity(t *testing.T) {
	h := New(newFake(t, "", "")).Handler()

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPut, "/volume", `{"level":0.5}`},
		{http.MethodPost, "/reset", ""},
	} {
		rec := do(t, h, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusConflict {
			t.Fatalf("%s %s: got %d, want 409", tc.method, tc.path, rec.Code)
		}
		var body map[string]string
		json.NewDecoder(rec.Body).Decode(&body)
		if body["error"] != WaitingMessage {
			t.Fatalf("%s %s: error got %q, want %q", tc.method, tc.path, body["error"], WaitingMessage)
		}
	}
}

func TestHTTP_PreviewDoesNotStore(t *testing.T) {
	f := newFake(t, "Creator42", "Creator42")
	h := New(f, WithPolicy(f.policy)).Handler()

	rec := do(t, h, http.MethodPost, "/volume/preview", `{"level":2.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body)
	}
	var resp VolumeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Level != 2 || resp.Message != "previewing 2.00, not saved" {
		t.Fatalf("response: got %+v", resp)
	}
	if _, ok := f.policy.Get("Creator42"); ok {
		t.Fatal("preview was stored")
	}
	if st, _ := f.Status(context.Background()); st.Volume != 2 {
		t.Fatalf("live volume: got %v, want 2", st.Volume)
	}
}

func TestHTTP_PreviewErrors(t *testing.T) {
	f := newFake(t, "Creator42", "")
	f.st.Bound = false
	h := New(f).Handler()

	rec := do(t, h, http.MethodPost, "/volume/preview", `{"level":0.5}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("unbound: got %d, want 409", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != NoMediaMessage {
		t.Fatalf("unbound: error got %q, want %q", body["error"], NoMediaMessage)
	}
	if rec := do(t, h, http.MethodPost, "/volume/preview", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing level: got %d, want 400", rec.Code)
	}
}

func TestHTTP_Reset(t *testing.T) {
	f := newFake(t, "Creator42", "Creator42")
	h := New(f, WithPolicy(f.policy)).Handler()
	do(t, h, http.MethodPut, "/volume", `{"level":0.3}`)

	rec := do(t, h, http.MethodPost, "/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp VolumeResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Message != "reset volume for Creator42" || resp.Level != 1 {
		t.Fatalf("response: got %+v", resp)
	}
	if _, ok := f.policy.Get("Creator42"); ok {
		t.Fatal("policy entry survived reset")
	}
}

func TestHTTP_Status(t *testing.T) {
	h := New(newFake(t, "Creator42", "Creator42")).Handler()

	rec := do(t, h, http.MethodGet, "/status", "")
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type: got %q", ct)
	}
	var st session.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != session.Idle || st.Identity != "Creator42" {
		t.Fatalf("status: got %+v", st)
	}
}

func TestHTTP_Events(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(eventlog.Schema))
	events := eventlog.New(db)
	t.Cleanup(events.Close)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		events.Record(ctx, eventlog.Event{Type: eventlog.VolumeApplied, Identity: "Creator42", Success: true})
	}
	if err := events.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	h := New(newFake(t, "Creator42", ""), WithEvents(events)).Handler()

	rec := do(t, h, http.MethodGet, "/events?limit=2", "")
	var got []eventlog.Event
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events: got %d, want 2", len(got))
	}
}

func TestHTTP_OptionalSurfacesDisabled(t *testing.T) {
	h := New(newFake(t, "Creator42", "")).Handler()
	for _, path := range []string{"/policy", "/events"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, rec.Code)
		}
	}
}

func TestHTTP_StatusStream(t *testing.T) {
	f := newFake(t, "Creator42", "Creator42")
	ts := httptest.NewServer(New(f).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() session.Status {
		t.Helper()
		for sc.Scan() {
			line := sc.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var st session.Status
				if err := json.Unmarshal([]byte(data), &st); err != nil {
					t.Fatal(err)
				}
				return st
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return session.Status{}
	}

	if st := next(); st.Stored {
		t.Fatalf("first event: got %+v, want nothing stored", st)
	}
	if _, err := f.SaveVolume(ctx, 0.4); err != nil {
		t.Fatal(err)
	}
	st := next()
	if !st.Stored || st.Volume != 0.4 || st.State != session.Enforcing {
		t.Fatalf("update: got %+v", st)
	}
}

func connectMCP(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "volkeeper-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	s.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx, serverT) }()

	cs, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestMCP_SaveAndStatus(t *testing.T) {
	f := newFake(t, "Creator42", "Creator42")
	cs := connectMCP(t, New(f))
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "volkeeper_save_volume",
		Arguments: map[string]any{"level": 1.5},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("save: unexpected tool error %v", res.Content)
	}
	var resp VolumeResponse
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Level != 1.5 || resp.Message != "saved volume for Creator42" {
		t.Fatalf("response: got %+v", resp)
	}

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "volkeeper_status", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var st session.Status
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != session.Enforcing || st.Volume != 1.5 {
		t.Fatalf("status: got %+v", st)
	}
}

func TestMCP_Preview(t *testing.T) {
	f := newFake(t, "Creator42", "Creator42")
	cs := connectMCP(t, New(f))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "volkeeper_preview_volume",
		Arguments: map[string]any{"level": 0.6},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("preview: unexpected tool error %v", res.Content)
	}
	if _, ok := f.policy.Get("Creator42"); ok {
		t.Fatal("preview was stored")
	}
	if st, _ := f.Status(context.Background()); st.Volume != 0.6 {
		t.Fatalf("live volume: got %v, want 0.6", st.Volume)
	}
}

func TestMCP_WaitingForIdentity(t *testing.T) {
	cs := connectMCP(t, New(newFake(t, "", "")))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "volkeeper_reset_volume",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if text := res.Content[0].(*mcp.TextContent).Text; text != WaitingMessage {
		t.Fatalf("error text: got %q, want %q", text, WaitingMessage)
	}
}
