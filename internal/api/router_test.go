package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bhandras/delight/workerd/internal/database"
	"github.com/bhandras/delight/workerd/internal/display"
	"github.com/bhandras/delight/workerd/internal/engine/fakeengine"
	"github.com/bhandras/delight/workerd/internal/session/runtime"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/stream"
	"github.com/bhandras/delight/workerd/internal/worker"
)

type fakeDisplay struct {
	port  int
	stops atomic.Int32
}

func (d *fakeDisplay) Port() int       { return d.port }
func (d *fakeDisplay) Display() string { return ":1" }
func (d *fakeDisplay) URL() string     { return "vnc://localhost:5901" }
func (d *fakeDisplay) Health(context.Context) display.Health {
	return display.Health{IsRunning: true, XvfbRunning: true, X11VNCRunning: true, Display: ":1", VNCPort: d.port, VNCURL: d.URL()}
}
func (d *fakeDisplay) Stop(context.Context) error {
	d.stops.Add(1)
	return nil
}

type fakeLauncher struct{}

func (fakeLauncher) Launch(context.Context, string) (display.Handle, error) {
	return &fakeDisplay{port: 5901}, nil
}

type testServer struct {
	router   *gin.Engine
	store    *store.Store
	workers  *worker.Pool
	runtime  *runtime.Manager
	registry *stream.Registry
}

type option func(*worker.PoolConfig)

func withMaxWorkers(n int) option {
	return func(c *worker.PoolConfig) { c.MaxWorkers = n }
}

func withSlowEngine() option {
	return func(c *worker.PoolConfig) { c.Engines = fakeengine.Factory(fakeengine.WithStepDelay(time.Hour)) }
}

func withDisplays(l display.Launcher) option {
	return func(c *worker.PoolConfig) { c.Displays = l }
}

func newTestServer(t *testing.T, opts ...option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	registry := stream.NewRegistry()
	cfg := worker.PoolConfig{
		MaxWorkers: 4,
		Engines:    fakeengine.Factory(fakeengine.WithStepDelay(0)),
		Emitter:    registry,
	}
	for _, o := range opts {
		o(&cfg)
	}
	pool := worker.NewPool(cfg)
	rt := runtime.NewManager(&runtime.SQLStore{Store: st}, pool, registry, runtime.Options{MaxMessageSize: 1024})
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	return &testServer{
		router: NewRouter(Deps{
			DB:             db,
			Store:          st,
			Workers:        pool,
			Runtime:        rt,
			Registry:       registry,
			AllowedOrigins: []string{"*"},
			MaxMessageSize: 4096,
		}),
		store:    st,
		workers:  pool,
		runtime:  rt,
		registry: registry,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createSession(t *testing.T) store.Session {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/sessions", map[string]any{"metadata": map[string]any{"title": "demo"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[store.Session](t, rec)
}

func dialStream(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID + "/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	// The greeting marks the listener as registered.
	msg := readJSON(t, ws)
	require.Equal(t, "connected", msg["type"])
	require.Equal(t, sessionID, msg["sessionId"])
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg), string(data))
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	basic := decode[map[string]string](t, rec)
	require.Equal(t, "healthy", basic["status"])
	require.Equal(t, "workerd", basic["service"])

	rec = s.do(t, http.MethodGet, "/health/detailed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detailed := decode[map[string]any](t, rec)
	require.Equal(t, "healthy", detailed["status"])
	components := detailed["components"].(map[string]any)
	require.Equal(t, "healthy", components["database"].(map[string]any)["status"])
	require.EqualValues(t, 0, components["workers"].(map[string]any)["count"])
}

func TestSessionCRUD(t *testing.T) {
	s := newTestServer(t)

	created := s.createSession(t)
	require.NotEmpty(t, created.ID)
	require.Equal(t, store.SessionActive, created.Status)
	require.Equal(t, "demo", created.Metadata["title"])

	// No body at all is accepted.
	rec := s.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/sessions", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]store.Session](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created.ID, decode[store.Session](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Session not found", decode[map[string]string](t, rec)["error"])

	rec = s.do(t, http.MethodGet, "/sessions/"+created.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]store.Message](t, rec))

	rec = s.do(t, http.MethodGet, "/sessions/missing/messages", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMessage_StreamsUpdates(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	sess := s.createSession(t)
	ws := dialStream(t, srv, sess.ID)
	require.Equal(t, 1, s.registry.ListenerCount(sess.ID))

	rec := s.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", map[string]any{"content": "what is 2+2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[store.Message](t, rec)
	require.Equal(t, store.RoleUser, msg.Role)
	require.Equal(t, "what is 2+2", msg.Content)

	var (
		kinds    []string
		statuses []string
	)
	for {
		m := readJSON(t, ws)
		switch m["type"] {
		case "status":
			statuses = append(statuses, m["status"].(string))
		case "update":
			kinds = append(kinds, m["updateKind"].(string))
			require.Equal(t, sess.ID, m["metadata"].(map[string]any)["sessionId"])
		}
		if m["type"] == "status" && m["status"] == "complete" {
			break
		}
	}
	require.Equal(t, []string{"processing", "complete"}, statuses)
	// Without step delays the tool result may trail the final text block.
	require.ElementsMatch(t, []string{"thinking", "tool_use", "tool_result", "thinking", "complete"}, kinds)
	require.Equal(t, "thinking", kinds[0])
	require.Equal(t, "complete", kinds[len(kinds)-1])

	rec = s.do(t, http.MethodGet, "/sessions/"+sess.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]store.Message](t, rec)
	require.Len(t, history, 2)
	require.Equal(t, store.RoleAssistant, history[1].Role)
	require.Contains(t, history[1].Content, "The answer is 4")

	w, ok := s.workers.Get(sess.ID)
	require.True(t, ok)
	require.Equal(t, w.ID(), history[1].Metadata["workerId"])

	rec = s.do(t, http.MethodGet, "/sessions/workers/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[worker.Health](t, rec)
	require.Equal(t, 1, health.TotalWorkers)
	require.Equal(t, 4, health.MaxWorkers)
	require.Equal(t, w.ID(), health.Workers[sess.ID].WorkerID)

	waitFor(t, func() bool {
		got, err := s.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.Status == store.SessionActive && got.WorkerID != nil
	})
}

func TestCreateMessage_Validation(t *testing.T) {
	s := newTestServer(t)
	sess := s.createSession(t)
	path := "/sessions/" + sess.ID + "/messages"

	cases := []struct {
		name string
		body any
		code int
	}{
		{"missing content", map[string]any{}, http.StatusBadRequest},
		{"blank content", map[string]any{"content": "   "}, http.StatusBadRequest},
		{"too large", map[string]any{"content": strings.Repeat("x", 2048)}, http.StatusBadRequest},
		{"bad role", map[string]any{"content": "hi", "role": "system"}, http.StatusBadRequest},
		{"bad json", "{", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, path, tc.body)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodPost, "/sessions/missing/messages", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, path, nil)
	require.Empty(t, decode[[]store.Message](t, rec))
}

func TestCreateMessage_CapacityExceeded(t *testing.T) {
	s := newTestServer(t, withMaxWorkers(1))
	first := s.createSession(t)
	second := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/sessions/"+first.ID+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/sessions/"+second.ID+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	require.Contains(t, decode[map[string]string](t, rec)["error"], worker.ErrCapacityExceeded.Error())
}

func TestTerminateSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	sess := s.createSession(t)
	rec := s.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	waitFor(t, func() bool { return s.runtime.InFlight(sess.ID) == 0 })

	ws := dialStream(t, srv, sess.ID)

	rec = s.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	final := readJSON(t, ws)
	require.Equal(t, "update", final["type"])
	require.Equal(t, "terminated", final["metadata"].(map[string]any)["status"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Equal(t, 0, s.workers.Len())
	require.Equal(t, 0, s.registry.ListenerCount(sess.ID))

	got, err := s.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.SessionTerminated, got.Status)
	require.Nil(t, got.WorkerID)

	rec = s.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", map[string]any{"content": "again"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions", nil)
	require.Empty(t, decode[[]store.Session](t, rec))
}

func TestSubmitMessage_TerminatedSessionSpawnsNothing(t *testing.T) {
	s := newTestServer(t, withMaxWorkers(1))
	ctx := context.Background()

	ended := s.createSession(t)
	require.NoError(t, s.store.TerminateSession(ctx, ended.ID))

	// The submission passed the handler's check before the session ended.
	_, err := s.runtime.SubmitMessage(ctx, ended.ID, "", "hello", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 0, s.workers.Len())

	msgs, err := s.store.ListMessages(ctx, ended.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	next := s.createSession(t)
	rec := s.do(t, http.MethodPost, "/sessions/"+next.ID+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateMessage_BackToBackConflicts(t *testing.T) {
	s := newTestServer(t, withSlowEngine())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = s.runtime.Shutdown(ctx)
	})
	sess := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", map[string]any{"content": "first"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/sessions/"+sess.ID+"/messages", map[string]any{"content": "second"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	msgs, err := s.store.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "first", msgs[0].Content)
}

func TestStream_PingPongAndUnknownSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	rec := s.do(t, http.MethodGet, "/ws/sessions/missing/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	sess := s.createSession(t)
	ws := dialStream(t, srv, sess.ID)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, "pong", readJSON(t, ws)["type"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.Equal(t, "pong", readJSON(t, ws)["type"])

	// Unknown frames are ignored and the connection stays usable.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, "pong", readJSON(t, ws)["type"])

	require.NoError(t, ws.Close())
	waitFor(t, func() bool { return s.registry.ListenerCount(sess.ID) == 0 })
	require.Equal(t, 0, s.registry.SessionCount())
}

func TestDisplayInfo(t *testing.T) {
	s := newTestServer(t, withDisplays(fakeLauncher{}))
	ctx := context.Background()

	rec := s.do(t, http.MethodGet, "/vnc/s1/info", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	w, err := s.workers.SpawnOrGet(ctx, "s1")
	require.NoError(t, err)

	rec = s.do(t, http.MethodGet, "/vnc/s1/info", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[map[string]any](t, rec)
	require.Equal(t, "s1", info["sessionId"])
	require.Equal(t, w.ID(), info["workerId"])
	require.EqualValues(t, 5901, info["vncPort"])
	require.Equal(t, ":1", info["display"])
	require.Equal(t, true, info["health"].(map[string]any)["isRunning"])
}

func TestDisplayInfo_NoDisplay(t *testing.T) {
	s := newTestServer(t)

	_, err := s.workers.SpawnOrGet(context.Background(), "s1")
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/vnc/s1/info", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDisplayStream(t *testing.T) {
	s := newTestServer(t, withDisplays(fakeLauncher{}))
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vnc/s1/stream"

	dial := func() *websocket.Conn {
		ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	}

	// No worker yet: the socket is closed with a policy violation.
	ws := dial()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	_, err = s.workers.SpawnOrGet(context.Background(), "s1")
	require.NoError(t, err)

	ws = dial()
	info := readJSON(t, ws)
	require.Equal(t, "vnc_info", info["type"])
	require.EqualValues(t, 5901, info["vncPort"])
	require.Equal(t, "vnc://localhost:5901", info["vncUrl"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, "pong", readJSON(t, ws)["type"])
}

func TestCORSConfig(t *testing.T) {
	all := corsConfig([]string{"*"})
	require.True(t, all.AllowAllOrigins)
	require.Empty(t, all.AllowOrigins)
	require.NoError(t, all.Validate())

	require.True(t, corsConfig(nil).AllowAllOrigins)

	listed := corsConfig([]string{"http://localhost:3000"})
	require.False(t, listed.AllowAllOrigins)
	require.True(t, listed.AllowCredentials)
	require.NoError(t, listed.Validate())
}
