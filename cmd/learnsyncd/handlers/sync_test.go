// Package handlers tests for the sync REST API and status stream.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
	"github.com/kimhsiao/learnsync/core/internal/sync/network"
	"github.com/kimhsiao/learnsync/core/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	mu        sync.Mutex
	triggers  []syncpkg.Trigger
	syncErr   error
	conflicts []*models.ConflictLog
	resolved  map[string]models.ResolutionType
	status    *syncpkg.StatusBroadcaster
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		resolved: make(map[string]models.ResolutionType),
		status:   syncpkg.NewStatusBroadcaster(models.SyncStatus{IsOnline: true, PendingUploads: 2}),
	}
}

func (f *fakeEngine) Sync(ctx context.Context, trigger syncpkg.Trigger) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.syncErr != nil {
		return &syncpkg.SyncResult{Trigger: trigger, Error: f.syncErr.Error()}, f.syncErr
	}
	return &syncpkg.SyncResult{Trigger: trigger, Uploaded: 2, Downloaded: 1}, nil
}

func (f *fakeEngine) TriggerSync(trigger syncpkg.Trigger) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return true
}

func (f *fakeEngine) triggered() []syncpkg.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncpkg.Trigger(nil), f.triggers...)
}

func (f *fakeEngine) Status() models.SyncStatus { return f.status.Current() }

func (f *fakeEngine) SubscribeStatus() (<-chan models.SyncStatus, func()) {
	return f.status.Subscribe()
}

func (f *fakeEngine) OpenConflicts(context.Context) ([]*models.ConflictLog, error) {
	return f.conflicts, nil
}

func (f *fakeEngine) ResolveConflict(_ context.Context, id string, strategy models.ResolutionType) (*models.ConflictLog, error) {
	if strategy == models.Manual {
		return nil, apperrors.New(apperrors.ErrInvalid, "manual is not a resolution")
	}
	for _, c := range f.conflicts {
		if c.ID == id {
			f.resolved[id] = strategy
			out := *c
			out.Status = models.ConflictResolved
			out.Strategy = strategy
			return &out, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "conflict "+id+" not found")
}

type fakeQueue struct {
	dead []*models.DeadLetter
	err  error
}

func (f *fakeQueue) Stats() queue.Stats { return queue.Stats{Enqueued: 5, Dequeued: 3, Evicted: 1} }

func (f *fakeQueue) DeadLetters(_ context.Context, limit int) ([]*models.DeadLetter, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.dead) {
		return f.dead[:limit], nil
	}
	return f.dead, nil
}

type testServer struct {
	handler *SyncHandler
	engine  *fakeEngine
	monitor *network.Monitor
	queue   *fakeQueue
	router  http.Handler
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine := newFakeEngine()
	monitor := network.NewMonitor(true)
	q := &fakeQueue{}

	h := NewSyncHandler(engine, monitor, q)
	core, logs := observer.New(zapcore.DebugLevel)
	h.SetLogger(logging.NewFromCore(core))

	return &testServer{handler: h, engine: engine, monitor: monitor, queue: q, router: h.Routes(), logs: logs}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

// =====================================================
// REST Tests
// =====================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var status models.SyncStatus
	decode(t, rr, &status)
	assert.True(t, status.IsOnline)
	assert.Equal(t, 2, status.PendingUploads)
}

func TestTriggerSync(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/sync/trigger", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var result syncpkg.SyncResult
	decode(t, rr, &result)
	assert.Equal(t, syncpkg.TriggerManual, result.Trigger)
	assert.Equal(t, 2, result.Uploaded)
	assert.Equal(t, []syncpkg.Trigger{syncpkg.TriggerManual}, s.engine.triggered())
}

func TestTriggerSync_StorageFailure(t *testing.T) {
	s := newTestServer(t)
	s.engine.syncErr = apperrors.Storage("get pending actions", errors.New("disk I/O error"))

	rr := s.do(t, http.MethodPost, "/api/sync/trigger", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body errorResponse
	decode(t, rr, &body)
	assert.Equal(t, string(apperrors.ErrDatabase), body.Code)
	assert.Equal(t, 1, s.logs.FilterMessage("Request failed").Len())
}

func TestSetNetwork(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/network", `{"online":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]bool
	decode(t, rr, &body)
	assert.False(t, body["online"])
	assert.True(t, body["changed"])
	assert.False(t, s.monitor.IsOnline())

	rr = s.do(t, http.MethodPost, "/api/network", `{"online":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	assert.False(t, body["changed"])
}

func TestSetNetwork_BadRequest(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{`{}`, `not json`} {
		rr := s.do(t, http.MethodPost, "/api/network", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	assert.True(t, s.monitor.IsOnline())
}

func TestGetQueue(t *testing.T) {
	s := newTestServer(t)
	s.queue.dead = []*models.DeadLetter{
		{ID: "d1", ActionID: "a1", Type: models.ActionFriendAdded, Reason: models.ReasonRetriesExhausted},
		{ID: "d2", ActionID: "a2", Type: models.ActionProfileUpdated, Reason: models.ReasonRejected},
	}

	rr := s.do(t, http.MethodGet, "/api/sync/queue?limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Stats       queue.Stats          `json:"stats"`
		DeadLetters []*models.DeadLetter `json:"dead_letters"`
	}
	decode(t, rr, &body)
	assert.EqualValues(t, 5, body.Stats.Enqueued)
	require.Len(t, body.DeadLetters, 1)
	assert.Equal(t, "a1", body.DeadLetters[0].ActionID)

	rr = s.do(t, http.MethodGet, "/api/sync/queue?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListConflicts(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/sync/conflicts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, rr.Body.String())

	s.engine.conflicts = []*models.ConflictLog{{
		ID: "c1", Table: models.TableKnowledgeStates, RecordID: "k1",
		Strategy: models.Manual, Status: models.ConflictOpen,
	}}
	rr = s.do(t, http.MethodGet, "/api/sync/conflicts", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Conflicts []*models.ConflictLog `json:"conflicts"`
	}
	decode(t, rr, &body)
	require.Len(t, body.Conflicts, 1)
	assert.Equal(t, "k1", body.Conflicts[0].RecordID)
}

func TestResolveConflict(t *testing.T) {
	s := newTestServer(t)
	const id = "5b0c4c62-1f3a-4d8e-9a6b-2c7d8e9f0a1b"
	s.engine.conflicts = []*models.ConflictLog{{ID: id, Status: models.ConflictOpen, Strategy: models.Manual}}

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"resolves", strings.ToUpper(id), `{"strategy":"merge"}`, http.StatusOK},
		{"unknown strategy", id, `{"strategy":"coin_flip"}`, http.StatusBadRequest},
		{"manual rejected", id, `{"strategy":"MANUAL"}`, http.StatusBadRequest},
		{"unknown conflict", "0d9a7e2c-3b4f-4a51-8c6d-7e8f9a0b1c2d", `{"strategy":"SERVER_WINS"}`, http.StatusNotFound},
		{"malformed id", "c1", `{"strategy":"SERVER_WINS"}`, http.StatusBadRequest},
		{"bad body", id, `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/api/sync/conflicts/"+tt.id+"/resolve", tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
	assert.Equal(t, models.Merge, s.engine.resolved[id])
}

func TestRecovererHandlesPanic(t *testing.T) {
	h := NewSyncHandler(nil, network.NewMonitor(true), nil)
	h.SetLogger(logging.NewFromCore(zapcore.NewNopCore()))

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

// =====================================================
// Status Stream Tests
// =====================================================

func dialStream(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sync"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) models.SyncStatus {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env struct {
		Type string            `json:"type"`
		Data models.SyncStatus `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventSyncStatus, env.Type)
	return env.Data
}

func TestStatusStream_PushesUpdates(t *testing.T) {
	s := newTestServer(t)
	conn := dialStream(t, s)

	first := readStatus(t, conn)
	assert.Equal(t, 2, first.PendingUploads)

	s.engine.status.Update(func(st *models.SyncStatus) { st.SyncInProgress = true })
	next := readStatus(t, conn)
	assert.True(t, next.SyncInProgress)
}

func TestStatusStream_SyncAction(t *testing.T) {
	s := newTestServer(t)
	conn := dialStream(t, s)
	readStatus(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "sync"}))
	require.Eventually(t, func() bool {
		return len(s.engine.triggered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusStream_ClosedOnShutdown(t *testing.T) {
	s := newTestServer(t)
	conn := dialStream(t, s)
	readStatus(t, conn)

	s.engine.status.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8737", true},
		{"http://[::1]:8737", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/sync", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}
