package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"proof-capture-engine/internal/engine"
	"proof-capture-engine/pkg/api"
	"proof-capture-engine/pkg/auth"
	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyID  = "ui-kid-1"
	testSecret = "ui-secret"
)

type fakeEngine struct {
	mu        sync.Mutex
	sessions  map[string]models.SessionSnapshot
	evidence  map[string]models.TaskEvidence
	stream    []models.SessionSnapshot
	started   []models.StartVerificationRequest
	cancelled []string
	startErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[string]models.SessionSnapshot),
		evidence: make(map[string]models.TaskEvidence),
	}
}

func (f *fakeEngine) StartVerification(ctx context.Context, req models.StartVerificationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	id := "s-" + req.TargetIdentifier
	f.sessions[id] = models.SessionSnapshot{SessionID: id, Status: models.StatusWaitingForNavigation}
	return id, nil
}

func (f *fakeEngine) CancelVerification(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return engine.ErrSessionNotFound
	}
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeEngine) Snapshot(sessionID string) (models.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.sessions[sessionID]
	if !ok {
		return models.SessionSnapshot{}, engine.ErrSessionNotFound
	}
	return snap, nil
}

func (f *fakeEngine) Sessions() []models.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SessionSnapshot, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

// Subscribe replays the configured stream and closes the channel, like a session that finishes.
func (f *fakeEngine) Subscribe(sessionID string) (<-chan models.SessionSnapshot, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, nil, engine.ErrSessionNotFound
	}
	ch := make(chan models.SessionSnapshot, len(f.stream))
	for _, s := range f.stream {
		ch <- s
	}
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeEngine) Evidence(ctx context.Context, sessionID string) (models.TaskEvidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return models.TaskEvidence{}, engine.ErrSessionNotFound
	}
	ev, ok := f.evidence[sessionID]
	if !ok {
		return models.TaskEvidence{}, engine.ErrEvidenceUnavailable
	}
	return ev, nil
}

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memNonces) HasSeenNonce(nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[nonce], nil
}

func (m *memNonces) SaveNonce(nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[nonce] = true
	return nil
}

func (m *memNonces) CleanupOldNonces(time.Time) error { return nil }

func newTestServer(t *testing.T, eng Engine, secrets map[string]string) *httptest.Server {
	t.Helper()
	mw := api.NewMiddleware(auth.NewHMACAuth(secrets, 5*time.Minute), &memNonces{seen: make(map[string]bool)})
	srv := httptest.NewServer(New(eng, mw, nil, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func signedRequest(t *testing.T, method, url, path string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url+path, bytes.NewReader(body))
	require.NoError(t, err)
	signer := auth.NewHMACAuth(map[string]string{testKeyID: testSecret}, 0)
	req.Header.Set("Authorization", signer.CreateAuthHeader(method, path, body, testKeyID, uuid.NewString()))
	return req
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func TestServer_StartVerification(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng, map[string]string{testKeyID: testSecret})

	body := []byte(`{"platform":"x","actionType":"like","targetIdentifier":"123","viewerHandle":"alice"}`)
	resp, err := http.DefaultClient.Do(signedRequest(t, "POST", srv.URL, "/v1/verifications", body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var out models.StartVerificationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "s-123", out.SessionID)
	assert.Equal(t, models.StatusWaitingForNavigation, out.Status)
	require.Len(t, eng.started, 1)
	assert.Equal(t, "alice", eng.started[0].ViewerHandle)
}

func TestServer_StartRequiresAuthWhenConfigured(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), map[string]string{testKeyID: testSecret})

	resp, err := http.Post(srv.URL+"/v1/verifications", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_AUTH", errorCode(t, resp))
}

func TestServer_StartErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{"BadJSON", nil, `{`, http.StatusBadRequest, "INVALID_JSON"},
		{"UnsupportedAction", &proofconfig.ConfigNotFoundError{Platform: "tiktok", ActionType: "like"}, `{}`, http.StatusUnprocessableEntity, "CONFIG_NOT_FOUND"},
		{"InvalidRequest", engine.ErrInvalidRequest, `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"ShuttingDown", engine.ErrEngineClosed, `{}`, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.startErr = tt.err
			srv := newTestServer(t, eng, nil)

			resp, err := http.Post(srv.URL+"/v1/verifications", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

func TestServer_ReadRoutes(t *testing.T) {
	eng := newFakeEngine()
	eng.sessions["s1"] = models.SessionSnapshot{SessionID: "s1", Status: models.StatusCompleted}
	eng.sessions["s2"] = models.SessionSnapshot{SessionID: "s2", Status: models.StatusError, ErrorReason: "cancelled by caller"}
	eng.evidence["s1"] = models.TaskEvidence{IsValid: true, Digest: "abc"}
	srv := newTestServer(t, eng, map[string]string{testKeyID: testSecret})

	t.Run("Get", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/verifications/s1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snap models.SessionSnapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.Equal(t, models.StatusCompleted, snap.Status)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/verifications/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "SESSION_NOT_FOUND", errorCode(t, resp))
	})

	t.Run("List", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/verifications")
		require.NoError(t, err)
		defer resp.Body.Close()

		var out struct {
			Sessions []models.SessionSnapshot `json:"sessions"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Len(t, out.Sessions, 2)
	})

	t.Run("Evidence", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/verifications/s1/evidence")
		require.NoError(t, err)
		defer resp.Body.Close()

		var ev models.TaskEvidence
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
		assert.Equal(t, "abc", ev.Digest)
	})

	t.Run("EvidenceUnavailable", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/verifications/s2/evidence")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "EVIDENCE_UNAVAILABLE", errorCode(t, resp))
	})
}

func TestServer_Cancel(t *testing.T) {
	eng := newFakeEngine()
	eng.sessions["s1"] = models.SessionSnapshot{SessionID: "s1", Status: models.StatusWaitingForAction}
	srv := newTestServer(t, eng, map[string]string{testKeyID: testSecret})

	resp, err := http.DefaultClient.Do(signedRequest(t, "DELETE", srv.URL, "/v1/verifications/s1", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"s1"}, eng.cancelled)

	resp, err = http.DefaultClient.Do(signedRequest(t, "DELETE", srv.URL, "/v1/verifications/missing", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PreflightSkipsAuth(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), map[string]string{testKeyID: testSecret})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/verifications", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_EventsStreamEndsWithTerminalSnapshot(t *testing.T) {
	eng := newFakeEngine()
	eng.sessions["s1"] = models.SessionSnapshot{SessionID: "s1"}
	eng.stream = []models.SessionSnapshot{
		{SessionID: "s1", Status: models.StatusWaitingForNavigation},
		{SessionID: "s1", Status: models.StatusCapturingContext},
		{SessionID: "s1", Status: models.StatusCompleted},
	}
	srv := newTestServer(t, eng, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/verifications/s1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var statuses []models.SessionStatus
	var closing StreamMessage
	for {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "closed" {
			closing = msg
			break
		}
		require.NotNil(t, msg.Snapshot)
		statuses = append(statuses, msg.Snapshot.Status)
	}

	assert.Equal(t, []models.SessionStatus{
		models.StatusWaitingForNavigation,
		models.StatusCapturingContext,
		models.StatusCompleted,
	}, statuses)
	assert.True(t, closing.Final)
	require.NotNil(t, closing.Snapshot)
	assert.Equal(t, models.StatusCompleted, closing.Snapshot.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServer_EventsUnknownSession(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/verifications/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
