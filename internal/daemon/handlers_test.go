package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/config"
	"github.com/tapscribe/tapscribe/internal/health"
	"github.com/tapscribe/tapscribe/internal/logger"
	"github.com/tapscribe/tapscribe/internal/store"
)

func TestMain(m *testing.M) {
	logger.InitQuiet()
	os.Exit(m.Run())
}

type fixture struct {
	handlers *Handlers
	manager  *capture.Manager
	agg      *health.Aggregator
	store    *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	agg := health.New(time.Minute)
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 24*time.Hour, agg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	manager := capture.NewManager(config.DefaultConfig(), agg, st, nil)
	return &fixture{
		handlers: NewHandlers(manager, agg, st, "test"),
		manager:  manager,
		agg:      agg,
		store:    st,
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handlers.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	snap := decodeBody[health.Snapshot](t, rec)
	assert.Len(t, snap.Layers, health.LayersTotal)
	assert.Equal(t, health.OverallNotInitialized, snap.Status)
	assert.Equal(t, health.LayersTotal, snap.Metrics.LayersTotal)
	assert.NotNil(t, snap.Metrics.ValidationErrors)
}

func TestActiveConversationsCountConsistency(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"tab-1", "tab-2"} {
		_, err := f.manager.OpenSession(id)
		require.NoError(t, err)
		_, err = f.manager.StartConversation(id)
		require.NoError(t, err)
	}
	_, err := f.manager.EndConversation("tab-2", true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/active", nil)
	rec := httptest.NewRecorder()
	f.handlers.ActiveConversations(rec, req)

	resp := decodeBody[ActiveConversationsResponse](t, rec)
	assert.Len(t, resp.Active, 1)
	assert.Equal(t, int64(len(resp.Active)), resp.Count,
		"count must equal the number of listed conversations")
	assert.Equal(t, f.agg.ConversationsActive(), resp.Count,
		"count must equal the health metric")
}

func TestSessionConversationsEndpoint(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.OpenSession("tab-1")
	require.NoError(t, err)
	_, err = f.manager.StartConversation("tab-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.IngestOutput("tab-1", []byte("hello\n")))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/tab-1/conversations", nil)
	req.SetPathValue("id", "tab-1")
	rec := httptest.NewRecorder()
	f.handlers.SessionConversations(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[SessionConversationsResponse](t, rec)
	assert.True(t, resp.Success)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, capture.StatusActive, resp.Conversations[0].Status)
}

func TestSessionConversationsUnknown(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope/conversations", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	f.handlers.SessionConversations(rec, req)

	// Unknown in memory and nothing stored: empty listing rather than an
	// opaque error, since the store fallback answers for closed sessions.
	resp := decodeBody[SessionConversationsResponse](t, rec)
	assert.Empty(t, resp.Conversations)
}

func TestSessionContentNeverContainsNUL(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.OpenSession("tab-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.IngestOutput("tab-1", []byte("out\x00put\x1b[31m!\n")))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/tab-1/content", nil)
	req.SetPathValue("id", "tab-1")
	rec := httptest.NewRecorder()
	f.handlers.SessionContent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[SessionContentResponse](t, rec)
	assert.Equal(t, "output!\n", resp.Content)
	assert.NotContains(t, resp.Content, "\x00")
}

func TestSessionContentUnknown(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope/content", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	f.handlers.SessionContent(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryEndpoint(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/recovery", nil)
	rec := httptest.NewRecorder()
	f.handlers.Recovery(rec, req)

	resp := decodeBody[RecoveryResponse](t, rec)
	assert.False(t, resp.HasRecoverable)
	assert.Empty(t, resp.Sessions)

	// An abnormally closed session becomes recoverable.
	_, err := f.manager.OpenSession("tab-1")
	require.NoError(t, err)
	_, err = f.manager.StartConversation("tab-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.IngestOutput("tab-1", []byte("work in progress\n")))
	require.NoError(t, f.manager.CloseSession("tab-1", false))

	rec = httptest.NewRecorder()
	f.handlers.Recovery(rec, req)

	resp = decodeBody[RecoveryResponse](t, rec)
	assert.True(t, resp.HasRecoverable)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "tab-1", resp.Sessions[0].SessionID)
	assert.Equal(t, resp.HasRecoverable, len(resp.Sessions) > 0,
		"hasRecoverable must mirror the session list")
}

func TestDismissRecoveryEndpoint(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.OpenSession("tab-1")
	require.NoError(t, err)
	_, err = f.manager.StartConversation("tab-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.CloseSession("tab-1", false))

	req := httptest.NewRequest(http.MethodPost, "/api/recovery/tab-1/dismiss", nil)
	req.SetPathValue("id", "tab-1")
	rec := httptest.NewRecorder()
	f.handlers.DismissRecovery(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/recovery", nil)
	rec = httptest.NewRecorder()
	f.handlers.Recovery(rec, listReq)
	resp := decodeBody[RecoveryResponse](t, rec)
	assert.False(t, resp.HasRecoverable)
}

func TestToggleAutoRespond(t *testing.T) {
	f := newFixture(t)

	s, err := f.manager.OpenSession("tab-1")
	require.NoError(t, err)
	require.False(t, s.AutoRespondEnabled())

	body := strings.NewReader(`{"enabled": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/tab-1/auto-respond", body)
	req.SetPathValue("id", "tab-1")
	rec := httptest.NewRecorder()
	f.handlers.SetAutoRespond(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ToggleResponse](t, rec)
	assert.True(t, resp.Success)
	assert.True(t, resp.Enabled)
	assert.True(t, s.AutoRespondEnabled())
}

func TestToggleUnknownSession(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/nope/capture",
		strings.NewReader(`{"enabled": false}`))
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	f.handlers.SetCapture(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToggleBadBody(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.OpenSession("tab-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/tab-1/auto-respond",
		strings.NewReader("not json"))
	req.SetPathValue("id", "tab-1")
	rec := httptest.NewRecorder()
	f.handlers.SetAutoRespond(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
