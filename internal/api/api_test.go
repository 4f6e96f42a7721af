package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/clock"
	"github.com/mcelyea/orket/internal/ledger"
	"github.com/mcelyea/orket/internal/orchestrator"
)

type fakeSessionRunner struct {
	nextID string
	err    error
}

func (f *fakeSessionRunner) StartSession(targetCardID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.nextID, nil
}

func newTestServer(t *testing.T) (*Server, *card.Store, *ledger.Ledger) {
	t.Helper()
	store, err := card.Open(filepath.Join(t.TempDir(), "cards.db"), clock.System{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ldg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), clock.System{})
	require.NoError(t, err)
	t.Cleanup(func() { ldg.Close() })

	srv, err := NewServer(store, ldg, &fakeSessionRunner{nextID: "sess-1"}, orchestrator.NewSessionRegistry(), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return srv, store, ldg
}

func TestHealthReportsActiveSessions(t *testing.T) {
	srv, _, _ := newTestServer(t)
	_, cancel := srv.Registry.Start(context.Background(), "sess-active")
	defer cancel()

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["active_sessions"])
}

func TestCreateSessionRejectsMissingTarget(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateSessionReturnsSessionID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"target_card_id":"task-1"}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "sess-1", body["session_id"])
}

func TestCreateSessionConflictMapsToHTTP409(t *testing.T) {
	store, ldg := func() (*card.Store, *ledger.Ledger) {
		s, err := card.Open(filepath.Join(t.TempDir(), "cards.db"), clock.System{})
		require.NoError(t, err)
		l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), clock.System{})
		require.NoError(t, err)
		return s, l
	}()
	defer store.Close()
	defer ldg.Close()

	srv, err := NewServer(store, ldg, &fakeSessionRunner{err: errors.New("session already active for target")}, orchestrator.NewSessionRegistry(), "", nil)
	require.NoError(t, err)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"target_card_id":"task-1"}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelSessionIsIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/cancel", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestGetCardNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/cards/nope", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, ldg := newTestServer(t)
	require.NoError(t, ldg.StartSession(context.Background(), "sess-1", "task-1"))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	sessions, ok := body["sessions"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), sessions["active"])

	rr2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/v1/metrics?hours=zero", nil))
	require.Equal(t, http.StatusBadRequest, rr2.Code)
}

func TestListCardsFiltersByStatus(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateCard(context.Background(), card.Card{
		ID: "task-1", Kind: card.KindTask, Title: "task-1", Status: card.StatusNew, Role: "developer", Priority: card.PriorityMedium,
	}, "task", func(string) (string, error) { return "task-1", nil })
	require.NoError(t, err)
	_, err = store.ProposeTransition(context.Background(), "task-1", card.StatusNew, card.StatusReady, "test", "", "")
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/cards?status=READY", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	cards, ok := body["cards"].([]any)
	require.True(t, ok)
	require.Len(t, cards, 1)

	rr2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/v1/cards?status=DONE", nil))
	var body2 map[string]any
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &body2))
	require.Nil(t, body2["cards"])
}
