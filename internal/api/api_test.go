package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/internal/models"
	"github.com/anchorhq/anchor/internal/session"
	"github.com/anchorhq/anchor/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *session.Coordinator, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	coord := session.New(session.DefaultConfig(), logger)
	coord.SetRecorder(s)

	srv := NewServer(coord, nil, s, nil, logger)
	return srv, coord, s
}

func postMessage(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/message", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestSessionLifecycle_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	// Start
	w := postMessage(t, router, `{"action":"startSession","goal":"write tests","durationMinutes":25,"blockedSites":["youtube.com"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var started struct {
		OK        bool   `json:"ok"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.True(t, started.OK)
	assert.NotEmpty(t, started.SessionID)

	// Status
	req := httptest.NewRequest("GET", "/api/v1/session", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusOK, w2.Code)

	var status session.Status
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &status))
	assert.Equal(t, models.SessionStateActive, status.State)
	assert.Equal(t, "write tests", status.Goal)
	assert.Equal(t, []string{"youtube.com"}, status.BlockedSites)

	// Break and resume
	w = postMessage(t, router, `{"action":"takeBreak"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = postMessage(t, router, `{"action":"resumeSession"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	// End
	w = postMessage(t, router, `{"action":"endSession"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var ended struct {
		OK      bool           `json:"ok"`
		Metrics models.Metrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ended))
	assert.True(t, ended.OK)
	assert.GreaterOrEqual(t, ended.Metrics.LongestFocusStreakMs, int64(0))
}

func TestStartSessionValidation_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"startSession"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBreakConflicts_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"takeBreak"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "no session to pause")

	w = postMessage(t, router, `{"action":"resumeSession"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "no break to resume")
}

func TestNavigationAction_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"startSession","goal":"focus","blockedSites":["youtube.com"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postMessage(t, router, `{"action":"navigationCommitted","url":"https://www.youtube.com/watch?v=x"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var nav struct {
		OK          bool                `json:"ok"`
		Decision    session.NavDecision `json:"decision"`
		RedirectURL string              `json:"redirectUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nav))
	assert.Equal(t, session.NavBlock, nav.Decision)
	assert.Contains(t, nav.RedirectURL, "mode=blocked")

	w = postMessage(t, router, `{"action":"navigationCommitted","url":"https://go.dev/"}`)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nav))
	assert.Equal(t, session.NavAllow, nav.Decision)
	assert.Empty(t, nav.RedirectURL)
}

func TestDistractionSignal_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"startSession","goal":"focus"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postMessage(t, router, `{"action":"distractionSignal","source":"monitor","reason":"looking left"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest("GET", "/api/v1/session", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)

	var status session.Status
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Metrics.MonitorAlertCount)
}

func TestMonitorStats_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"startSession","goal":"focus"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postMessage(t, router, `{"action":"monitorStats","focusedMs":80000,"distractedMs":20000}`)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest("GET", "/api/v1/session", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)

	var status session.Status
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &status))
	assert.Equal(t, 80, status.FocusScore)
}

func TestCaptureErrorEndsSession(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"startSession","goal":"focus"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postMessage(t, router, `{"action":"captureError","source":"tab","error":"stream ended"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK           bool `json:"ok"`
		SessionEnded bool `json:"sessionEnded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.SessionEnded, "capture loss must not leave the session half-active")

	req := httptest.NewRequest("GET", "/api/v1/session", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)

	var status session.Status
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &status))
	assert.Equal(t, models.SessionStateIdle, status.State)
}

func TestUnknownActionIgnored(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := postMessage(t, router, `{"action":"somethingNew","payload":"xyz"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"ignored":true}`, w.Body.String())
}

func TestListSessions_API(t *testing.T) {
	srv, _, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		sess := &models.Session{
			Goal:           fmt.Sprintf("sess-%d", i),
			State:          models.SessionStateEnded,
			StartedAt:      now.Add(time.Duration(i) * time.Hour),
			ScheduledEndAt: now.Add(time.Duration(i)*time.Hour + 25*time.Minute),
		}
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var sessions []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 3)
	assert.Equal(t, "sess-2", sessions[0].Goal, "newest first")
}

func TestAnalyzeUnavailableWithoutKey(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest("POST", "/analyze", bytes.NewBufferString(`{"screenshotDataUrl":"data:image/png;base64,iVBORw0KGgo"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBlockedPage(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest("GET", "/blocked?goal=deep+work&url=https%3A%2F%2Fyoutube.com", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deep work")
	assert.Contains(t, w.Body.String(), "https://youtube.com")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest("OPTIONS", "/api/v1/message", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
