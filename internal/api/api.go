// Package api exposes the daemon's HTTP surface: the analysis endpoints the
// capture pipeline posts to, and the message envelope the companion clients
// (CLI, browser surface, monitor) talk through.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/anchorhq/anchor/internal/analyze"
	"github.com/anchorhq/anchor/internal/llm"
	"github.com/anchorhq/anchor/internal/models"
	"github.com/anchorhq/anchor/internal/session"
	"github.com/anchorhq/anchor/internal/store"
)

// Action identifies a message envelope operation.
type Action string

const (
	ActionStartSession      Action = "startSession"
	ActionEndSession        Action = "endSession"
	ActionTakeBreak         Action = "takeBreak"
	ActionResumeSession     Action = "resumeSession"
	ActionCaptureFrame      Action = "captureFrame"
	ActionCaptureError      Action = "captureError"
	ActionDistractionSignal Action = "distractionSignal"
	ActionReturnToFocus     Action = "returnToFocus"
	ActionSnooze            Action = "snooze1m"
	ActionNudgeClosed       Action = "nudgeClosed"
	ActionNavigation        Action = "navigationCommitted"
	ActionMonitorStats      Action = "monitorStats"
)

// Message is the envelope for all client-to-daemon operations. Only the
// fields relevant to the action are set.
type Message struct {
	Action Action `json:"action"`

	// startSession
	Goal            string   `json:"goal,omitempty"`
	DurationMinutes int      `json:"durationMinutes,omitempty"`
	BlockedSites    []string `json:"blockedSites,omitempty"`

	// captureFrame
	ScreenshotDataURL string `json:"screenshotDataUrl,omitempty"`
	URL               string `json:"url,omitempty"`
	Title             string `json:"title,omitempty"`
	Timestamp         int64  `json:"ts,omitempty"`

	// distractionSignal / captureError
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	// monitorStats
	FocusedMs    int64 `json:"focusedMs,omitempty"`
	DistractedMs int64 `json:"distractedMs,omitempty"`
}

// Server provides the HTTP handlers.
type Server struct {
	coord    *session.Coordinator
	llm      *llm.Client
	store    store.Store
	throttle *analyze.Throttle
	logger   *slog.Logger
}

// NewServer creates the API server. The llmClient may be nil if no API key
// is configured; analysis endpoints then report unavailable. The throttle
// may be nil when the daemon runs without a capture pipeline.
func NewServer(coord *session.Coordinator, llmClient *llm.Client, st store.Store, throttle *analyze.Throttle, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:    coord,
		llm:      llmClient,
		store:    st,
		throttle: throttle,
		logger:   logger,
	}
}

// Router returns an http.Handler for all routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.ping)
	mux.HandleFunc("POST /analyze", s.analyzeScreen)
	mux.HandleFunc("POST /summarize-session", s.summarizeSession)
	mux.HandleFunc("GET /blocked", s.blockedPage)

	mux.HandleFunc("POST /api/v1/message", s.handleMessage)
	mux.HandleFunc("GET /api/v1/session", s.getSessionStatus)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// --- Analysis endpoints ---

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) analyzeScreen(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis unavailable: no API key configured")
		return
	}

	var req analyze.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ScreenshotDataURL == "" {
		writeError(w, http.StatusBadRequest, "screenshotDataUrl is required")
		return
	}

	goal := req.Goal
	if goal == "" {
		goal = s.coord.Status().Goal
	}

	verdict, err := s.llm.AnalyzeScreen(r.Context(), llm.ScreenContext{
		Goal:  goal,
		URL:   req.URL,
		Title: req.Title,
	}, req.ScreenshotDataURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.appendVerdictLog(r.Context(), req.Timestamp, verdict)

	writeJSON(w, http.StatusOK, analyze.AnalyzeResponse{OK: true, Verdict: verdict})
}

// appendVerdictLog records an analysis outcome for the active session.
// Best-effort; a logging failure never fails the analysis.
func (s *Server) appendVerdictLog(ctx context.Context, ts int64, v *models.Verdict) {
	if s.store == nil {
		return
	}
	id := s.coord.Status().SessionID
	if id == "" {
		return
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	entry := models.VerdictLogEntry{Timestamp: ts, Reason: v.Reason, OnTrack: !v.Distracted}
	if err := s.store.AppendVerdictLog(ctx, id, entry); err != nil {
		s.logger.Warn("append verdict log", "error", err)
	}
}

func (s *Server) summarizeSession(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis unavailable: no API key configured")
		return
	}

	sess, err := s.summaryTarget(r.Context())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var log []models.VerdictLogEntry
	if s.store != nil {
		log, err = s.store.ListVerdictLog(r.Context(), sess.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	summary, err := s.llm.SummarizeSession(r.Context(), sess.Goal, log)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// The log is consumed by the summary.
	if s.store != nil {
		if _, err := s.store.ClearVerdictLog(r.Context(), sess.ID); err != nil {
			s.logger.Warn("clear verdict log", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, analyze.SummarizeResponse{OK: true, Report: summary})
}

// summaryTarget picks the session to summarize: the live one if present,
// otherwise the most recently started.
func (s *Server) summaryTarget(ctx context.Context) (*models.Session, error) {
	if id := s.coord.Status().SessionID; id != "" && s.store != nil {
		return s.store.GetSession(ctx, id)
	}
	if s.store == nil {
		return nil, fmt.Errorf("no session to summarize")
	}
	sessions, err := s.store.ListSessions(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no session to summarize")
	}
	return sessions[0], nil
}

// --- Message envelope ---

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch msg.Action {
	case ActionStartSession:
		sess, err := s.coord.Start(r.Context(), msg.Goal, msg.DurationMinutes, msg.BlockedSites)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrInvalidArgument) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionId": sess.ID, "scheduledEndAt": sess.ScheduledEndAt})

	case ActionEndSession:
		metrics, err := s.coord.End(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "metrics": metrics})

	case ActionTakeBreak:
		if err := s.coord.TakeBreak(r.Context()); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionResumeSession:
		if err := s.coord.ResumeFromBreak(r.Context()); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionCaptureFrame:
		if s.throttle != nil && msg.ScreenshotDataURL != "" {
			ts := time.UnixMilli(msg.Timestamp)
			if msg.Timestamp == 0 {
				ts = time.Now()
			}
			s.throttle.Submit(&models.CaptureFrame{
				Timestamp: ts,
				DataURL:   msg.ScreenshotDataURL,
				URL:       msg.URL,
				Title:     msg.Title,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionCaptureError:
		// A dead capture source invalidates the session; ending it here
		// beats leaving it active with nothing feeding analysis.
		s.logger.Error("capture error reported, ending session", "source", msg.Source, "error", msg.Error)
		metrics, err := s.coord.End(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionEnded": true, "metrics": metrics})

	case ActionDistractionSignal:
		s.coord.ReportDistractionSignal(session.SignalSource(msg.Source), msg.Reason)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionReturnToFocus:
		s.coord.ReturnToFocus()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionSnooze:
		s.coord.Snooze()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionNudgeClosed:
		s.coord.NudgeClosed()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case ActionNavigation:
		nav := s.coord.EvaluateNavigation(msg.URL)
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":          true,
			"decision":    nav.Decision,
			"redirectUrl": nav.RedirectURL,
		})

	case ActionMonitorStats:
		s.coord.RecordAttentionSplit(msg.FocusedMs, msg.DistractedMs)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		// Unknown actions are acknowledged and ignored so older clients
		// never break the daemon.
		s.logger.Debug("ignoring unknown action", "action", msg.Action)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
	}
}

// --- Session queries ---

func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*models.Session{})
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// blockedPage renders the redirect target for blocked navigations. Kept
// deliberately plain; the query parameters carry the context.
func (s *Server) blockedPage(w http.ResponseWriter, r *http.Request) {
	goal := r.URL.Query().Get("goal")
	from := r.URL.Query().Get("url")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><title>Stay on track</title></head>
<body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto;">
<h1>That site is blocked right now</h1>
<p>%s is on your blocklist for this focus session.</p>
<p>Your goal: <strong>%s</strong></p>
</body>
</html>
`, html.EscapeString(from), html.EscapeString(goal))
}
