package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ent0n29/gemproxy/internal/chat"
	"github.com/ent0n29/gemproxy/internal/conversation"
	"github.com/ent0n29/gemproxy/internal/observability"
	"github.com/ent0n29/gemproxy/internal/transcript"
)

const (
	msgDownloadFailed = "Failed to download image"
	msgUploadFailed   = "Failed to upload image to Gemini"
	msgInternal       = "Internal Server Error"

	maxBodyBytes = 1 << 20

	maxTranscriptLimit = 500
)

type TurnHandler interface {
	Handle(ctx context.Context, req chat.Request) (chat.Reply, error)
}

type Server struct {
	sessions *conversation.Store
	turns    TurnHandler
	archive  transcript.Store
	logger   *zap.Logger
}

func New(sessions *conversation.Store, turns TurnHandler, archive transcript.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		turns:    turns,
		archive:  archive,
		logger:   logger.Named("http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Post("/api/gemini", s.handleGemini)
	r.Get("/api/sessions/{customId}/transcript", s.handleTranscript)
	r.Delete("/api/sessions/{customId}", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"sessions":         s.sessions.Len(),
		"transcript_store": s.archive.Mode(),
	})
}

// turnRequest mirrors the public payload. Missing fields decode as empty
// strings and are accepted.
type turnRequest struct {
	Prompt   string `json:"prompt"`
	CustomID string `json:"customId"`
	Link     string `json:"link"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	var req *turnRequest
	err := decodeJSON(w, r, &req)
	if err == nil && req == nil {
		err = errNullBody
	}
	if err != nil {
		s.logger.Warn("invalid request body",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		respondMessage(w, http.StatusInternalServerError, msgInternal)
		return
	}

	reply, err := s.turns.Handle(r.Context(), chat.Request{
		Prompt:    req.Prompt,
		SessionID: req.CustomID,
		ImageURL:  req.Link,
	})
	if err != nil {
		// The cause is logged by the chat service; only the kind leaves the process.
		switch chat.KindOf(err) {
		case chat.KindDownload:
			respondMessage(w, http.StatusInternalServerError, msgDownloadFailed)
		case chat.KindUpload:
			respondMessage(w, http.StatusInternalServerError, msgUploadFailed)
		default:
			respondMessage(w, http.StatusInternalServerError, msgInternal)
		}
		return
	}

	respondMessage(w, http.StatusOK, reply.Text)
}

var (
	errEmptyBody = errors.New("empty body")
	errNullBody  = errors.New("body is null")
)

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// handleEndSession drops the live history of a session. The next request with
// the same customId starts an empty conversation.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "customId")
	if !s.sessions.Remove(sessionID) {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "status": "ended"})
}

// handleTranscript serves the archived records of a session. It reads the
// archive, not the live history.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTranscriptLimit {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be in 1..500"})
			return
		}
		limit = n
	}

	sessionID := chi.URLParam(r, "customId")
	records, err := s.archive.Transcript(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("transcript lookup failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		respondMessage(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if records == nil {
		records = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"store":      s.archive.Mode(),
		"records":    records,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, messageResponse{Message: message})
}
