package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"sidebarassist/internal/services"
	"sidebarassist/internal/upstream"

	"github.com/go-chi/chi/v5/middleware"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Context     string        `json:"context,omitempty"`
	ContextType string        `json:"context_type,omitempty"`
}

// sseWriter writes server-sent-event frames, deferring the response headers
// until the first frame. As long as nothing was written the handler can still
// answer with a plain JSON error and status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) writeFrame(payload []byte) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeContent(fragment string) error {
	payload, err := json.Marshal(map[string]string{"content": fragment})
	if err != nil {
		return err
	}
	return s.writeFrame(payload)
}

func (s *sseWriter) writeError(message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	_ = s.writeFrame(payload)
}

func (s *sseWriter) writeDone() {
	_ = s.writeFrame([]byte("[DONE]"))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	accountID := accountIDFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	messages := make([]upstream.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, upstream.Message{Role: m.Role, Content: m.Content})
	}

	sse := newSSEWriter(w)
	_, err := s.svc.Chat(r.Context(), accountID, services.ChatRequest{
		Messages:    messages,
		Context:     req.Context,
		ContextType: req.ContextType,
	}, sse.writeContent)

	if err == nil {
		sse.writeDone()
		return
	}

	if sse.started {
		// Output already reached the caller; all that is left is to mark
		// the stream as broken in-band.
		log.Printf("[ERROR] [%s] chat stream broke mid-answer for account %s: %v", reqID, accountID, err)
		sse.writeError("stream interrupted")
		sse.writeDone()
		return
	}

	s.respondChatError(w, r, err)
}

// respondChatError maps pre-stream failures onto JSON status responses.
// Upstream failures are all 500: status 429 stays reserved for the weekly
// quota denial, and 4xx would read as a caller mistake.
func (s *Server) respondChatError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())
	switch {
	case errors.Is(err, upstream.ErrInvalidCredentials):
		log.Printf("[ERROR] [%s] upstream rejected our credentials: %v", reqID, err)
		respondError(w, http.StatusInternalServerError, errors.New("upstream provider rejected the request"))
	case errors.Is(err, upstream.ErrUpstreamRateLimited):
		log.Printf("[ERROR] [%s] upstream rate limited: %v", reqID, err)
		respondError(w, http.StatusInternalServerError, errors.New("upstream provider is rate limiting, retry shortly"))
	case errors.Is(err, upstream.ErrStreamInterrupted):
		log.Printf("[ERROR] [%s] upstream stream ended unexpectedly: %v", reqID, err)
		respondError(w, http.StatusInternalServerError, errors.New("upstream stream ended unexpectedly"))
	default:
		s.respondServiceError(w, r, err)
	}
}
