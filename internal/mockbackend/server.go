// Package mockbackend implements a development backend speaking the client
// wire protocol: a websocket endpoint that streams canned deltas and the
// stateless /ai/respond endpoint. It backs integration tests and the
// devserver command.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/parleyhq/parley-go/internal/domain"
	"github.com/parleyhq/parley-go/internal/wire"
)

// RespondFunc produces the reply text for a request. The default echoes the
// mode and the last turn.
type RespondFunc func(mode string, turns []domain.Turn, question string) string

// Option configures the server.
type Option func(*Server)

// WithToken requires the given bearer token on both endpoints.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithRespondFunc overrides reply generation.
func WithRespondFunc(fn RespondFunc) Option {
	return func(s *Server) {
		s.respond = fn
	}
}

// WithDeltaDelay inserts a pause between streamed deltas.
func WithDeltaDelay(d time.Duration) Option {
	return func(s *Server) {
		s.deltaDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server is the development backend.
type Server struct {
	token      string
	respond    RespondFunc
	deltaDelay time.Duration
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// New creates a server with default behavior.
func New(opts ...Option) *Server {
	s := &Server{
		logger:  slog.Default(),
		respond: defaultRespond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultRespond(mode string, turns []domain.Turn, question string) string {
	last := ""
	if len(turns) > 0 {
		last = turns[len(turns)-1].Text
	}
	if question != "" {
		return fmt.Sprintf("[%s] answering %q about %q", mode, question, last)
	}
	return fmt.Sprintf("[%s] reply to %q", mode, last)
}

// Handler returns the chi-routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Get("/ws", s.handleWS)
	r.Post("/ai/respond", s.handleRespond)
	return otelhttp.NewHandler(r, "mockbackend")
}

// handleRespond is the stateless fallback endpoint.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	var req struct {
		Mode         string        `json:"mode"`
		Turns        []domain.Turn `json:"turns"`
		Question     string        `json:"question"`
		SystemPrompt string        `json:"systemPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"text": s.respond(req.Mode, req.Turns, req.Question),
	})
}

// handleWS upgrades and serves the streaming protocol for one connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("token") != s.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Type      string          `json:"type"`
			RequestID string          `json:"requestId"`
			Mode      string          `json:"mode"`
			Turns     []domain.Turn   `json:"turns"`
			Question  string          `json:"question"`
			SessionID string          `json:"sessionId"`
			Audio     json.RawMessage `json:"audio"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case wire.TypeRequest:
			s.streamReply(conn, env.RequestID, s.respond(env.Mode, env.Turns, env.Question))
		case wire.TypeCancel:
			s.logger.Debug("request cancelled", slog.String("request_id", env.RequestID))
		case wire.TypeSttAudio:
			writeFrame(conn, map[string]string{
				"type": wire.TypeSttPartial, "sessionId": env.SessionID, "text": "...",
			})
			writeFrame(conn, map[string]string{
				"type": wire.TypeSttFinal, "sessionId": env.SessionID, "speaker": "speaker-1", "text": "transcribed chunk",
			})
		case wire.TypeSttStart, wire.TypeSttStop:
			// No acknowledgement in the protocol.
		}
	}
}

// streamReply emits ai_start, word-by-word deltas, then ai_done.
func (s *Server) streamReply(conn *websocket.Conn, requestID, text string) {
	writeFrame(conn, map[string]string{"type": wire.TypeStart, "requestId": requestID})
	for i, word := range strings.Fields(text) {
		delta := word
		if i > 0 {
			delta = " " + word
		}
		writeFrame(conn, map[string]string{
			"type": wire.TypeDelta, "requestId": requestID, "delta": delta,
		})
		if s.deltaDelay > 0 {
			time.Sleep(s.deltaDelay)
		}
	}
	writeFrame(conn, map[string]string{"type": wire.TypeDone, "requestId": requestID})
}

func writeFrame(conn *websocket.Conn, v any) {
	_ = conn.WriteJSON(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
