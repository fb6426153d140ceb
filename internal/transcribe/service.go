// Package transcribe implements the speech-to-text streaming client. It is
// the same connection pattern as the assistant client applied to the
// transcription frame vocabulary: one authenticated websocket, one active
// session, partial fragments streamed until the session ends.
package transcribe

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley-go/internal/domain"
	"github.com/parleyhq/parley-go/internal/history"
	"github.com/parleyhq/parley-go/internal/stream"
	"github.com/parleyhq/parley-go/internal/wire"
)

const updateBuffer = 256

// Update is one transcription event. Final marks a completed segment;
// a non-nil Err terminates the session.
type Update struct {
	Text    string
	Speaker string
	Final   bool
	Err     error
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStore persists finalized segments to the given history store.
func WithStore(store *history.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// Service streams microphone audio to the backend and receives transcript
// fragments. At most one session is active at a time.
type Service struct {
	wsURL  string
	logger *slog.Logger
	store  *history.Store

	mu     sync.Mutex
	token  string
	conn   *stream.Conn
	active *session
}

// session guards its channel with a closed flag: partials arrive on the
// read loop while Stop or a teardown may close the stream from another
// goroutine. The history id is set after the slot is claimed and read from
// the read loop, so it shares the mutex.
type session struct {
	id string

	mu        sync.Mutex
	historyID string
	closed    bool
	ch        chan Update
}

func (sess *session) setHistoryID(id string) {
	sess.mu.Lock()
	sess.historyID = id
	sess.mu.Unlock()
}

func (sess *session) history() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.historyID
}

// New creates a transcription service for the given websocket URL.
func New(wsURL string, opts ...Option) *Service {
	s := &Service{
		wsURL:  wsURL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAuthToken updates the bearer token, tearing down a live connection
// when the value changes.
func (s *Service) SetAuthToken(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	conn := s.conn
	active := s.active
	s.conn = nil
	s.active = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if active != nil {
		endSession(active, domain.ErrTransportUnavailable("connection closed: credentials changed"))
	}
}

// Start opens a transcription session and returns its update stream. The
// stream ends when the session is stopped, the backend reports an error, or
// the connection is lost.
func (s *Service) Start(ctx context.Context, title string, sampleRate int, language string) (<-chan Update, error) {
	if s.wsURL == "" {
		return nil, domain.ErrTransportUnavailable("streaming transport not configured")
	}

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	sess := &session{
		id: uuid.NewString(),
		ch: make(chan Update, updateBuffer),
	}

	// Claim the active slot before touching the store; a rejected Start
	// must not leave an orphan session row behind.
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("transcription session already active")
	}
	s.active = sess
	s.mu.Unlock()

	if s.store != nil {
		rec, err := s.store.CreateSession(ctx, title)
		if err != nil {
			s.clearSession(sess)
			return nil, fmt.Errorf("create history session: %w", err)
		}
		sess.setHistoryID(rec.ID)
	}

	start := wire.SttStart{
		Type:       wire.TypeSttStart,
		SessionID:  sess.id,
		SampleRate: sampleRate,
		Language:   language,
	}
	if err := s.send(start); err != nil {
		s.clearSession(sess)
		return nil, domain.ErrSendFailed(err)
	}

	s.logger.Info("transcription started", slog.String("session_id", sess.id))
	return sess.ch, nil
}

// SendAudio forwards one PCM chunk for the active session.
func (s *Service) SendAudio(chunk []byte) error {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("no active transcription session")
	}

	frame := wire.SttAudio{
		Type:      wire.TypeSttAudio,
		SessionID: sess.id,
		Audio:     base64.StdEncoding.EncodeToString(chunk),
	}
	if err := s.send(frame); err != nil {
		return domain.ErrSendFailed(err)
	}
	return nil
}

// Stop ends the active session. The update stream is closed; stopping when
// no session is active is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	sess := s.active
	s.active = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	err := s.send(wire.SttStop{Type: wire.TypeSttStop, SessionID: sess.id})
	endSession(sess, nil)
	s.logger.Info("transcription stopped", slog.String("session_id", sess.id))
	return err
}

// Disconnect tears down the connection and ends the active session.
func (s *Service) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	active := s.active
	s.conn = nil
	s.active = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if active != nil {
		endSession(active, domain.ErrTransportUnavailable("connection closed"))
	}
}

func (s *Service) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}
	if s.token == "" {
		return domain.ErrAuthenticationRequired()
	}

	wsURL, err := stream.AuthURL(s.wsURL, s.token)
	if err != nil {
		return domain.ErrTransportUnavailable(err.Error())
	}
	conn, err := stream.Dial(ctx, wsURL, s.dispatch, s.dropConn, s.logger)
	if err != nil {
		return domain.ErrTransportUnavailable(err.Error())
	}
	s.conn = conn
	return nil
}

// dispatch routes transcript frames to the active session. Frames for an
// unknown session and non-transcript frames are dropped.
func (s *Service) dispatch(frame wire.Inbound) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return
	}

	switch f := frame.(type) {
	case wire.TranscriptPartial:
		if f.SessionID != sess.id || f.Text == "" {
			return
		}
		emit(sess, Update{Text: f.Text})

	case wire.TranscriptFinal:
		if f.SessionID != sess.id {
			return
		}
		if hid := sess.history(); s.store != nil && hid != "" {
			if _, err := s.store.AppendSegment(context.Background(), hid, f.Speaker, f.Text); err != nil {
				s.logger.Error("persist segment", slog.String("error", err.Error()))
			}
		}
		emit(sess, Update{Text: f.Text, Speaker: f.Speaker, Final: true})

	case wire.TranscriptError:
		if f.SessionID != sess.id {
			return
		}
		s.clearSession(sess)
		endSession(sess, domain.ErrPeerReported(f.Message))
	}
}

func (s *Service) dropConn(conn *stream.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	active := s.active
	s.conn = nil
	s.active = nil
	s.mu.Unlock()

	s.logger.Warn("connection lost", slog.String("error", err.Error()))
	conn.Close()
	if active != nil {
		endSession(active, domain.ErrTransportUnavailable("connection lost"))
	}
}

func (s *Service) clearSession(sess *session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Service) send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := conn.Send(v); err != nil {
		s.dropConn(conn, err)
		return err
	}
	return nil
}

func emit(sess *session, u Update) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	select {
	case sess.ch <- u:
	default:
	}
}

// endSession delivers the optional terminal error and closes the stream,
// exactly once.
func endSession(sess *session, err error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	if err != nil {
		select {
		case sess.ch <- Update{Err: err}:
		default:
		}
	}
	close(sess.ch)
}
