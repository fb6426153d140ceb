// Package assist implements the streaming AI client: one shared
// authenticated websocket connection, request multiplexing, per-request
// timeouts, and transparent degradation to the stateless HTTP transport.
package assist

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apiassist "github.com/parleyhq/parley-go/internal/api/assist"
	"github.com/parleyhq/parley-go/internal/domain"
	"github.com/parleyhq/parley-go/internal/stream"
	"github.com/parleyhq/parley-go/internal/tokens"
	"github.com/parleyhq/parley-go/internal/wire"
)

// DefaultTimeout bounds a request when the caller does not set one.
const DefaultTimeout = 60 * time.Second

// eventBuffer bounds undelivered fragments per request stream, mirroring
// the multiplexer's buffer.
const eventBuffer = 256

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultTimeout overrides the per-request default timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.defaultTimeout = d
	}
}

// WithFallback sets the stateless HTTP transport used when streaming fails.
func WithFallback(client *apiassist.Client) Option {
	return func(s *Service) {
		s.fallback = client
	}
}

// WithTurnBudget trims conversation history to the budgeter's token budget
// before each request.
func WithTurnBudget(b *tokens.Budgeter) Option {
	return func(s *Service) {
		s.budget = b
	}
}

// Service is the public surface of the assistant client. A Service owns at
// most one live connection; a zero websocket URL means streaming is not
// configured and only the fallback transport is usable.
type Service struct {
	wsURL          string
	fallback       *apiassist.Client
	logger         *slog.Logger
	defaultTimeout time.Duration
	budget         *tokens.Budgeter

	mux *stream.Mux

	mu     sync.Mutex
	token  string
	conn   *stream.Conn
	closed bool
}

// New creates a service for the given websocket URL. wsURL may be empty to
// disable streaming.
func New(wsURL string, opts ...Option) *Service {
	s := &Service{
		wsURL:          wsURL,
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = stream.NewMux(s.logger)
	return s
}

// SetAuthToken updates the bearer token. Setting the same value is a no-op
// for connection state. A changed value invalidates a live connection,
// failing its pending requests, so the next operation reconnects with fresh
// credentials.
func (s *Service) SetAuthToken(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.logger.Info("auth token changed, closing connection")
		conn.Close()
		s.mux.FailAll(domain.ErrTransportUnavailable("connection closed: credentials changed"))
	}
}

// Disconnect tears down the connection if one exists, failing any pending
// requests. Safe to call at any time.
func (s *Service) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.mux.FailAll(domain.ErrTransportUnavailable("connection closed"))
	}
}

// Close releases the service. All pending requests fail and subsequent
// operations report the transport unavailable.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
}

// StreamRespond sends one generation request and returns its result stream:
// zero or more text fragments followed by exactly one terminal event, which
// is either an error on the channel or a plain close for success. Expected
// failures (missing token, timeout, peer error) are delivered through the
// stream, never panicked.
func (s *Service) StreamRespond(ctx context.Context, req domain.AssistRequest) <-chan domain.Event {
	if s.wsURL == "" {
		return failedStream(domain.ErrTransportUnavailable("streaming transport not configured"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	// Register before sending so a fast first frame cannot race the table.
	requestID := uuid.NewString()
	ch, err := s.mux.Register(requestID)
	if err != nil {
		return failedStream(err)
	}

	if err := s.ensureConnected(ctx); err != nil {
		s.mux.Fail(requestID, err)
		return s.deliver(ctx, requestID, ch, nil)
	}

	frame := wire.NewRequest(requestID, req)
	frame.Turns = s.budget.Trim(frame.Turns)
	if err := s.send(frame); err != nil {
		s.mux.Fail(requestID, domain.ErrSendFailed(err))
		return s.deliver(ctx, requestID, ch, nil)
	}

	s.logger.Debug("request sent",
		slog.String("request_id", requestID),
		slog.String("mode", req.Mode),
		slog.Duration("timeout", timeout))

	timer := time.AfterFunc(timeout, func() {
		if s.mux.Fail(requestID, domain.ErrRequestTimedOut(timeout)) {
			// Best-effort cancellation; the peer may never see it.
			_ = s.send(wire.NewCancel(requestID))
			s.logger.Warn("request timed out", slog.String("request_id", requestID))
		}
	})

	return s.deliver(ctx, requestID, ch, timer)
}

// Respond aggregates a streamed response into one trimmed string. Any
// streaming failure, including an empty aggregate, falls back to the
// stateless HTTP transport with the same parameters; the streaming error
// surfaces only if no fallback is configured or the fallback also fails.
func (s *Service) Respond(ctx context.Context, req domain.AssistRequest) (string, error) {
	var streamErr error
	if s.wsURL != "" {
		text, err := s.aggregate(ctx, req)
		if err == nil {
			return text, nil
		}
		streamErr = err
		s.logger.Debug("stream failed, trying fallback", slog.String("error", err.Error()))
	}

	if s.fallback == nil {
		if streamErr != nil {
			return "", streamErr
		}
		return "", domain.ErrTransportUnavailable("no transport configured")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.Turns = s.budget.Trim(req.Turns)
	text, err := s.fallback.Respond(callCtx, req, s.currentToken())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// GenerateSummary requests a summary of the conversation.
func (s *Service) GenerateSummary(ctx context.Context, turns []domain.Turn) (string, error) {
	return s.Respond(ctx, domain.AssistRequest{Mode: domain.ModeSummary, Turns: turns})
}

// GenerateInsights requests insights about the conversation.
func (s *Service) GenerateInsights(ctx context.Context, turns []domain.Turn) (string, error) {
	return s.Respond(ctx, domain.AssistRequest{Mode: domain.ModeInsights, Turns: turns})
}

// GenerateQuestions requests follow-up questions for the conversation.
func (s *Service) GenerateQuestions(ctx context.Context, turns []domain.Turn) (string, error) {
	return s.Respond(ctx, domain.AssistRequest{Mode: domain.ModeQuestions, Turns: turns})
}

func (s *Service) aggregate(ctx context.Context, req domain.AssistRequest) (string, error) {
	var b strings.Builder
	for ev := range s.StreamRespond(ctx, req) {
		if ev.Err != nil {
			return "", ev.Err
		}
		b.WriteString(ev.Delta)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", domain.ErrEmptyResponse()
	}
	return text, nil
}

// ensureConnected opens the shared connection if none exists. Requires a
// non-empty auth token.
func (s *Service) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrTransportUnavailable("client closed")
	}
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

	conn, err := stream.Dial(ctx, wsURL, s.mux.Dispatch, s.dropConn, s.logger)
	if err != nil {
		return domain.ErrTransportUnavailable(err.Error())
	}
	s.conn = conn
	s.logger.Info("connected")
	return nil
}

// dropConn releases the connection after a read failure and fails everything
// pending. A close notification for an already-replaced connection is stale
// and ignored; its pending requests were failed when it was torn down.
func (s *Service) dropConn(conn *stream.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warn("connection lost", slog.String("error", err.Error()))
	conn.Close()
	s.mux.FailAll(domain.ErrTransportUnavailable("connection lost"))
}

// send writes one frame on the live connection. A write failure invalidates
// the connection.
func (s *Service) send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return domain.ErrTransportUnavailable("not connected")
	}
	if err := conn.Send(v); err != nil {
		s.dropConn(conn, err)
		return err
	}
	return nil
}

func (s *Service) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// deliver forwards mux events to the caller's stream, stopping the timeout
// timer once the request terminates. Forwarding never blocks, so a caller
// that abandons the stream without cancelling ctx cannot strand this
// goroutine; the timeout closes the source and the loop drains out. Caller
// cancellation through ctx removes the table entry and notifies the peer
// best-effort; it never disturbs other in-flight requests.
func (s *Service) deliver(ctx context.Context, requestID string, ch <-chan domain.Event, timer *time.Timer) <-chan domain.Event {
	out := make(chan domain.Event, eventBuffer)
	go func() {
		defer close(out)
		if timer != nil {
			defer timer.Stop()
		}
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				forward(out, ev)
			case <-ctx.Done():
				s.abandon(requestID, ctx.Err())
				forward(out, domain.Event{Err: ctx.Err()})
				return
			}
		}
	}()
	return out
}

// forward places ev on out without blocking. A delta that does not fit is
// dropped; an error event evicts buffered deltas until it fits, so the
// terminal always lands. Only the delivery goroutine sends on out.
func forward(out chan domain.Event, ev domain.Event) {
	for {
		select {
		case out <- ev:
			return
		default:
		}
		if ev.Err == nil {
			return
		}
		select {
		case <-out:
		default:
		}
	}
}

func (s *Service) abandon(requestID string, err error) {
	if s.mux.Fail(requestID, err) {
		_ = s.send(wire.NewCancel(requestID))
	}
}

// failedStream returns a stream that immediately terminates with err.
func failedStream(err error) <-chan domain.Event {
	ch := make(chan domain.Event, 1)
	ch <- domain.Event{Err: err}
	close(ch)
	return ch
}
