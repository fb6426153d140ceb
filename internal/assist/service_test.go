package assist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apiassist "github.com/parleyhq/parley-go/internal/api/assist"
	"github.com/parleyhq/parley-go/internal/domain"
)

// backend is a scriptable in-process websocket server. script is invoked
// for every ai_request frame; cancels receives the request id of every
// ai_cancel frame.
type backend struct {
	srv     *httptest.Server
	conns   atomic.Int32
	cancels chan string
}

type inFrame struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	Mode      string        `json:"mode"`
	Turns     []domain.Turn `json:"turns"`
	Question  string        `json:"question"`
}

func newBackend(t *testing.T, script func(ws *websocket.Conn, req inFrame)) *backend {
	t.Helper()
	b := &backend{cancels: make(chan string, 8)}
	upgrader := websocket.Upgrader{}

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns.Add(1)
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f inFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Type {
			case "ai_request":
				script(ws, f)
			case "ai_cancel":
				b.cancels <- f.RequestID
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func write(ws *websocket.Conn, v any) {
	_ = ws.WriteJSON(v)
}

// replyWith streams deltas and a done for the request.
func replyWith(deltas ...string) func(ws *websocket.Conn, req inFrame) {
	return func(ws *websocket.Conn, req inFrame) {
		write(ws, map[string]string{"type": "ai_start", "requestId": req.RequestID})
		for _, d := range deltas {
			write(ws, map[string]string{"type": "ai_delta", "requestId": req.RequestID, "delta": d})
		}
		write(ws, map[string]string{"type": "ai_done", "requestId": req.RequestID})
	}
}

func TestRespond_AggregatesDeltasInOrder(t *testing.T) {
	b := newBackend(t, replyWith("Hi", " there"))

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	got, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "Hi there" {
		t.Errorf("Respond = %q, want %q", got, "Hi there")
	}
}

func TestStreamRespond_DeliversFragments(t *testing.T) {
	b := newBackend(t, replyWith("one", " two", " three"))

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	var fragments []string
	for ev := range svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	}) {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		fragments = append(fragments, ev.Delta)
	}

	want := []string{"one", " two", " three"}
	if len(fragments) != len(want) {
		t.Fatalf("fragments = %q, want %q", fragments, want)
	}
	for i := range want {
		if fragments[i] != want[i] {
			t.Errorf("fragment[%d] = %q, want %q", i, fragments[i], want[i])
		}
	}
}

func TestStreamRespond_AuthenticationRequired(t *testing.T) {
	b := newBackend(t, replyWith("never"))

	svc := New(b.wsURL())
	defer svc.Close()
	// No token set.

	var terminal error
	for ev := range svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	}) {
		terminal = ev.Err
	}
	if !domain.IsKind(terminal, domain.ErrorKindAuthenticationRequired) {
		t.Errorf("err = %v, want authentication_required", terminal)
	}
	if b.conns.Load() != 0 {
		t.Errorf("no connection should be attempted without a token")
	}
}

func TestStreamRespond_NotConfigured(t *testing.T) {
	svc := New("")
	defer svc.Close()
	svc.SetAuthToken("tok")

	var terminal error
	for ev := range svc.StreamRespond(context.Background(), domain.AssistRequest{Mode: domain.ModeReply}) {
		terminal = ev.Err
	}
	if !domain.IsKind(terminal, domain.ErrorKindTransportUnavailable) {
		t.Errorf("err = %v, want transport_unavailable", terminal)
	}
}

func TestStreamRespond_PeerError(t *testing.T) {
	b := newBackend(t, func(ws *websocket.Conn, req inFrame) {
		write(ws, map[string]string{"type": "ai_error", "requestId": req.RequestID, "message": "rate limited"})
	})

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	var terminal error
	for ev := range svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	}) {
		terminal = ev.Err
	}
	if !domain.IsKind(terminal, domain.ErrorKindPeerReported) {
		t.Fatalf("err = %v, want peer_reported", terminal)
	}
	if !strings.Contains(terminal.Error(), "rate limited") {
		t.Errorf("error %q should carry the peer message verbatim", terminal.Error())
	}
}

func TestStreamRespond_Timeout(t *testing.T) {
	// The backend swallows requests; only the timeout resolves them.
	b := newBackend(t, func(*websocket.Conn, inFrame) {})

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	const timeout = 150 * time.Millisecond
	start := time.Now()
	var terminal error
	for ev := range svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:    domain.ModeReply,
		Turns:   []domain.Turn{domain.UserTurn("hello")},
		Timeout: timeout,
	}) {
		terminal = ev.Err
	}
	elapsed := time.Since(start)

	if !domain.IsKind(terminal, domain.ErrorKindRequestTimedOut) {
		t.Fatalf("err = %v, want request_timed_out", terminal)
	}
	if elapsed < timeout {
		t.Errorf("resolved after %v, before the %v timeout", elapsed, timeout)
	}

	// The peer is notified best-effort.
	select {
	case <-b.cancels:
	case <-time.After(2 * time.Second):
		t.Error("expected an ai_cancel frame after the timeout")
	}
}

func TestStreamRespond_LateConsumerStillTerminates(t *testing.T) {
	// Deltas but never a done; the consumer does not read until well after
	// the timeout. Delivery must not block on the unread stream: once
	// drained, the channel ends with the timeout error.
	b := newBackend(t, func(ws *websocket.Conn, req inFrame) {
		write(ws, map[string]string{"type": "ai_start", "requestId": req.RequestID})
		for i := 0; i < 8; i++ {
			write(ws, map[string]string{"type": "ai_delta", "requestId": req.RequestID, "delta": "x"})
		}
	})

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	stream := svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:    domain.ModeReply,
		Turns:   []domain.Turn{domain.UserTurn("hello")},
		Timeout: 100 * time.Millisecond,
	})

	time.Sleep(400 * time.Millisecond)

	var terminal error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range stream {
			if ev.Err != nil {
				terminal = ev.Err
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never terminated for the late consumer")
	}
	if !domain.IsKind(terminal, domain.ErrorKindRequestTimedOut) {
		t.Errorf("err = %v, want request_timed_out", terminal)
	}
}

func TestSetAuthToken_ChangeFailsPendingAndReconnects(t *testing.T) {
	b := newBackend(t, func(*websocket.Conn, inFrame) {})

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok-1")

	stream := svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	})

	// Wait for the connection before rotating credentials.
	deadline := time.Now().Add(2 * time.Second)
	for b.conns.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	svc.SetAuthToken("tok-2")

	var terminal error
	for ev := range stream {
		terminal = ev.Err
	}
	if !domain.IsKind(terminal, domain.ErrorKindTransportUnavailable) {
		t.Fatalf("err = %v, want transport_unavailable after credential change", terminal)
	}

	// The next request dials a fresh connection with the new token.
	for range svc.StreamRespond(context.Background(), domain.AssistRequest{
		Mode:    domain.ModeReply,
		Turns:   []domain.Turn{domain.UserTurn("again")},
		Timeout: 200 * time.Millisecond,
	}) {
	}
	if b.conns.Load() < 2 {
		t.Errorf("conns = %d, want a reconnect after token change", b.conns.Load())
	}
}

func TestSetAuthToken_SameValueIsNoop(t *testing.T) {
	b := newBackend(t, replyWith("ok"))

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	if _, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	svc.SetAuthToken("tok")

	if _, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello again")},
	}); err != nil {
		t.Fatalf("Respond after same-token set: %v", err)
	}
	if got := b.conns.Load(); got != 1 {
		t.Errorf("conns = %d, want 1 (no reconnect for unchanged token)", got)
	}
}

func TestRespond_EmptyStreamFallsBackToHTTP(t *testing.T) {
	// Immediate done with no deltas: EmptyResponse internally, fallback wins.
	b := newBackend(t, replyWith())

	var sawAuth atomic.Bool
	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok" {
			sawAuth.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"fallback text"}`))
	}))
	defer fb.Close()

	svc := New(b.wsURL(), WithFallback(apiassist.NewClient(fb.URL)))
	defer svc.Close()
	svc.SetAuthToken("tok")

	got, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "fallback text" {
		t.Errorf("Respond = %q, want fallback text", got)
	}
	if !sawAuth.Load() {
		t.Error("fallback call should carry the bearer token")
	}
}

func TestRespond_PeerErrorFallsBackToHTTP(t *testing.T) {
	b := newBackend(t, func(ws *websocket.Conn, req inFrame) {
		write(ws, map[string]string{"type": "ai_error", "requestId": req.RequestID, "message": "rate limited"})
	})
	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"recovered"}`))
	}))
	defer fb.Close()

	svc := New(b.wsURL(), WithFallback(apiassist.NewClient(fb.URL)))
	defer svc.Close()
	svc.SetAuthToken("tok")

	got, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "recovered" {
		t.Errorf("Respond = %q, want %q", got, "recovered")
	}
}

func TestRespond_FallbackFailureSurfaces(t *testing.T) {
	b := newBackend(t, replyWith())
	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"backend exploded"}`))
	}))
	defer fb.Close()

	svc := New(b.wsURL(), WithFallback(apiassist.NewClient(fb.URL)))
	defer svc.Close()
	svc.SetAuthToken("tok")

	_, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	})
	if !domain.IsKind(err, domain.ErrorKindHTTP) {
		t.Fatalf("err = %v, want http_error", err)
	}
	if !strings.Contains(err.Error(), "backend exploded") {
		t.Errorf("error %q should carry the server message", err.Error())
	}
}

func TestRespond_NoFallbackSurfacesStreamError(t *testing.T) {
	b := newBackend(t, func(ws *websocket.Conn, req inFrame) {
		write(ws, map[string]string{"type": "ai_error", "requestId": req.RequestID, "message": "nope"})
	})

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	_, err := svc.Respond(context.Background(), domain.AssistRequest{
		Mode:  domain.ModeReply,
		Turns: []domain.Turn{domain.UserTurn("hello")},
	})
	if !domain.IsKind(err, domain.ErrorKindPeerReported) {
		t.Errorf("err = %v, want peer_reported", err)
	}
}

func TestGenerateWrappers_FixTheMode(t *testing.T) {
	modes := make(chan string, 3)
	b := newBackend(t, func(ws *websocket.Conn, req inFrame) {
		modes <- req.Mode
		replyWith("ok")(ws, req)
	})

	svc := New(b.wsURL())
	defer svc.Close()
	svc.SetAuthToken("tok")

	turns := []domain.Turn{domain.UserTurn("hello")}
	calls := []struct {
		fn   func(context.Context, []domain.Turn) (string, error)
		want string
	}{
		{svc.GenerateSummary, domain.ModeSummary},
		{svc.GenerateInsights, domain.ModeInsights},
		{svc.GenerateQuestions, domain.ModeQuestions},
	}
	for _, c := range calls {
		if _, err := c.fn(context.Background(), turns); err != nil {
			t.Fatalf("wrapper: %v", err)
		}
		if got := <-modes; got != c.want {
			t.Errorf("mode = %q, want %q", got, c.want)
		}
	}
}
