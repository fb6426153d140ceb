package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley-go/internal/domain"
	"github.com/parleyhq/parley-go/internal/wire"
)

// eventBuffer bounds how many undelivered fragments a single request may
// hold before further deltas are dropped. An abandoned consumer must not
// block the connection read loop.
const eventBuffer = 256

// Mux correlates inbound frames to outstanding requests by request id.
// Each registered request receives zero or more deltas followed by exactly
// one terminal event: an error on the channel, or a plain close for
// success. Once terminated an id is forgotten, so stray frames for it are
// no-ops rather than errors; the peer may race a cancellation.
type Mux struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan domain.Event
}

// NewMux creates an empty routing table.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		logger:  logger,
		pending: make(map[string]chan domain.Event),
	}
}

// Register creates the result channel for a request id. A duplicate id is
// an internal invariant violation: ids come from a UUID source and must be
// unique for the life of the connection.
func (m *Mux) Register(requestID string) (<-chan domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[requestID]; exists {
		return nil, fmt.Errorf("request id already registered: %s", requestID)
	}
	ch := make(chan domain.Event, eventBuffer)
	m.pending[requestID] = ch
	return ch, nil
}

// Dispatch routes one inbound frame. Frames for unknown ids, informational
// acknowledgements, and non-assist frames are dropped.
func (m *Mux) Dispatch(frame wire.Inbound) {
	switch f := frame.(type) {
	case wire.Start:
		m.logger.Debug("request acknowledged", slog.String("request_id", f.RequestID))

	case wire.Delta:
		if f.Text == "" {
			return
		}
		m.mu.Lock()
		ch, ok := m.pending[f.RequestID]
		m.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- domain.Event{Delta: f.Text}:
		default:
			m.logger.Warn("dropping delta for slow consumer", slog.String("request_id", f.RequestID))
		}

	case wire.Done:
		m.terminate(f.RequestID, nil)

	case wire.PeerError:
		m.terminate(f.RequestID, domain.ErrPeerReported(f.Message))
	}
}

// Fail terminates a single request with err, if it is still pending.
// Reports whether the request was present. Used by the timeout path.
func (m *Mux) Fail(requestID string, err error) bool {
	return m.terminate(requestID, err)
}

// FailAll terminates every pending request with err and clears the table.
// Used when the connection closes or credentials change.
func (m *Mux) FailAll(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan domain.Event)
	m.mu.Unlock()

	for id, ch := range pending {
		m.logger.Debug("failing pending request", slog.String("request_id", id))
		deliverTerminal(ch, err)
	}
}

// Pending returns the number of outstanding requests.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mux) terminate(requestID string, err error) bool {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	deliverTerminal(ch, err)
	return true
}

// deliverTerminal sends the optional error event and closes the channel.
// Deltas are droppable for a slow consumer; the terminal is not. With a
// full buffer the oldest delta is evicted until the error fits, so a close
// can never misreport an errored request as success. Nothing else sends on
// ch once the id is out of the table, so the eviction loop converges.
func deliverTerminal(ch chan domain.Event, err error) {
	if err != nil {
	send:
		for {
			select {
			case ch <- domain.Event{Err: err}:
				break send
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}
	close(ch)
}
