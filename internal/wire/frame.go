// Package wire defines the JSON frame protocol spoken over the persistent
// websocket connection. Outbound frames are plain structs; inbound frames
// decode into a tagged union via the "type" field so that unknown or
// malformed payloads can be dropped without touching other in-flight
// requests.
package wire

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/parleyhq/parley-go/internal/domain"
)

// Frame type tags.
const (
	TypeRequest = "ai_request"
	TypeCancel  = "ai_cancel"
	TypeStart   = "ai_start"
	TypeDelta   = "ai_delta"
	TypeDone    = "ai_done"
	TypeError   = "ai_error"

	TypeSttStart   = "stt_start"
	TypeSttAudio   = "stt_audio"
	TypeSttStop    = "stt_stop"
	TypeSttPartial = "stt_partial"
	TypeSttFinal   = "stt_final"
	TypeSttError   = "stt_error"
)

// ErrUnknownType marks a frame whose type tag is not part of the protocol.
// Callers drop such frames.
var ErrUnknownType = errors.New("unknown frame type")

// Request asks the backend to generate text for a conversation.
type Request struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"requestId"`
	Mode         string        `json:"mode"`
	Turns        []domain.Turn `json:"turns"`
	Question     string        `json:"question,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
}

// NewRequest builds an ai_request frame. Question and system prompt are
// trimmed and omitted when empty.
func NewRequest(requestID string, req domain.AssistRequest) Request {
	return Request{
		Type:         TypeRequest,
		RequestID:    requestID,
		Mode:         req.Mode,
		Turns:        req.Turns,
		Question:     strings.TrimSpace(req.Question),
		SystemPrompt: strings.TrimSpace(req.SystemPrompt),
	}
}

// Cancel notifies the backend that a request is abandoned. Best-effort; the
// peer may have already completed or never seen the request.
type Cancel struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// NewCancel builds an ai_cancel frame.
func NewCancel(requestID string) Cancel {
	return Cancel{Type: TypeCancel, RequestID: requestID}
}

// SttStart opens a transcription session.
type SttStart struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Language   string `json:"language,omitempty"`
}

// SttAudio carries one base64-encoded audio chunk.
type SttAudio struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Audio     string `json:"audio"`
}

// SttStop closes a transcription session.
type SttStop struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Inbound is a frame received from the backend.
type Inbound interface {
	inbound()
}

// Start acknowledges that the backend accepted a request. Informational.
type Start struct {
	RequestID string
}

// Delta carries one incremental text fragment for a request.
type Delta struct {
	RequestID string
	Text      string
}

// Done marks successful completion of a request.
type Done struct {
	RequestID string
}

// PeerError carries an error the backend reported for a request.
type PeerError struct {
	RequestID string
	Message   string
}

// TranscriptPartial is an in-progress transcript fragment.
type TranscriptPartial struct {
	SessionID string
	Text      string
}

// TranscriptFinal is a finalized transcript segment.
type TranscriptFinal struct {
	SessionID string
	Speaker   string
	Text      string
}

// TranscriptError reports a transcription session failure.
type TranscriptError struct {
	SessionID string
	Message   string
}

func (Start) inbound()             {}
func (Delta) inbound()             {}
func (Done) inbound()              {}
func (PeerError) inbound()         {}
func (TranscriptPartial) inbound() {}
func (TranscriptFinal) inbound()   {}
func (TranscriptError) inbound()   {}

// envelope is the superset of inbound fields, used for type-tag dispatch.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Delta     string `json:"delta"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// DecodeInbound parses one inbound frame. Malformed JSON and unknown type
// tags return an error; the connection read loop logs and drops those
// without affecting other requests.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeStart:
		return Start{RequestID: env.RequestID}, nil
	case TypeDelta:
		return Delta{RequestID: env.RequestID, Text: env.Delta}, nil
	case TypeDone:
		return Done{RequestID: env.RequestID}, nil
	case TypeError:
		return PeerError{RequestID: env.RequestID, Message: env.Message}, nil
	case TypeSttPartial:
		return TranscriptPartial{SessionID: env.SessionID, Text: env.Text}, nil
	case TypeSttFinal:
		return TranscriptFinal{SessionID: env.SessionID, Speaker: env.Speaker, Text: env.Text}, nil
	case TypeSttError:
		return TranscriptError{SessionID: env.SessionID, Message: env.Message}, nil
	default:
		return nil, ErrUnknownType
	}
}
