// Package domain provides the canonical request, response, and error types
// shared by the streaming client, the fallback transport, and the backends.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode selects server-side generation behavior. The set is open: the server
// may accept modes this client does not know about, so no validation is
// performed client-side.
type Mode = string

const (
	ModeReply     Mode = "reply"
	ModeSummary   Mode = "summary"
	ModeInsights  Mode = "insights"
	ModeQuestions Mode = "questions"
)

// Turn is one role-tagged segment of conversation history.
//
// On the wire a turn is a single-key object, `{"<role>": "<text>"}`, matching
// the backend protocol.
type Turn struct {
	Role string
	Text string
}

// MarshalJSON encodes the turn as a single-key object.
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{t.Role: t.Text})
}

// UnmarshalJSON decodes a single-key object into the turn. A turn with more
// than one key is rejected; role order would be ambiguous.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("turn must have exactly one role, got %d", len(m))
	}
	for role, text := range m {
		t.Role = role
		t.Text = text
	}
	return nil
}

// UserTurn is a convenience constructor for a user-authored turn.
func UserTurn(text string) Turn {
	return Turn{Role: "user", Text: text}
}

// AssistantTurn is a convenience constructor for an assistant-authored turn.
func AssistantTurn(text string) Turn {
	return Turn{Role: "assistant", Text: text}
}

// AssistRequest is the canonical generation request accepted by the facade.
type AssistRequest struct {
	Mode         Mode
	Turns        []Turn
	Question     string
	SystemPrompt string

	// Timeout bounds the whole request. Zero means the service default.
	Timeout time.Duration
}

// Event is one element of a streaming response sequence. Either Delta is a
// non-empty text fragment, or Err is the terminal error. A closed channel
// with no Err event is a successful completion.
type Event struct {
	Delta string
	Err   error
}
