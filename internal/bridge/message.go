// Package bridge is the websocket link between the desktop host and the
// script runner daemon.
package bridge

import (
	"encoding/json"
	"fmt"
)

// MessageType represents different message types
type MessageType string

const (
	// Host → daemon
	MessageTypeRun     MessageType = "run"      // Launch a script
	MessageTypeStop    MessageType = "stop"     // Stop monitoring one run
	MessageTypeStopAll MessageType = "stop_all" // Stop monitoring every run

	// Daemon → host
	MessageTypeRunStarted   MessageType = "run_started"   // Window opened, packages installed
	MessageTypeOutput       MessageType = "output"        // One captured output line
	MessageTypeTraceback    MessageType = "traceback"     // A complete traceback
	MessageTypeFixRequested MessageType = "fix_requested" // User asked for a fix in the dialog
	MessageTypeComplete     MessageType = "complete"      // Run reached its outcome
	MessageTypeLaunchFailed MessageType = "launch_failed" // Terminal could not be opened
	MessageTypeError        MessageType = "error"
)

// Message represents a message sent/received via WebSocket
type Message struct {
	Type    MessageType     `json:"type"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageHandler is called when a message is received
type MessageHandler func(msg *Message)

// RunPayload asks the daemon to run a script.
type RunPayload struct {
	ScriptPath       string `json:"script_path"`
	RequirementsPath string `json:"requirements_path,omitempty"`
}

// StopPayload names the run to stop.
type StopPayload struct {
	RunID string `json:"run_id"`
}

// RunStartedPayload reports a launched run.
type RunStartedPayload struct {
	ScriptPath string   `json:"script_path"`
	Title      string   `json:"title"`
	Installed  []string `json:"installed"`
}

// OutputPayload carries one output line.
type OutputPayload struct {
	Line string `json:"line"`
}

// TracebackPayload carries a traceback, both when detected and when the user
// asks for a fix.
type TracebackPayload struct {
	Text string `json:"text"`
}

// CompletePayload reports a run's outcome.
type CompletePayload struct {
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

// ErrorPayload carries an error message.
type ErrorPayload struct {
	Message    string `json:"message"`
	ScriptPath string `json:"script_path,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload. payload may be nil.
func NewMessage(typ MessageType, runID string, payload any) (*Message, error) {
	msg := &Message{Type: typ, RunID: runID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
