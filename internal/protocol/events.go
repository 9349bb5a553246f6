// Package protocol defines the worker CLI event model and the line codec
// that turns NDJSON output lines into typed events.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType identifies a worker event variant.
type EventType string

const (
	EventStepStart  EventType = "step_start"
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventStepFinish EventType = "step_finish"
)

// Finish reasons carried by step_finish events.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool-calls"
)

// Event is one record emitted by the worker CLI on stdout. Part is kept raw
// so that fields beyond the ones we interpret survive a round-trip through
// the event log unchanged.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp float64         `json:"timestamp"`
	SessionID string          `json:"sessionID"`
	Part      json.RawMessage `json:"part"`
}

// StepStartPart is the payload of a step_start event.
type StepStartPart struct {
	ID       string `json:"id"`
	Snapshot string `json:"snapshot"`
}

// TextTime is the start/end pair attached to text events.
type TextTime struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// TextPart is the payload of a text event.
type TextPart struct {
	ID   string   `json:"id"`
	Text string   `json:"text"`
	Time TextTime `json:"time"`
}

// ToolStateMetadata carries tool execution details.
type ToolStateMetadata struct {
	Exit      *int `json:"exit,omitempty"`
	Truncated bool `json:"truncated"`
}

// ToolState describes the state of one tool invocation.
type ToolState struct {
	Status   string            `json:"status"` // completed, pending, error
	Input    map[string]any    `json:"input"`
	Output   string            `json:"output"`
	Metadata ToolStateMetadata `json:"metadata"`
}

// ToolUsePart is the payload of a tool_use event.
type ToolUsePart struct {
	ID     string    `json:"id"`
	Tool   string    `json:"tool"`
	CallID string    `json:"callID"`
	State  ToolState `json:"state"`
}

// TokenUsage is the token accounting attached to step_finish events.
type TokenUsage struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
}

// StepFinishPart is the payload of a step_finish event.
type StepFinishPart struct {
	ID     string     `json:"id"`
	Reason string     `json:"reason"` // stop, tool-calls
	Tokens TokenUsage `json:"tokens"`
	Cost   float64    `json:"cost"`
}

// lineProbe validates the structural shape of a line before it is accepted
// as an event. Pointer fields distinguish "absent" from "zero".
type lineProbe struct {
	Type      *string         `json:"type"`
	Timestamp *float64        `json:"timestamp"`
	SessionID *string         `json:"sessionID"`
	Part      json.RawMessage `json:"part"`
}

var knownTypes = map[EventType]bool{
	EventStepStart:  true,
	EventText:       true,
	EventToolUse:    true,
	EventStepFinish: true,
}

// ParseLine parses one NDJSON line into an Event. It returns an error for
// malformed lines and unknown event types; callers log and drop those
// without aborting the stream. Every field inside part is preserved
// verbatim in Part; top-level fields other than type, timestamp, sessionID
// and part are tolerated but not kept.
func ParseLine(line []byte) (*Event, error) {
	var probe lineProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if probe.Type == nil {
		return nil, fmt.Errorf("missing string field %q", "type")
	}
	if probe.Timestamp == nil {
		return nil, fmt.Errorf("missing number field %q", "timestamp")
	}
	if probe.SessionID == nil {
		return nil, fmt.Errorf("missing string field %q", "sessionID")
	}
	if !isJSONObject(probe.Part) {
		return nil, fmt.Errorf("missing object field %q", "part")
	}

	eventType := EventType(*probe.Type)
	if !knownTypes[eventType] {
		return nil, fmt.Errorf("unknown event type %q", *probe.Type)
	}

	return &Event{
		Type:      eventType,
		Timestamp: *probe.Timestamp,
		SessionID: *probe.SessionID,
		Part:      probe.Part,
	}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// TextPayload returns the text of a text event, or "" for any other event
// or an undecodable part.
func TextPayload(e *Event) string {
	if e == nil || e.Type != EventText {
		return ""
	}
	var part TextPart
	if err := json.Unmarshal(e.Part, &part); err != nil {
		return ""
	}
	return part.Text
}

// FinishReason returns the reason of a step_finish event, or "".
func FinishReason(e *Event) string {
	if e == nil || e.Type != EventStepFinish {
		return ""
	}
	var part StepFinishPart
	if err := json.Unmarshal(e.Part, &part); err != nil {
		return ""
	}
	return part.Reason
}

// IsCompletion reports whether the event is a step_finish with reason stop.
func IsCompletion(e *Event) bool {
	return FinishReason(e) == FinishReasonStop
}

// Tokens returns the token usage of a step_finish event. ok is false for
// other event types and undecodable parts.
func Tokens(e *Event) (TokenUsage, bool) {
	if e == nil || e.Type != EventStepFinish {
		return TokenUsage{}, false
	}
	var part StepFinishPart
	if err := json.Unmarshal(e.Part, &part); err != nil {
		return TokenUsage{}, false
	}
	return part.Tokens, true
}

// ToolUse returns the decoded part of a tool_use event.
func ToolUse(e *Event) (*ToolUsePart, error) {
	if e == nil || e.Type != EventToolUse {
		return nil, fmt.Errorf("not a tool_use event")
	}
	var part ToolUsePart
	if err := json.Unmarshal(e.Part, &part); err != nil {
		return nil, fmt.Errorf("failed to decode tool_use part: %w", err)
	}
	return &part, nil
}
