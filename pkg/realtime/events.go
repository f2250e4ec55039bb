// Package realtime implements the JSON event protocol spoken by the model's
// realtime websocket endpoint: the registry of client and server event types,
// the session-payload sanitizer, the default session builder, and a websocket
// client.
//
// The protocol is a stream of JSON objects with a required "type" string.
// Client events flow toward the model; server events flow back. The registry
// is the gate for everything the bridge emits: an outbound event whose type is
// not in [ClientEventTypes] is dropped by [Client.SendRaw] with a warning.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Client event types: the complete set the bridge may emit toward the model.
const (
	ClientSessionUpdate    = "session.update"
	ClientInputAudioAppend = "input_audio_buffer.append"
	ClientInputAudioCommit = "input_audio_buffer.commit"
	ClientInputAudioClear  = "input_audio_buffer.clear"
	ClientItemCreate       = "conversation.item.create"
	ClientItemRetrieve     = "conversation.item.retrieve"
	ClientItemTruncate     = "conversation.item.truncate"
	ClientItemDelete       = "conversation.item.delete"
	ClientResponseCreate   = "response.create"
	ClientResponseCancel   = "response.cancel"
	ClientOutputAudioClear = "output_audio_buffer.clear"
)

// Server event types the bridge reacts to by name. The full accepted set lives
// in [ServerEventTypes]; events outside it are still forwarded to observers
// (forward-anything, warn-unknown).
const (
	ServerError                    = "error"
	ServerSessionCreated           = "session.created"
	ServerSessionUpdated           = "session.updated"
	ServerSpeechStarted            = "input_audio_buffer.speech_started"
	ServerResponseCreated          = "response.created"
	ServerResponseDone             = "response.done"
	ServerOutputItemDone           = "response.output_item.done"
	ServerOutputAudioDelta         = "response.output_audio.delta"
	ServerOutputTranscriptDone     = "response.output_audio_transcript.done"
	ServerInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
)

// Error codes the bridge handles specially on a server "error" event.
const (
	ErrCodeCommitEmpty    = "input_audio_buffer_commit_empty"
	ErrCodeActiveResponse = "conversation_already_has_active_response"
)

// ClientEventTypes enumerates every event type the bridge is allowed to send.
var ClientEventTypes = map[string]struct{}{
	ClientSessionUpdate:    {},
	ClientInputAudioAppend: {},
	ClientInputAudioCommit: {},
	ClientInputAudioClear:  {},
	ClientItemCreate:       {},
	ClientItemRetrieve:     {},
	ClientItemTruncate:     {},
	ClientItemDelete:       {},
	ClientResponseCreate:   {},
	ClientResponseCancel:   {},
	ClientOutputAudioClear: {},
}

// ServerEventTypes enumerates the documented event types the model emits.
var ServerEventTypes = map[string]struct{}{
	ServerError:          {},
	ServerSessionCreated: {},
	ServerSessionUpdated: {},

	"conversation.item.added":     {},
	"conversation.item.done":      {},
	"conversation.item.retrieved": {},
	"conversation.item.truncated": {},
	"conversation.item.deleted":   {},

	ServerInputTranscriptCompleted:                        {},
	"conversation.item.input_audio_transcription.delta":   {},
	"conversation.item.input_audio_transcription.segment": {},
	"conversation.item.input_audio_transcription.failed":  {},

	"input_audio_buffer.committed":         {},
	"input_audio_buffer.cleared":           {},
	ServerSpeechStarted:                    {},
	"input_audio_buffer.speech_stopped":    {},
	"input_audio_buffer.timeout_triggered": {},

	"output_audio_buffer.started": {},
	"output_audio_buffer.stopped": {},
	"output_audio_buffer.cleared": {},

	ServerResponseCreated: {},
	ServerResponseDone:    {},

	"response.output_item.added": {},
	ServerOutputItemDone:         {},

	ServerOutputAudioDelta:       {},
	"response.output_audio.done": {},

	"response.output_audio_transcript.delta": {},
	ServerOutputTranscriptDone:               {},

	"response.output_text.delta": {},
	"response.output_text.done":  {},

	"response.content_part.added": {},
	"response.content_part.done":  {},
}

// IsClientEvent reports whether t is an emittable client event type.
func IsClientEvent(t string) bool {
	_, ok := ClientEventTypes[t]
	return ok
}

// IsServerEvent reports whether t is a documented server event type.
func IsServerEvent(t string) bool {
	_, ok := ServerEventTypes[t]
	return ok
}

// Item is a conversation item as it appears in client and server events.
// Only the fields the bridge reads or writes are modelled; everything else
// rides along in the event's Raw form.
type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Status    string `json:"status,omitempty"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ErrorDetail is the nested error object of a server "error" event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerEvent is a decoded model event. It is a flat projection over the ~40
// heterogeneous event bodies: a field is populated only when the event type
// carries it. Raw preserves the original document so observers receive server
// events verbatim, including types this struct knows nothing about.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Item       *Item        `json:"item,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseServerEvent decodes a raw model frame into a [ServerEvent], keeping the
// original bytes in Raw.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("realtime: parse server event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("realtime: server event without type")
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// ── Outgoing event shapes ─────────────────────────────────────────────────────

type appendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareEvent struct {
	Type string `json:"type"`
}

type createItemEvent struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type truncateItemEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type sessionUpdateEvent struct {
	Type    string         `json:"type"`
	Session map[string]any `json:"session"`
}
