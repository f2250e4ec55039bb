package realtime_test

import (
	"testing"

	"github.com/relaykit/relay/pkg/realtime"
)

func TestIsClientEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  string
		want bool
	}{
		{realtime.ClientSessionUpdate, true},
		{realtime.ClientInputAudioAppend, true},
		{realtime.ClientInputAudioCommit, true},
		{realtime.ClientInputAudioClear, true},
		{realtime.ClientItemCreate, true},
		{realtime.ClientItemRetrieve, true},
		{realtime.ClientItemTruncate, true},
		{realtime.ClientItemDelete, true},
		{realtime.ClientResponseCreate, true},
		{realtime.ClientResponseCancel, true},
		{realtime.ClientOutputAudioClear, true},
		{realtime.ServerError, false},
		{"response.output_audio.delta", false},
		{"bogus.event", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := realtime.IsClientEvent(tt.typ); got != tt.want {
			t.Errorf("IsClientEvent(%q) = %v; want %v", tt.typ, got, tt.want)
		}
	}
}

func TestIsServerEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  string
		want bool
	}{
		{realtime.ServerError, true},
		{realtime.ServerSessionCreated, true},
		{realtime.ServerSpeechStarted, true},
		{realtime.ServerResponseCreated, true},
		{realtime.ServerResponseDone, true},
		{realtime.ServerOutputAudioDelta, true},
		{realtime.ServerOutputItemDone, true},
		{realtime.ServerInputTranscriptCompleted, true},
		{"input_audio_buffer.committed", true},
		{"rate_limits.updated", true},
		{realtime.ClientSessionUpdate, false},
		{"bogus.event", false},
	}

	for _, tt := range tests {
		if got := realtime.IsServerEvent(tt.typ); got != tt.want {
			t.Errorf("IsServerEvent(%q) = %v; want %v", tt.typ, got, tt.want)
		}
	}
}

func TestParseServerEvent_AudioDelta(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"response.output_audio.delta","event_id":"ev_1","item_id":"item_7","delta":"AAEC"}`)
	ev, err := realtime.ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}

	if ev.Type != realtime.ServerOutputAudioDelta {
		t.Errorf("type = %q; want %q", ev.Type, realtime.ServerOutputAudioDelta)
	}
	if ev.ItemID != "item_7" {
		t.Errorf("item_id = %q; want item_7", ev.ItemID)
	}
	if ev.Delta != "AAEC" {
		t.Errorf("delta = %q; want AAEC", ev.Delta)
	}
	if string(ev.Raw) != string(raw) {
		t.Errorf("raw = %s; want the original bytes", ev.Raw)
	}
}

func TestParseServerEvent_FunctionCallItem(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "response.output_item.done",
		"item": {
			"id": "item_9",
			"type": "function_call",
			"status": "completed",
			"name": "get_weather_from_coords",
			"call_id": "call_3",
			"arguments": "{\"lat\":52.52,\"lng\":13.41}"
		}
	}`)
	ev, err := realtime.ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}

	if ev.Item == nil {
		t.Fatal("item missing")
	}
	if ev.Item.Type != "function_call" {
		t.Errorf("item type = %q; want function_call", ev.Item.Type)
	}
	if ev.Item.Name != "get_weather_from_coords" {
		t.Errorf("item name = %q", ev.Item.Name)
	}
	if ev.Item.CallID != "call_3" {
		t.Errorf("call_id = %q; want call_3", ev.Item.CallID)
	}
	if ev.Item.Arguments == "" {
		t.Error("arguments missing")
	}
}

func TestParseServerEvent_Error(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"error","error":{"type":"invalid_request_error","code":"input_audio_buffer_commit_empty","message":"buffer too small"}}`)
	ev, err := realtime.ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}

	if ev.Error == nil {
		t.Fatal("error detail missing")
	}
	if ev.Error.Code != realtime.ErrCodeCommitEmpty {
		t.Errorf("code = %q; want %q", ev.Error.Code, realtime.ErrCodeCommitEmpty)
	}
	if ev.Error.Message != "buffer too small" {
		t.Errorf("message = %q", ev.Error.Message)
	}
}

func TestParseServerEvent_MissingType(t *testing.T) {
	t.Parallel()

	if _, err := realtime.ParseServerEvent([]byte(`{"delta":"abc"}`)); err == nil {
		t.Error("event without type should not parse")
	}
	if _, err := realtime.ParseServerEvent([]byte(`not json`)); err == nil {
		t.Error("malformed JSON should not parse")
	}
}

func TestParseServerEvent_RawIsIndependent(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"response.created"}`)
	ev, err := realtime.ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}

	raw[2] = 'X'
	if string(ev.Raw) != `{"type":"response.created"}` {
		t.Error("raw should be a copy, not an alias of the input buffer")
	}
}
