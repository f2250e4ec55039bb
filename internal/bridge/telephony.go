package bridge

// Telephony media-stream wire frames. The gateway speaks JSON text frames
// over the /call websocket: start, media, mark, stop, and close inbound;
// media, mark, and clear outbound. Audio payloads are base64 G.711 µ-law at
// 8 kHz mono in both directions.

// Telephony frame event names.
const (
	telephonyStart = "start"
	telephonyMedia = "media"
	telephonyMark  = "mark"
	telephonyStop  = "stop"
	telephonyClose = "close"
	telephonyClear = "clear"
)

// telephonyFrame is one inbound frame from the media-streaming gateway. Only
// the section matching Event is populated.
type telephonyFrame struct {
	Event string        `json:"event"`
	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Mark  *markPayload  `json:"mark,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
}

// startPayload names the stream and call this websocket carries.
type startPayload struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

// mediaPayload carries one chunk of caller audio. Timestamp is milliseconds
// on the gateway's per-call clock and is the bridge's only time source for
// truncation arithmetic.
type mediaPayload struct {
	Timestamp int64  `json:"timestamp"`
	Payload   string `json:"payload"`
	Track     string `json:"track,omitempty"`
}

// markPayload acknowledges playback progress for a previously sent mark.
type markPayload struct {
	Name      string `json:"name"`
	StreamSid string `json:"streamSid,omitempty"`
}

type stopPayload struct {
	StreamSid string `json:"streamSid"`
}

// outboundMedia carries one chunk of assistant audio back to the caller.
type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaContent `json:"media"`
}

type mediaContent struct {
	Payload string `json:"payload"`
}

// outboundMark follows every outbound media frame so the gateway can report
// playback progress for the named assistant item.
type outboundMark struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Mark      markName `json:"mark"`
}

type markName struct {
	Name string `json:"name"`
}

// clearFrame tells the gateway to drop its buffered outbound playback. It
// carries the legacy event key and the newer type/track keys side by side;
// both gateway protocol generations accept the combined frame.
type clearFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Type      string `json:"type"`
	Track     string `json:"track"`
}

func newClearFrame(streamSid string) clearFrame {
	return clearFrame{
		Event:     telephonyClear,
		StreamSid: streamSid,
		Type:      telephonyClear,
		Track:     "outbound",
	}
}

// assistantMarkName names the playback-progress mark for an assistant item.
func assistantMarkName(itemID string) string {
	return "assistant_" + itemID
}
