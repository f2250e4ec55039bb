package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

const (
	// DefaultBaseURL is the production realtime websocket endpoint.
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit must accommodate large audio delta events.
	readLimit = 16 << 20
)

// DialConfig configures a model connection. APIKey is required; everything
// else has a usable default.
type DialConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	BetaHeader string // optional OpenAI-Beta header value
	Logger     *slog.Logger

	// OnSend observes every client event after a successful write, still on
	// the sender's goroutine. It must not block. Nil disables the tap.
	OnSend func(data []byte)
}

// Client is a websocket connection to the realtime API. Server events are
// delivered on Events; outbound events go through the typed senders or
// SendRaw. All methods are safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	onSend func(data []byte)

	events chan ServerEvent
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial opens a websocket to the realtime API and starts the receive loop.
// The context bounds the handshake only; the connection itself lives until
// Close or a read failure.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime: dial: api key not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	if cfg.BetaHeader != "" {
		header.Set("OpenAI-Beta", cfg.BetaHeader)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: status %d: %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Host, err)
	}
	conn.SetReadLimit(readLimit)

	// The receive loop outlives the dial context; only Close or a read
	// failure ends it.
	recvCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		logger: cfg.Logger.With("component", "realtime"),
		onSend: cfg.OnSend,
		events: make(chan ServerEvent, 64),
		cancel: cancel,
	}
	go c.receiveLoop(recvCtx)
	return c, nil
}

// Events returns the stream of server events. The channel is closed when the
// connection ends; Err reports why.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

// Err returns the error that ended the receive loop, nil before the Events
// channel is closed or after a clean shutdown.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.events)
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.setErr(err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Warn("discarding non-text model message", "type", typ)
			continue
		}
		ev, err := ParseServerEvent(data)
		if err != nil {
			c.logger.Warn("discarding unparseable model event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			c.setErr(ctx.Err())
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Close tore down the connection; the read error is expected.
		return
	}
	c.err = err
}

// ── Outbound events ──────────────────────────────────────────────────────────

// UpdateSession sends session.update with the given session payload. The
// payload should already be sanitized.
func (c *Client) UpdateSession(ctx context.Context, session map[string]any) error {
	return c.writeJSON(ctx, sessionUpdateEvent{Type: ClientSessionUpdate, Session: session})
}

// AppendAudio sends one input_audio_buffer.append with base64 audio.
func (c *Client) AppendAudio(ctx context.Context, audioB64 string) error {
	return c.writeJSON(ctx, appendAudioEvent{Type: ClientInputAudioAppend, Audio: audioB64})
}

// CommitInput commits the input audio buffer into the conversation.
func (c *Client) CommitInput(ctx context.Context) error {
	return c.writeJSON(ctx, bareEvent{Type: ClientInputAudioCommit})
}

// ClearInput discards the uncommitted input audio buffer.
func (c *Client) ClearInput(ctx context.Context) error {
	return c.writeJSON(ctx, bareEvent{Type: ClientInputAudioClear})
}

// CreateResponse asks the model to start a response.
func (c *Client) CreateResponse(ctx context.Context) error {
	return c.writeJSON(ctx, bareEvent{Type: ClientResponseCreate})
}

// CancelResponse cancels the in-progress response.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.writeJSON(ctx, bareEvent{Type: ClientResponseCancel})
}

// TruncateItem cuts a conversation item's audio at audioEndMs so the
// conversation history matches what the caller actually heard.
func (c *Client) TruncateItem(ctx context.Context, itemID string, audioEndMs int64) error {
	return c.writeJSON(ctx, truncateItemEvent{
		Type:       ClientItemTruncate,
		ItemID:     itemID,
		AudioEndMs: audioEndMs,
	})
}

// CreateFunctionOutput adds a completed function_call_output item for the
// given call.
func (c *Client) CreateFunctionOutput(ctx context.Context, callID, output string) error {
	return c.writeJSON(ctx, createItemEvent{
		Type: ClientItemCreate,
		Item: Item{Type: "function_call_output", CallID: callID, Status: "completed", Output: output},
	})
}

// SendRaw forwards a pre-encoded client event. The event type is checked
// against the known client event set so nothing the API would reject leaves
// the process.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("realtime: send raw: %w", err)
	}
	if !IsClientEvent(head.Type) {
		return fmt.Errorf("realtime: send raw: %q is not a client event", head.Type)
	}
	return c.write(ctx, data)
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("realtime: write: connection closed")
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	if c.onSend != nil {
		c.onSend(data)
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "session ended")
}
