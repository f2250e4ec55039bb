package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/archive"
	"github.com/relaykit/relay/internal/functions"
	"github.com/relaykit/relay/internal/observe"
	"github.com/relaykit/relay/pkg/realtime"
)

// Config carries the bridge's wiring. Zero values fall back to sane
// defaults; only APIKey is genuinely required to reach the real endpoint.
type Config struct {
	// APIKey authenticates the model leg.
	APIKey string

	// BaseURL overrides the realtime endpoint, mainly for tests.
	BaseURL string

	// Model is the default model id pinned into the connect URL.
	Model string

	// BetaHeader, when set, is sent as the OpenAI-Beta header on dials.
	BetaHeader string

	// Template seeds every session's default config.
	Template realtime.SessionTemplate

	// Functions resolves model-initiated tool calls. Nil means an empty
	// registry: every call answers with a no-handler error object.
	Functions *functions.Registry

	// Archive persists call records and transcripts. Nil disables archiving.
	Archive *archive.Archive

	// Summariser writes a call summary at teardown. Only used with Archive.
	Summariser archive.Summariser

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Option tweaks manager behavior beyond Config.
type Option func(*Manager)

// WithCommitDelay overrides the audio commit debounce window.
func WithCommitDelay(d time.Duration) Option {
	return func(m *Manager) { m.commitDelay = d }
}

// WithMinCommitBytes overrides the smallest committable audio segment.
func WithMinCommitBytes(n int) Option {
	return func(m *Manager) { m.minCommitBytes = n }
}

// WithReconnectDelay overrides the model redial grace period.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithHelloMessage overrides the greeting sent to attaching observers.
func WithHelloMessage(msg string) Option {
	return func(m *Manager) { m.helloMessage = msg }
}

// Manager owns the observer hub and one Session per live call. It hands the
// /call and /logs websockets to their respective pumps and fans observer
// frames out to every session.
type Manager struct {
	apiKey     string
	baseURL    string
	model      string
	betaHeader string
	template   realtime.SessionTemplate
	functions  *functions.Registry
	archive    *archive.Archive
	summariser archive.Summariser
	metrics    *observe.Metrics
	logger     *slog.Logger
	hub        *Hub

	commitDelay    time.Duration
	reconnectDelay time.Duration
	minCommitBytes int
	helloMessage   string

	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[*Session]struct{}
	byCall   map[string]*Session

	// seed is the latest observer-saved session config, applied to calls
	// that start after it was received.
	seed map[string]any
}

// NewManager wires a bridge manager from cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	registry := cfg.Functions
	if registry == nil {
		registry = functions.NewRegistry()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = realtime.DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = realtime.DefaultModel
	}

	m := &Manager{
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		model:          model,
		betaHeader:     cfg.BetaHeader,
		template:       cfg.Template,
		functions:      registry,
		archive:        cfg.Archive,
		summariser:     cfg.Summariser,
		metrics:        metrics,
		logger:         logger,
		commitDelay:    pendingCommitDelay,
		reconnectDelay: reconnectDelay,
		minCommitBytes: minCommitBytes,
		sessions:       make(map[*Session]struct{}),
		byCall:         make(map[string]*Session),
		seed:           map[string]any{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.hub = NewHub(logger, metrics, m.helloMessage)
	return m
}

func (m *Manager) newSession(conn *websocket.Conn) *Session {
	id := uuid.NewString()
	s := &Session{
		id:             id,
		mgr:            m,
		logger:         m.logger.With("session_id", id),
		metrics:        m.metrics,
		telephony:      conn,
		telephonyIn:    make(chan telephonyFrame, inboxBuffer),
		dialResults:    make(chan dialResult),
		observerIn:     make(chan []byte, inboxBuffer),
		funcResults:    make(chan functionResult, inboxBuffer),
		telephonyOpen:  true,
		defaultSession: m.template.Build(),
		savedConfig:    m.configSeed(),
	}
	s.inputSpec = specOrDefault(m.template.InputFormat, m.template.InputRate)
	s.outputSpec = specOrDefault(m.template.OutputFormat, m.template.OutputRate)
	if m.archive != nil {
		s.archiveCh = make(chan func(context.Context), archiveBuffer)
		s.wg.Add(1)
		go s.archiveLoop()
	}
	return s
}

// ── Websocket handlers ───────────────────────────────────────────────────────

// HandleCall terminates a telephony media-stream websocket. It blocks for
// the lifetime of the call.
func (m *Manager) HandleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		m.logger.Warn("telephony websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(telephonyReadLimit)

	s := m.newSession(conn)
	m.track(s)
	defer m.untrack(s)

	m.wg.Add(1)
	defer m.wg.Done()

	s.run(r.Context())
}

// HandleLogs terminates an observer websocket: attach to the hub, then route
// inbound frames until the peer goes away.
func (m *Manager) HandleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		m.logger.Warn("observer websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(observerReadLimit)

	m.wg.Add(1)
	defer m.wg.Done()

	ctx := r.Context()
	o := m.hub.Add(ctx, conn)
	defer func() {
		m.hub.Remove(ctx, o)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		m.routeObserverFrame(ctx, data)
	}
}

// routeObserverFrame interprets one observer frame and fans it out to every
// live session. session.update frames additionally become the seed config
// for calls that have not started yet.
func (m *Manager) routeObserverFrame(ctx context.Context, data []byte) {
	var head struct {
		Type    string         `json:"type"`
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		m.logger.Debug("malformed observer frame dropped", "error", err)
		return
	}

	if head.Type == realtime.ClientSessionUpdate {
		sanitized := realtime.Sanitize(head.Session)
		m.mu.Lock()
		m.seed = sanitized
		m.mu.Unlock()
	} else if !realtime.IsClientEvent(head.Type) {
		m.logger.Warn("unknown observer client event dropped", "type", head.Type)
		return
	}

	for _, s := range m.liveSessions() {
		select {
		case s.observerIn <- data:
		default:
			m.logger.Warn("session observer queue full, frame dropped", "session_id", s.id)
		}
	}
}

// ── Session registry ─────────────────────────────────────────────────────────

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// register indexes s by call sid once the start frame named it.
func (m *Manager) register(s *Session) {
	if s.callSid == "" {
		return
	}
	m.mu.Lock()
	if prev, ok := m.byCall[s.callSid]; ok && prev != s {
		m.logger.Warn("duplicate call sid, replacing session", "call_sid", s.callSid)
	}
	m.byCall[s.callSid] = s
	m.mu.Unlock()
}

func (m *Manager) unregister(s *Session) {
	if s.callSid == "" {
		return
	}
	m.mu.Lock()
	if m.byCall[s.callSid] == s {
		delete(m.byCall, s.callSid)
	}
	m.mu.Unlock()
}

func (m *Manager) liveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// configSeed snapshots the observer-saved config for a new session.
func (m *Manager) configSeed() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return realtime.MergeSession(m.seed, nil)
}

// ActiveCalls lists the call sids of sessions past their start frame.
func (m *Manager) ActiveCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byCall))
	for sid := range m.byCall {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

// Shutdown closes every live call and observer and waits, bounded by ctx,
// for their handlers to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.liveSessions() {
		s.telephony.Close(websocket.StatusGoingAway, "server shutting down")
	}
	m.hub.Close(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
