// Package bridge implements the realtime session bridge: the per-call actor
// that shuttles audio and events between the telephony media stream, the
// model's realtime socket, and the observer dashboards.
//
// Each call is owned by a single goroutine consuming inbound traffic from all
// legs over channels. Every piece of session state is touched only by that
// goroutine, so the response gate, the audio byte counters, and the
// truncation arithmetic never need locks.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relaykit/relay/internal/observe"
	"github.com/relaykit/relay/pkg/realtime"
)

const (
	// pendingCommitDelay is the debounce window after the most recent media
	// frame before buffered caller audio is committed.
	pendingCommitDelay = 120 * time.Millisecond

	// minCommitBytes is the smallest audio segment the model accepts per
	// commit: 120 ms of µ-law at 8 kHz, one byte per sample.
	minCommitBytes = 960

	// reconnectDelay is the grace period before redialing the model after
	// its socket drops while the call is still up.
	reconnectDelay = 200 * time.Millisecond

	dialTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	inboxBuffer      = 64
	archiveBuffer    = 64
	archiveOpTimeout = 30 * time.Second

	telephonyReadLimit = 1 << 20
	observerReadLimit  = 1 << 20
)

// Transcript speaker labels.
const (
	speakerCaller    = "caller"
	speakerAssistant = "assistant"
)

// dialResult re-enters the actor after an asynchronous model dial.
type dialResult struct {
	seq    int
	model  string
	client *realtime.Client
	err    error
}

// functionResult re-enters the actor after an asynchronous function call.
type functionResult struct {
	callID string
	output string
}

// Session is the per-call actor state. Fields below the channel block are
// owned by the run goroutine and must not be touched from anywhere else.
type Session struct {
	id      string
	mgr     *Manager
	logger  *slog.Logger
	metrics *observe.Metrics

	telephony *websocket.Conn
	cancel    context.CancelFunc

	telephonyIn chan telephonyFrame
	dialResults chan dialResult
	observerIn  chan []byte
	funcResults chan functionResult
	archiveCh   chan func(context.Context)
	wg          sync.WaitGroup

	telephonyOpen bool
	streamSid     string
	callSid       string

	model       *realtime.Client
	modelIn     <-chan realtime.ServerEvent
	dialing     bool
	dialSeq     int
	activeModel string

	defaultSession map[string]any
	savedConfig    map[string]any
	inputSpec      realtime.FormatSpec
	outputSpec     realtime.FormatSpec

	latestMediaTimestamp int64
	responseStartMs      int64
	responseStartSet     bool

	hasBufferedAudio  bool
	pendingAudioBytes uint64

	responseInProgress        bool
	responseCreateQueued      bool
	responseCreateForceQueued bool
	committedAudioPending     bool

	responseOutputAudioBytes uint64
	lastAssistantItem        string

	commitTimer    *time.Timer
	commitC        <-chan time.Time
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
}

// ── Actor loop ───────────────────────────────────────────────────────────────

// run drives the session until the telephony leg goes away. It is called
// from the /call handler goroutine and blocks for the lifetime of the call.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.wg.Add(1)
	go s.readTelephony(ctx, s.logger)

	defer s.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-s.telephonyIn:
			if !ok {
				return
			}
			if s.handleTelephonyFrame(ctx, frame) {
				return
			}

		case ev, ok := <-s.modelIn:
			if !ok {
				// Nil the channel before anything else: a closed channel is
				// always ready and would spin the loop.
				s.modelIn = nil
				var err error
				if s.model != nil {
					err = s.model.Err()
				}
				s.handleModelClosed(ctx, err)
				continue
			}
			if err := s.handleModelEvent(ctx, ev); err != nil {
				s.logger.Warn("telephony write failed", "error", err)
				return
			}

		case res := <-s.dialResults:
			s.handleDialResult(ctx, res)

		case data := <-s.observerIn:
			s.handleObserverFrame(ctx, data)

		case res := <-s.funcResults:
			s.handleFunctionResult(ctx, res)

		case <-s.commitC:
			s.commitC = nil
			s.flushPendingAudio(ctx, false)

		case <-s.reconnectC:
			s.reconnectC = nil
			if s.telephonyOpen && s.model == nil && !s.dialing {
				s.metrics.ModelReconnects.Add(ctx, 1)
				s.connectModel(ctx)
			}
		}
	}
}

// readTelephony pumps parsed frames from the telephony socket into the actor.
// Closing telephonyIn is the actor's signal that the leg is gone.
func (s *Session) readTelephony(ctx context.Context, logger *slog.Logger) {
	defer s.wg.Done()
	defer close(s.telephonyIn)
	for {
		typ, data, err := s.telephony.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var frame telephonyFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("malformed telephony frame dropped", "error", err)
			continue
		}
		if frame.Event == "" {
			logger.Debug("telephony frame without event dropped")
			continue
		}
		select {
		case s.telephonyIn <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// ── Telephony leg ────────────────────────────────────────────────────────────

// handleTelephonyFrame reports true when the frame ends the call.
func (s *Session) handleTelephonyFrame(ctx context.Context, frame telephonyFrame) bool {
	s.metrics.RecordTelephonyFrame(ctx, frame.Event)
	switch frame.Event {
	case telephonyStart:
		s.handleStart(ctx, frame.Start)
	case telephonyMedia:
		s.handleMedia(ctx, frame.Media)
	case telephonyMark:
		if frame.Mark != nil {
			s.logger.Debug("playback mark acknowledged", "mark", frame.Mark.Name)
		}
	case telephonyStop:
		s.logger.Info("media stream stopped", "stream_sid", s.streamSid)
	case telephonyClose:
		return true
	default:
		s.logger.Debug("unhandled telephony event", "event", frame.Event)
	}
	return false
}

func (s *Session) handleStart(ctx context.Context, start *startPayload) {
	if start == nil {
		s.logger.Debug("start frame without payload dropped")
		return
	}
	s.streamSid = start.StreamSid
	s.callSid = start.CallSid
	s.logger = s.logger.With("call_sid", s.callSid, "stream_sid", s.streamSid)

	s.latestMediaTimestamp = 0
	s.responseStartMs = 0
	s.resetModelState()

	s.mgr.register(s)
	s.mgr.hub.AnnounceCallState(ctx, CallStateActive, s.callSid)

	callSid, streamSid, logger := s.callSid, s.streamSid, s.logger
	s.archiveDo(func(ctx context.Context) {
		if err := s.mgr.archive.StartCall(ctx, callSid, streamSid); err != nil {
			logger.Warn("archive start failed", "error", err)
		}
	})

	s.logger.Info("call started")
	s.connectModel(ctx)
}

func (s *Session) handleMedia(ctx context.Context, media *mediaPayload) {
	if media == nil {
		return
	}
	s.latestMediaTimestamp = media.Timestamp

	raw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		s.logger.Debug("undecodable media payload dropped", "error", err)
		return
	}
	if len(raw) == 0 {
		return
	}
	if s.model == nil {
		return
	}
	if err := s.model.AppendAudio(ctx, media.Payload); err != nil {
		s.logger.Warn("audio append failed", "error", err)
		return
	}
	s.hasBufferedAudio = true
	s.pendingAudioBytes += uint64(len(raw))
	s.metrics.RecordAudioBytes(ctx, "in", len(raw))
	s.armCommitTimer()
}

// ── Commit debounce and response gate ────────────────────────────────────────

func (s *Session) armCommitTimer() {
	if s.commitTimer == nil {
		s.commitTimer = time.NewTimer(s.mgr.commitDelay)
		s.commitC = s.commitTimer.C
		return
	}
	if !s.commitTimer.Stop() {
		select {
		case <-s.commitTimer.C:
		default:
		}
	}
	s.commitTimer.Reset(s.mgr.commitDelay)
	s.commitC = s.commitTimer.C
}

func (s *Session) disarmCommitTimer() {
	if s.commitTimer == nil {
		return
	}
	if !s.commitTimer.Stop() {
		select {
		case <-s.commitTimer.C:
		default:
		}
	}
	s.commitC = nil
}

// flushPendingAudio commits the buffered caller audio. Segments below the
// model's minimum are re-armed for later, or discarded when force is set
// (the call is ending and nothing more will arrive).
func (s *Session) flushPendingAudio(ctx context.Context, force bool) {
	if !s.hasBufferedAudio || s.model == nil {
		return
	}
	if s.pendingAudioBytes < uint64(s.mgr.minCommitBytes) {
		if !force {
			s.metrics.RecordCommit(ctx, "rearmed", 0)
			s.armCommitTimer()
			return
		}
		s.metrics.RecordCommit(ctx, "discarded", 0)
		s.hasBufferedAudio = false
		s.pendingAudioBytes = 0
		return
	}
	if err := s.model.CommitInput(ctx); err != nil {
		s.logger.Warn("audio commit failed", "error", err)
		return
	}
	s.metrics.RecordCommit(ctx, "committed", float64(s.inputSpec.DurationMs(s.pendingAudioBytes))/1000)
	s.hasBufferedAudio = false
	s.pendingAudioBytes = 0
	s.committedAudioPending = true
	s.requestResponseCreate(ctx, false)
}

// requestResponseCreate is the gate in front of response.create. At most one
// response is in flight; extra requests coalesce into a single queued retry
// that fires on response.done. Non-forced requests only pass when committed
// audio is actually waiting for a reply.
func (s *Session) requestResponseCreate(ctx context.Context, force bool) {
	if s.model == nil {
		return
	}
	if !force && !s.committedAudioPending {
		return
	}
	if s.responseInProgress {
		s.responseCreateQueued = true
		s.responseCreateForceQueued = s.responseCreateForceQueued || force
		return
	}
	s.responseInProgress = true
	s.responseCreateQueued = false
	s.responseCreateForceQueued = force
	if !force {
		s.committedAudioPending = false
	}
	if err := s.model.CreateResponse(ctx); err != nil {
		s.logger.Warn("response create failed", "error", err)
	}
}

// ── Model leg: dialing ───────────────────────────────────────────────────────

// connectModel starts an asynchronous dial toward the realtime endpoint. The
// result re-enters the actor through dialResults.
func (s *Session) connectModel(ctx context.Context) {
	if !s.telephonyOpen || s.model != nil || s.dialing {
		return
	}
	s.dialing = true
	s.dialSeq++
	seq := s.dialSeq

	cfg := realtime.DialConfig{
		BaseURL:    s.mgr.baseURL,
		Model:      s.dialModel(),
		APIKey:     s.mgr.apiKey,
		BetaHeader: s.mgr.betaHeader,
		Logger:     s.logger,
		OnSend:     func(data []byte) { s.mirrorClientEvent(ctx, data) },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		client, err := realtime.Dial(dialCtx, cfg)
		select {
		case s.dialResults <- dialResult{seq: seq, model: cfg.Model, client: client, err: err}:
		case <-ctx.Done():
			if client != nil {
				client.Close()
			}
		}
	}()
}

// dialModel is the model id pinned into the connect URL: an observer-saved
// override when present, the configured default otherwise.
func (s *Session) dialModel() string {
	if m, ok := s.savedConfig["model"].(string); ok && m != "" {
		return m
	}
	return s.mgr.model
}

func (s *Session) handleDialResult(ctx context.Context, res dialResult) {
	s.dialing = false
	if res.seq != s.dialSeq || !s.telephonyOpen {
		if res.client != nil {
			res.client.Close()
		}
		return
	}
	if res.err != nil {
		s.logger.Warn("model dial failed", "model", res.model, "error", res.err)
		s.mgr.hub.AnnounceCallState(ctx, CallStateModelDisconnected, s.callSid)
		s.armReconnectTimer()
		return
	}
	// The observer may have switched models while this dial was in flight.
	if res.model != s.dialModel() {
		res.client.Close()
		s.connectModel(ctx)
		return
	}
	s.adoptModel(ctx, res.client, res.model)
}

// adoptModel installs a freshly dialed connection and pushes the effective
// session config: observer overrides deep-merged over the defaults, the
// model field stripped because the model id is already pinned by the URL.
func (s *Session) adoptModel(ctx context.Context, client *realtime.Client, model string) {
	s.model = client
	s.modelIn = client.Events()
	s.activeModel = model
	s.disarmReconnectTimer()

	merged := realtime.MergeSession(s.defaultSession, s.savedConfig)
	delete(merged, "model")
	merged = realtime.Sanitize(merged)

	s.inputSpec = effectiveSpec(merged, "input", s.mgr.template.InputFormat, s.mgr.template.InputRate)
	s.outputSpec = effectiveSpec(merged, "output", s.mgr.template.OutputFormat, s.mgr.template.OutputRate)

	if err := client.UpdateSession(ctx, merged); err != nil {
		s.logger.Warn("session update failed", "error", err)
	}
	s.logger.Info("model connected", "model", model)
}

// effectiveSpec derives byte accounting from a sanitized session's audio
// section, falling back to the configured template format. Sanitized format
// objects hold the rate as an int when they carry one at all.
func effectiveSpec(config map[string]any, section, fallbackFormat string, fallbackRate int) realtime.FormatSpec {
	if audio, ok := config["audio"].(map[string]any); ok {
		if sec, ok := audio[section].(map[string]any); ok {
			if format, ok := sec["format"].(map[string]any); ok {
				name, _ := format["type"].(string)
				rate, _ := format["rate"].(int)
				if spec, ok := realtime.SpecFor(name, rate); ok {
					return spec
				}
			}
		}
	}
	return specOrDefault(fallbackFormat, fallbackRate)
}

func specOrDefault(format string, rate int) realtime.FormatSpec {
	if spec, ok := realtime.SpecFor(format, rate); ok {
		return spec
	}
	spec, _ := realtime.SpecFor(realtime.DefaultTelephonyFormat, realtime.DefaultTelephonyRate)
	return spec
}

// ── Model leg: lifecycle ─────────────────────────────────────────────────────

// handleModelClosed reacts to the model-side receive loop ending on its own.
func (s *Session) handleModelClosed(ctx context.Context, err error) {
	if s.model == nil {
		return
	}
	if err != nil {
		s.logger.Warn("model connection lost", "error", err)
	} else {
		s.logger.Info("model connection closed")
	}
	s.model.Close()
	s.detachModel(ctx)
}

// closeModel deliberately drops the model connection.
func (s *Session) closeModel(ctx context.Context, reason string) {
	if s.model == nil {
		return
	}
	s.logger.Info("closing model connection", "reason", reason)
	s.model.Close()
	s.detachModel(ctx)
}

func (s *Session) detachModel(ctx context.Context) {
	s.model = nil
	s.modelIn = nil
	s.resetModelState()
	if !s.telephonyOpen {
		return
	}
	s.mgr.hub.AnnounceCallState(ctx, CallStateModelDisconnected, s.callSid)
	s.armReconnectTimer()
}

// resetModelState drops bookkeeping that is only meaningful against a live
// model conversation. A reconnect starts a fresh conversation; stale item
// ids and uncommitted audio mean nothing to it.
func (s *Session) resetModelState() {
	s.hasBufferedAudio = false
	s.pendingAudioBytes = 0
	s.committedAudioPending = false
	s.responseInProgress = false
	s.responseCreateQueued = false
	s.responseCreateForceQueued = false
	s.responseOutputAudioBytes = 0
	s.lastAssistantItem = ""
	s.responseStartSet = false
	s.disarmCommitTimer()
}

func (s *Session) armReconnectTimer() {
	if s.reconnectTimer == nil {
		s.reconnectTimer = time.NewTimer(s.mgr.reconnectDelay)
		s.reconnectC = s.reconnectTimer.C
		return
	}
	if !s.reconnectTimer.Stop() {
		select {
		case <-s.reconnectTimer.C:
		default:
		}
	}
	s.reconnectTimer.Reset(s.mgr.reconnectDelay)
	s.reconnectC = s.reconnectTimer.C
}

func (s *Session) disarmReconnectTimer() {
	if s.reconnectTimer == nil {
		return
	}
	if !s.reconnectTimer.Stop() {
		select {
		case <-s.reconnectTimer.C:
		default:
		}
	}
	s.reconnectC = nil
}

// ── Model leg: inbound events ────────────────────────────────────────────────

// handleModelEvent broadcasts the raw event to observers first, then applies
// the bridge's own handling. A returned error means a telephony write failed
// and the session must end.
func (s *Session) handleModelEvent(ctx context.Context, ev realtime.ServerEvent) error {
	s.metrics.RecordModelEvent(ctx, ev.Type)
	s.mgr.hub.Broadcast(ctx, ev.Raw)

	switch ev.Type {
	case realtime.ServerError:
		s.handleModelError(ev)

	case realtime.ServerSpeechStarted:
		return s.truncateAssistantAudio(ctx)

	case realtime.ServerOutputAudioDelta:
		return s.handleAudioDelta(ctx, ev)

	case realtime.ServerResponseCreated:
		s.responseInProgress = true
		s.responseOutputAudioBytes = 0
		if !s.responseCreateForceQueued {
			s.committedAudioPending = false
		}

	case realtime.ServerResponseDone:
		s.handleResponseDone(ctx)

	case realtime.ServerOutputItemDone:
		s.handleOutputItemDone(ctx, ev)

	case realtime.ServerInputTranscriptCompleted:
		s.recordTranscript(speakerCaller, ev.Transcript)

	case realtime.ServerOutputTranscriptDone:
		s.recordTranscript(speakerAssistant, ev.Transcript)

	default:
		if !realtime.IsServerEvent(ev.Type) {
			s.logger.Debug("undocumented model event forwarded", "type", ev.Type)
		}
	}
	return nil
}

func (s *Session) handleModelError(ev realtime.ServerEvent) {
	var code, message string
	if ev.Error != nil {
		code = ev.Error.Code
		message = ev.Error.Message
	}
	switch code {
	case realtime.ErrCodeCommitEmpty:
		// The commit raced an empty buffer; drop the stale flags and wait
		// for more audio.
		s.hasBufferedAudio = false
		s.pendingAudioBytes = 0
		s.committedAudioPending = false

	case realtime.ErrCodeActiveResponse:
		s.responseInProgress = true
		s.responseCreateQueued = true

	default:
		s.logger.Warn("model error", "code", code, "message", message)
	}
}

func (s *Session) handleResponseDone(ctx context.Context) {
	s.responseInProgress = false
	s.responseOutputAudioBytes = 0
	s.responseStartMs = 0
	s.responseStartSet = false
	if s.responseCreateQueued {
		force := s.responseCreateForceQueued
		s.responseCreateQueued = false
		s.responseCreateForceQueued = false
		s.requestResponseCreate(ctx, force)
		return
	}
	s.responseCreateForceQueued = false
}

// handleAudioDelta accounts the assistant audio bytes and relays the payload
// to the caller, followed by a playback-progress mark for the same item.
func (s *Session) handleAudioDelta(ctx context.Context, ev realtime.ServerEvent) error {
	raw, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		s.logger.Debug("undecodable audio delta dropped", "error", err)
		return nil
	}
	if ev.ItemID != s.lastAssistantItem {
		s.lastAssistantItem = ev.ItemID
		s.responseOutputAudioBytes = 0
	}
	s.responseOutputAudioBytes += uint64(len(raw))
	if !s.responseStartSet {
		s.responseStartMs = s.latestMediaTimestamp
		s.responseStartSet = true
	}
	s.metrics.RecordAudioBytes(ctx, "out", len(raw))

	if s.streamSid == "" {
		return nil
	}
	if err := s.writeTelephony(ctx, outboundMedia{
		Event:     telephonyMedia,
		StreamSid: s.streamSid,
		Media:     mediaContent{Payload: ev.Delta},
	}); err != nil {
		return err
	}
	return s.writeTelephony(ctx, outboundMark{
		Event:     telephonyMark,
		StreamSid: s.streamSid,
		Mark:      markName{Name: assistantMarkName(ev.ItemID)},
	})
}

// truncateAssistantAudio cuts the in-flight assistant reply at the moment
// the caller started talking over it. The end offset is the elapsed playback
// time, capped by how much audio was actually emitted for the item.
func (s *Session) truncateAssistantAudio(ctx context.Context) error {
	if s.lastAssistantItem == "" || !s.responseStartSet {
		return nil
	}
	requestedMs := s.latestMediaTimestamp - s.responseStartMs
	if requestedMs < 0 {
		requestedMs = 0
	}
	endMs := requestedMs
	if availableMs := s.outputSpec.DurationMs(s.responseOutputAudioBytes); availableMs > 0 && availableMs < endMs {
		endMs = availableMs
	}

	if s.model != nil {
		if err := s.model.TruncateItem(ctx, s.lastAssistantItem, endMs); err != nil {
			s.logger.Warn("assistant item truncate failed", "error", err)
		}
	}
	s.metrics.Truncations.Add(ctx, 1)
	s.logger.Debug("assistant reply truncated",
		"item_id", s.lastAssistantItem, "audio_end_ms", endMs, "requested_ms", requestedMs)

	var writeErr error
	if s.streamSid != "" {
		writeErr = s.writeTelephony(ctx, newClearFrame(s.streamSid))
	}
	s.lastAssistantItem = ""
	s.responseStartSet = false
	s.responseOutputAudioBytes = 0
	return writeErr
}

// ── Function dispatch ────────────────────────────────────────────────────────

func (s *Session) handleOutputItemDone(ctx context.Context, ev realtime.ServerEvent) {
	if ev.Item == nil || ev.Item.Type != "function_call" {
		return
	}
	s.dispatchFunctionCall(ctx, ev.Item.Name, ev.Item.CallID, ev.Item.Arguments)
}

// dispatchFunctionCall runs the handler off the actor goroutine so a slow
// function never stalls audio. The result re-enters through funcResults.
func (s *Session) dispatchFunctionCall(ctx context.Context, name, callID, args string) {
	s.logger.Info("function call dispatched", "function", name, "call_id", callID)
	logger := s.logger
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		output, err := s.mgr.functions.Dispatch(ctx, name, args)
		status := "ok"
		if err != nil {
			status = "error"
			logger.Warn("function call failed", "function", name, "error", err)
		}
		s.metrics.RecordFunctionCall(ctx, name, status, time.Since(start).Seconds())
		select {
		case s.funcResults <- functionResult{callID: callID, output: output}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleFunctionResult(ctx context.Context, res functionResult) {
	if s.model == nil {
		return
	}
	if err := s.model.CreateFunctionOutput(ctx, res.callID, res.output); err != nil {
		s.logger.Warn("function output create failed", "error", err)
		return
	}
	s.requestResponseCreate(ctx, true)
}

// ── Observer frames ──────────────────────────────────────────────────────────

// handleObserverFrame applies an observer-originated client event to this
// session. session.update frames are sanitized, saved for future reconnects,
// and forwarded with the model field stripped; a model change forces a
// reconnect under the new model. Other client events pass straight through.
func (s *Session) handleObserverFrame(ctx context.Context, data []byte) {
	var head struct {
		Type    string         `json:"type"`
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		s.logger.Debug("malformed observer frame dropped", "error", err)
		return
	}

	if head.Type != realtime.ClientSessionUpdate {
		if !realtime.IsClientEvent(head.Type) {
			s.logger.Warn("unknown observer client event dropped", "type", head.Type)
			return
		}
		if s.model == nil {
			return
		}
		if err := s.model.SendRaw(ctx, data); err != nil {
			s.logger.Warn("observer event passthrough failed", "type", head.Type, "error", err)
		}
		return
	}

	sanitized := realtime.Sanitize(head.Session)
	s.savedConfig = sanitized

	if s.model != nil {
		forward := realtime.MergeSession(sanitized, nil)
		delete(forward, "model")
		if err := s.model.UpdateSession(ctx, forward); err != nil {
			s.logger.Warn("observer session update failed", "error", err)
		}
	}

	if requested, ok := sanitized["model"].(string); ok && requested != "" &&
		requested != s.activeModel && s.model != nil {
		s.closeModel(ctx, "observer requested model "+requested)
	}
}

// mirrorClientEvent shows observers what the bridge says to the model, save
// for the audio append firehose. It runs on the actor goroutine, on the tail
// of every successful model write.
func (s *Session) mirrorClientEvent(ctx context.Context, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == realtime.ClientInputAudioAppend {
		return
	}
	s.mgr.hub.Broadcast(ctx, data)
}

// ── Archive plumbing ─────────────────────────────────────────────────────────

func (s *Session) recordTranscript(speaker, text string) {
	if text == "" || s.callSid == "" {
		return
	}
	callSid, logger := s.callSid, s.logger
	s.archiveDo(func(ctx context.Context) {
		if err := s.mgr.archive.AddTranscriptLine(ctx, callSid, speaker, text); err != nil {
			logger.Warn("transcript archive failed", "error", err)
		}
	})
}

// archiveDo queues op for the session's archive worker. Ops run in enqueue
// order; a full queue drops the record rather than stalling the actor.
func (s *Session) archiveDo(op func(context.Context)) {
	if s.archiveCh == nil {
		return
	}
	select {
	case s.archiveCh <- op:
	default:
		s.logger.Warn("archive queue full, record dropped")
	}
}

func (s *Session) archiveLoop() {
	defer s.wg.Done()
	for op := range s.archiveCh {
		ctx, cancel := context.WithTimeout(context.Background(), archiveOpTimeout)
		op(ctx)
		cancel()
	}
}

// archiveFinish queues the end-of-call bookkeeping and closes the worker
// queue. Runs once, from teardown.
func (s *Session) archiveFinish() {
	if s.archiveCh == nil {
		return
	}
	if s.callSid != "" {
		callSid, logger := s.callSid, s.logger
		s.archiveCh <- func(ctx context.Context) {
			if err := s.mgr.archive.EndCall(ctx, callSid); err != nil {
				logger.Warn("archive end failed", "error", err)
			}
		}
		if s.mgr.summariser != nil {
			s.archiveCh <- func(ctx context.Context) {
				if err := s.mgr.archive.SummariseCall(ctx, callSid, s.mgr.summariser); err != nil {
					logger.Warn("call summary failed", "error", err)
				}
			}
		}
	}
	close(s.archiveCh)
}

// ── Teardown ─────────────────────────────────────────────────────────────────

func (s *Session) teardown(ctx context.Context) {
	s.telephonyOpen = false
	s.flushPendingAudio(ctx, true)
	s.disarmCommitTimer()
	s.disarmReconnectTimer()
	s.closeModel(ctx, "call ended")

	if s.callSid != "" {
		s.mgr.hub.AnnounceCallState(ctx, CallStateDisconnected, s.callSid)
		s.mgr.unregister(s)
	}
	s.telephony.Close(websocket.StatusNormalClosure, "call ended")

	s.cancel()
	s.archiveFinish()
	s.wg.Wait()
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.logger.Info("session closed")
}

func (s *Session) writeTelephony(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal telephony frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.telephony.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bridge: telephony write: %w", err)
	}
	return nil
}
