package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/policy"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/reliability"
	"github.com/antoniostano/callbridge/internal/telephony"
	"github.com/antoniostano/callbridge/internal/voice"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	legTelephony = "telephony"
	legAI        = "ai"

	providerAI = "elevenlabs"

	recordTimeout = 5 * time.Second
)

// Upstream hands out single-use grants and opens conversation sockets with them.
type Upstream interface {
	Acquire(ctx context.Context) (*voice.Grant, error)
	Dial(ctx context.Context, grant *voice.Grant) (voice.Conn, error)
}

// Recorder receives a summary once the relay is closed.
type Recorder interface {
	SaveCall(ctx context.Context, record calllog.Record) error
}

// Defaults fill in agent overrides the stream's custom parameters leave empty.
type Defaults struct {
	VoiceID      string
	Prompt       string
	FirstMessage string
}

type Options struct {
	ID       string
	Defaults Defaults
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Recorder Recorder
}

// Summary describes a relay after it finished.
type Summary struct {
	RelayID           string    `json:"relay_id"`
	CallSID           string    `json:"call_sid"`
	StreamSID         string    `json:"stream_sid"`
	State             State     `json:"state"`
	EndReason         string    `json:"end_reason"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	FramesToAI        int64     `json:"frames_to_ai"`
	FramesToTelephony int64     `json:"frames_to_telephony"`
	DroppedFrames     int64     `json:"dropped_frames"`
	Interruptions     int64     `json:"interruptions"`
	Pings             int64     `json:"pings"`
}

// Session bridges one telephony media stream to one conversation socket.
// All state below the event channel is owned by the Run goroutine.
type Session struct {
	id       string
	upstream Upstream
	defaults Defaults
	base     *zap.Logger
	log      *zap.Logger
	metrics  *observability.Metrics
	recorder Recorder

	events     chan event
	shutdownCh chan string
	done       chan struct{}
	runOnce    sync.Once

	lastActivity atomic.Int64
	stateView    atomic.Int32

	telephony *leg
	ai        *leg

	state       State
	streamSID   string
	callSID     string
	params      map[string]string
	setupCancel context.CancelFunc
	failure     error

	createdAt      time.Time
	streamStarted  time.Time
	firstAudioSent bool
	endReason      string
	endedAt        time.Time

	framesToAI        int64
	framesToTelephony int64
	dropped           int64
	interruptions     int64
	pings             int64

	summaryMu sync.Mutex
	summary   Summary
}

func New(telephonyConn voice.Conn, upstream Upstream, opts Options) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	s := &Session{
		id:         id,
		upstream:   upstream,
		defaults:   opts.Defaults,
		base:       logger,
		log:        logger.With(zap.String("relay_id", id)),
		metrics:    opts.Metrics,
		recorder:   opts.Recorder,
		events:     make(chan event),
		shutdownCh: make(chan string, 1),
		done:       make(chan struct{}),
		telephony:  newLeg(legTelephony, telephonyConn),
		state:      StateAwaitingStart,
		params:     map[string]string{},
		createdAt:  now,
	}
	s.lastActivity.Store(now.UnixNano())
	s.stateView.Store(int32(StateAwaitingStart))
	s.summary = Summary{RelayID: id, State: StateAwaitingStart, StartedAt: now}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State is a racy view for observers; the Run goroutine holds the authoritative value.
func (s *Session) State() State {
	return State(s.stateView.Load())
}

// Done is closed once Run has torn the relay down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Shutdown asks the relay to tear down. Safe from any goroutine, any number of times.
func (s *Session) Shutdown(reason string) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.shutdownCh <- reason:
	default:
	}
}

// Summary returns counters and identifiers as of the last handled event.
// Final once Done is closed.
func (s *Session) Summary() Summary {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	return s.summary
}

// Run drives the relay until both legs are closed. It returns the error that
// ended the relay when that was a failure rather than an ordinary hang-up.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("relay %s: Run called twice", s.id)
	}

	s.metrics.SessionStarted()
	s.log.Info("relay opened")
	go s.readLoop(s.telephony)

	for s.state != StateClosed {
		select {
		case ev := <-s.events:
			s.dispatch(ctx, ev)
		case reason := <-s.shutdownCh:
			s.log.Info("relay shutdown requested", zap.String("reason", reason))
			s.teardown(reason)
		case <-ctx.Done():
			s.teardown(ReasonContextCancelled)
		}
	}

	close(s.done)
	s.record()
	return s.failure
}

func (s *Session) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case telephonyFrame:
		s.onTelephonyMessage(ctx, e.data)
	case telephonyClosed:
		s.onTelephonyClose(e.err)
	case aiFrame:
		s.onAIMessage(e.data)
	case aiClosed:
		s.onAIClose(e.err)
	case aiReady:
		s.onAIReady(e.conn)
	case setupFailed:
		s.onSetupFailed(e.reason, e.err)
	}
	s.publishSummary()
}

func (s *Session) onTelephonyMessage(ctx context.Context, data []byte) {
	s.touch()
	msg, err := protocol.ParseTelephonyMessage(data)
	if err != nil {
		s.metrics.WSMessage(legTelephony, "in", "invalid")
		s.log.Warn("dropping malformed telephony message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Start:
		s.metrics.WSMessage(legTelephony, "in", string(protocol.EventStart))
		s.onStart(ctx, m)
	case protocol.Media:
		s.metrics.WSMessage(legTelephony, "in", string(protocol.EventMedia))
		s.onMedia(m)
	case protocol.Stop:
		s.metrics.WSMessage(legTelephony, "in", string(protocol.EventStop))
		s.log.Info("telephony stream stopped")
		s.teardown(ReasonTelephonyStop)
	case protocol.Connected:
		s.metrics.WSMessage(legTelephony, "in", string(protocol.EventConnected))
		s.log.Debug("telephony connected", zap.String("protocol", m.Protocol), zap.String("version", m.Version))
	case protocol.Mark:
		s.metrics.WSMessage(legTelephony, "in", string(protocol.EventMark))
		s.log.Debug("telephony mark", zap.String("name", m.Name))
	case protocol.DTMF:
		s.metrics.WSMessage(legTelephony, "in", string(protocol.EventDTMF))
		s.log.Debug("telephony dtmf ignored", zap.String("digit", m.Digit))
	case protocol.UnknownTelephonyEvent:
		s.metrics.WSMessage(legTelephony, "in", "unknown")
		s.log.Warn("dropping unknown telephony event", zap.String("event", m.Event))
	}
}

func (s *Session) onStart(ctx context.Context, m protocol.Start) {
	if s.state != StateAwaitingStart {
		s.log.Warn("duplicate start ignored", zap.String("stream_sid_seen", m.StreamSID), zap.Stringer("state", s.state))
		return
	}
	s.streamSID = m.StreamSID
	s.callSID = m.CallSID
	for k, v := range m.CustomParameters {
		s.params[k] = v
	}
	s.streamStarted = time.Now()
	s.log = s.log.With(zap.String("call_sid", s.callSID), zap.String("stream_sid", s.streamSID))
	s.setState(StateConnectingAI)
	s.log.Info("stream started", zap.Int("custom_parameters", len(s.params)))

	setupCtx, cancel := context.WithCancel(ctx)
	s.setupCancel = cancel
	go s.connectAI(setupCtx, s.log, s.streamStarted)
}

// connectAI runs off the loop. Its result is handed back as an event; a result
// nobody receives is closed here.
func (s *Session) connectAI(ctx context.Context, log *zap.Logger, startedAt time.Time) {
	ctx, span := observability.StartSpan(ctx, "relay.connect_ai", trace.WithAttributes(
		attribute.String("relay.id", s.id),
		attribute.String("twilio.call_sid", s.callSID),
	))
	grant, err := s.upstream.Acquire(ctx)
	if err != nil {
		observability.EndSpan(span, err)
		s.deliver(setupFailed{reason: ReasonUpstreamAuth, err: err})
		return
	}
	s.metrics.ObserveStage(observability.StageSignedURL, time.Since(startedAt))
	log.Debug("signed url acquired")

	conn, err := s.upstream.Dial(ctx, grant)
	observability.EndSpan(span, err)
	if err != nil {
		s.deliver(setupFailed{reason: ReasonAIConnectFailed, err: err})
		return
	}
	if !s.deliver(aiReady{conn: conn}) {
		log.Info("closing conversation socket opened after teardown")
		_ = conn.Close()
	}
}

func (s *Session) onAIReady(conn voice.Conn) {
	if s.state != StateConnectingAI {
		_ = conn.Close()
		return
	}
	s.ai = newLeg(legAI, conn)

	initFrame := protocol.NewConversationInitiation(
		s.param(telephony.ParamVoiceID, s.defaults.VoiceID),
		s.param(telephony.ParamPrompt, s.defaults.Prompt),
		s.param(telephony.ParamFirstMessage, s.defaults.FirstMessage),
	)
	if err := s.send(s.ai, initFrame, string(protocol.TypeConversationInitiation)); err != nil {
		s.failSetup(ReasonAIInitFailed, fmt.Errorf("send conversation init: %w", err))
		return
	}

	s.setState(StateActive)
	setup := time.Since(s.streamStarted)
	s.metrics.ObserveSetupLatency(setup)
	s.log.Info("relay active", zap.Duration("setup", setup))
	go s.readLoop(s.ai)
}

func (s *Session) onSetupFailed(reason string, err error) {
	if s.state != StateConnectingAI {
		return
	}
	code := "connect"
	var authErr *voice.UpstreamAuthError
	if errors.As(err, &authErr) {
		code = "auth"
		if authErr.Status > 0 {
			code = strconv.Itoa(authErr.Status)
		}
	}
	s.metrics.ProviderError(providerAI, code)
	s.failSetup(reason, err)
}

// failSetup tells the telephony side why it is being dropped, then tears down.
func (s *Session) failSetup(reason string, err error) {
	s.failure = err
	s.log.Error("ai setup failed", zap.String("reason", reason), zap.Error(err))
	closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "ai setup failed")
	if werr := s.telephony.conn.WriteMessage(websocket.CloseMessage, closeMsg); werr != nil {
		s.log.Debug("telephony close frame not sent", zap.Error(werr))
	}
	s.teardown(reason)
}

func (s *Session) onMedia(m protocol.Media) {
	switch s.state {
	case StateAwaitingStart:
		s.drop(DropBeforeStart)
		return
	case StateConnectingAI:
		s.drop(DropAINotReady)
		return
	case StateActive:
	default:
		return
	}
	if m.Payload == "" {
		return
	}
	if err := s.send(s.ai, protocol.UserAudioChunk{UserAudioChunk: m.Payload}, "user_audio_chunk"); err != nil {
		s.failure = err
		s.log.Warn("forwarding caller audio failed", zap.Error(err))
		s.teardown(ReasonAIError)
		return
	}
	s.framesToAI++
}

func (s *Session) onAIMessage(data []byte) {
	s.touch()
	if s.state != StateActive {
		return
	}
	msg, err := protocol.ParseAIMessage(data)
	if err != nil {
		s.metrics.WSMessage(legAI, "in", "invalid")
		s.log.Warn("dropping malformed ai message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.AIAudio:
		s.metrics.WSMessage(legAI, "in", string(protocol.TypeAudio))
		s.onAIAudio(m)
	case protocol.AIInterruption:
		s.metrics.WSMessage(legAI, "in", string(protocol.TypeInterruption))
		if err := s.send(s.telephony, protocol.NewClearFrame(s.streamSID), string(protocol.EventClear)); err != nil {
			s.telephonyWriteFailed(err)
			return
		}
		s.interruptions++
		s.log.Debug("caller interrupted agent", zap.Int64("event_id", m.EventID))
	case protocol.AIPing:
		s.metrics.WSMessage(legAI, "in", string(protocol.TypePing))
		if err := s.send(s.ai, protocol.NewPong(m.EventID), string(protocol.TypePong)); err != nil {
			s.failure = err
			s.log.Warn("pong failed", zap.Error(err))
			s.teardown(ReasonAIError)
			return
		}
		s.pings++
	case protocol.AIConversationMetadata:
		s.metrics.WSMessage(legAI, "in", string(protocol.TypeConversationInitiationMetadata))
		s.log.Info("conversation started",
			zap.String("conversation_id", m.ConversationID),
			zap.String("agent_output_format", m.AgentOutputFormat),
			zap.String("user_input_format", m.UserInputFormat),
		)
	case protocol.AIAgentResponse:
		s.metrics.WSMessage(legAI, "in", string(protocol.TypeAgentResponse))
		text, _ := policy.RedactPII(m.Text)
		s.log.Debug("agent response", zap.String("text", text))
	case protocol.AIUserTranscript:
		s.metrics.WSMessage(legAI, "in", string(protocol.TypeUserTranscript))
		text, _ := policy.RedactPII(m.Text)
		s.log.Debug("user transcript", zap.String("text", text))
	case protocol.UnknownAIEvent:
		s.metrics.WSMessage(legAI, "in", "unknown")
		s.log.Debug("dropping unhandled ai message", zap.String("type", m.Type))
	}
}

func (s *Session) onAIAudio(m protocol.AIAudio) {
	if m.Base64 == "" {
		s.log.Debug("ai audio without payload", zap.Int64("event_id", m.EventID))
		return
	}
	if err := s.send(s.telephony, protocol.NewMediaFrame(s.streamSID, m.Base64), string(protocol.EventMedia)); err != nil {
		s.telephonyWriteFailed(err)
		return
	}
	s.framesToTelephony++
	if !s.firstAudioSent {
		s.firstAudioSent = true
		s.metrics.ObserveFirstAudioLatency(time.Since(s.streamStarted))
	}
}

func (s *Session) onTelephonyClose(err error) {
	if s.state >= StateClosing {
		return
	}
	if reliability.IsExpectedClose(err) {
		s.log.Info("telephony socket closed", zap.Error(err))
		s.teardown(ReasonTelephonyClosed)
		return
	}
	s.failure = err
	s.log.Warn("telephony socket failed", zap.Error(err))
	s.teardown(ReasonTelephonyError)
}

func (s *Session) onAIClose(err error) {
	if s.state >= StateClosing {
		return
	}
	if reliability.IsExpectedClose(err) {
		s.log.Info("conversation socket closed", zap.Error(err))
		s.teardown(ReasonAIClosed)
		return
	}
	s.failure = err
	s.log.Warn("conversation socket failed", zap.Error(err))
	s.teardown(ReasonAIError)
}

func (s *Session) telephonyWriteFailed(err error) {
	s.failure = err
	s.log.Warn("telephony write failed", zap.Error(err))
	s.teardown(ReasonTelephonyError)
}

// teardown closes both legs once. Later calls are no-ops.
func (s *Session) teardown(reason string) {
	if s.state >= StateClosing {
		return
	}
	s.setState(StateClosing)
	s.endReason = reason
	if s.setupCancel != nil {
		s.setupCancel()
	}
	if s.ai != nil {
		if err := s.ai.close(); err != nil {
			s.log.Debug("closing conversation socket", zap.Error(err))
		}
	}
	if err := s.telephony.close(); err != nil {
		s.log.Debug("closing telephony socket", zap.Error(err))
	}
	s.endedAt = time.Now()
	s.setState(StateClosed)

	s.metrics.SessionEnded(reason)
	if !s.streamStarted.IsZero() {
		s.metrics.ObserveStage(observability.StageRelayTotal, s.endedAt.Sub(s.streamStarted))
	}
	s.log.Info("relay closed",
		zap.String("reason", reason),
		zap.Int64("frames_to_ai", s.framesToAI),
		zap.Int64("frames_to_telephony", s.framesToTelephony),
		zap.Int64("dropped_frames", s.dropped),
		zap.Int64("interruptions", s.interruptions),
	)
}

func (s *Session) record() {
	sum := s.Summary()
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := s.recorder.SaveCall(ctx, calllog.Record{
		RelayID:           sum.RelayID,
		CallSID:           sum.CallSID,
		StreamSID:         sum.StreamSID,
		EndReason:         sum.EndReason,
		FinalState:        sum.State.String(),
		StartedAt:         sum.StartedAt.UTC(),
		EndedAt:           sum.EndedAt.UTC(),
		FramesToAI:        sum.FramesToAI,
		FramesToTelephony: sum.FramesToTelephony,
		DroppedFrames:     sum.DroppedFrames,
		Interruptions:     sum.Interruptions,
	})
	if err != nil {
		s.log.Warn("call log write failed", zap.Error(err))
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.stateView.Store(int32(st))
	s.publishSummary()
}

// publishSummary copies loop-owned counters into the snapshot read by Summary.
func (s *Session) publishSummary() {
	s.summaryMu.Lock()
	s.summary = Summary{
		RelayID:           s.id,
		CallSID:           s.callSID,
		StreamSID:         s.streamSID,
		State:             s.state,
		EndReason:         s.endReason,
		StartedAt:         s.createdAt,
		EndedAt:           s.endedAt,
		FramesToAI:        s.framesToAI,
		FramesToTelephony: s.framesToTelephony,
		DroppedFrames:     s.dropped,
		Interruptions:     s.interruptions,
		Pings:             s.pings,
	}
	s.summaryMu.Unlock()
}

func (s *Session) drop(reason string) {
	s.dropped++
	s.metrics.DroppedFrame(reason)
}

func (s *Session) param(key, fallback string) string {
	if v := s.params[key]; v != "" {
		return v
	}
	return fallback
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) send(l *leg, v any, msgType string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", l.name, err)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s message: %w", l.name, err)
	}
	s.metrics.WSMessage(l.name, "out", msgType)
	return nil
}

// deliver hands an event to the loop, or reports false once the loop is gone.
func (s *Session) deliver(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readLoop(l *leg) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.name == legAI {
				s.deliver(aiClosed{err: err})
			} else {
				s.deliver(telephonyClosed{err: err})
			}
			return
		}
		var ev event = telephonyFrame{data: data}
		if l.name == legAI {
			ev = aiFrame{data: data}
		}
		if !s.deliver(ev) {
			return
		}
	}
}
