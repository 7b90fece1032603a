package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/policy"
	"github.com/antoniostano/callbridge/internal/relay"
	"github.com/antoniostano/callbridge/internal/session"
	"github.com/antoniostano/callbridge/internal/telephony"
)

const (
	pathOutboundTwiML  = "/outbound-call-twiml"
	pathMediaStream    = "/media-stream"
	pathOutboundStream = "/outbound-media-stream"

	maxRecentCalls = 200
)

// CallPlacer originates outbound calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req telephony.OutboundCallRequest, instructionsURL string) (*telephony.CallResult, error)
}

type Deps struct {
	Relays   *session.Manager
	Calls    CallPlacer
	Upstream relay.Upstream
	Metrics  *observability.Metrics
	CallLog  calllog.Store
	Logger   *zap.Logger

	// RelayContext bounds every relay; defaults to context.Background.
	RelayContext context.Context
}

type Server struct {
	cfg      config.Config
	relays   *session.Manager
	calls    CallPlacer
	upstream relay.Upstream
	metrics  *observability.Metrics
	callLog  calllog.Store
	logger   *zap.Logger
	relayCtx context.Context
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relayCtx := deps.RelayContext
	if relayCtx == nil {
		relayCtx = context.Background()
	}
	relays := deps.Relays
	if relays == nil {
		relays = session.NewManager(cfg.RelayIdleTimeout)
	}
	return &Server{
		cfg:      cfg,
		relays:   relays,
		calls:    deps.Calls,
		upstream: deps.Upstream,
		metrics:  deps.Metrics,
		callLog:  deps.CallLog,
		logger:   logger,
		relayCtx: relayCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// The telephony provider does not send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/calls/recent", s.handleRecentCalls)
	r.Get("/v1/relays", s.handleListRelays)
	r.Get("/v1/relays/{relayID}", s.handleGetRelay)

	r.Post("/outbound-call", s.handleOutboundCall)
	r.Get(pathOutboundTwiML, s.handleOutboundTwiML)
	r.Post(pathOutboundTwiML, s.handleOutboundTwiML)
	r.Get("/incoming-call", s.handleIncomingCall)
	r.Post("/incoming-call", s.handleIncomingCall)

	r.Get(pathMediaStream, s.handleMediaStream)
	r.Get(pathOutboundStream, s.handleMediaStream)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"message": "Server is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_relays":  s.relays.ActiveCount(),
		"call_log_mode":  s.callLogMode(),
		"idle_timeout_s": int(s.relays.IdleTimeout().Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.upstream == nil || s.calls == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":        "not_ready",
			"active_relays": s.relays.ActiveCount(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"active_relays": s.relays.ActiveCount(),
	})
}

func (s *Server) handleListRelays(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"relays": s.relays.IDs(),
	})
}

func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "relayID")
	tracked, err := s.relays.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "relay not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	rs, ok := tracked.(interface{ Summary() relay.Summary })
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{"relay_id": tracked.ID()})
		return
	}
	respondJSON(w, http.StatusOK, rs.Summary())
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentCalls)
	}
	if s.callLog == nil {
		respondJSON(w, http.StatusOK, map[string]any{"calls": []calllog.Record{}})
		return
	}
	calls, err := s.callLog.RecentCalls(r.Context(), limit)
	if err != nil {
		s.logger.Warn("recent calls query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "call_log_unavailable", err.Error())
		return
	}
	if calls == nil {
		calls = []calllog.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

type outboundCallRequest struct {
	Number       string `json:"number"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`
	VoiceID      string `json:"voice_id"`
}

type outboundCallResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	CallSID string `json:"call_sid,omitempty"`
}

type callErrorResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Code         string `json:"code"`
	ProviderCode int    `json:"provider_code,omitempty"`
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var body outboundCallRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, callErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	if strings.TrimSpace(body.Number) == "" {
		respondJSON(w, http.StatusBadRequest, callErrorResponse{Error: "phone number is required", Code: "invalid_request"})
		return
	}
	if decision := policy.DecideDestination(body.Number, s.cfg.OutboundAllowedPrefixes); !decision.Allowed {
		s.logger.Warn("outbound destination rejected",
			zap.String("to", policy.MaskPhone(body.Number)),
			zap.String("reason", decision.Reason),
		)
		respondJSON(w, http.StatusForbidden, callErrorResponse{Error: decision.Reason, Code: "destination_not_allowed"})
		return
	}
	if s.calls == nil {
		respondJSON(w, http.StatusServiceUnavailable, callErrorResponse{Error: "call gateway not configured", Code: "unavailable"})
		return
	}

	req := telephony.OutboundCallRequest{
		To:           body.Number,
		FirstMessage: body.FirstMessage,
		VoiceID:      body.VoiceID,
		Prompt:       body.Prompt,
	}
	instructions, err := telephony.InstructionsURL(s.baseURL(r), pathOutboundTwiML, req.Params())
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, callErrorResponse{Error: err.Error(), Code: "internal"})
		return
	}

	res, err := s.calls.PlaceCall(r.Context(), req, instructions)
	if err != nil {
		var callErr *telephony.CallInitiationError
		switch {
		case errors.Is(err, telephony.ErrInvalidRequest):
			respondJSON(w, http.StatusBadRequest, callErrorResponse{Error: err.Error(), Code: "invalid_request"})
		case errors.As(err, &callErr):
			s.metrics.ProviderError("twilio", strconv.Itoa(callErr.Code))
			respondJSON(w, http.StatusBadGateway, callErrorResponse{
				Error:        callErr.Message,
				Code:         "call_initiation_failed",
				ProviderCode: callErr.Code,
			})
		default:
			respondJSON(w, http.StatusInternalServerError, callErrorResponse{Error: err.Error(), Code: "internal"})
		}
		return
	}

	s.metrics.SessionEvent("outbound_call_created")
	respondJSON(w, http.StatusOK, outboundCallResponse{
		Success: true,
		Message: "Call initiated",
		CallSID: res.CallSID,
	})
}

func (s *Server) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	s.respondStreamTwiML(w, r, pathOutboundStream, telephony.ParamsFromQuery(r.URL.Query()))
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	s.respondStreamTwiML(w, r, pathMediaStream, nil)
}

func (s *Server) respondStreamTwiML(w http.ResponseWriter, r *http.Request, streamPath string, params map[string]string) {
	streamURL, err := telephony.StreamURL(s.baseURL(r), streamPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	doc, err := telephony.StreamTwiML(streamURL, params)
	if err != nil {
		s.logger.Error("render twiml failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "conversation provider not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)

	var recorder relay.Recorder
	if s.callLog != nil {
		recorder = s.callLog
	}
	rs := relay.New(conn, s.upstream, relay.Options{
		Defaults: relay.Defaults{
			VoiceID:      s.cfg.ElevenLabsDefaultVoiceID,
			Prompt:       s.cfg.DefaultPrompt,
			FirstMessage: s.cfg.DefaultFirstMessage,
		},
		Logger:   s.logger.With(zap.String("route", r.URL.Path)),
		Metrics:  s.metrics,
		Recorder: recorder,
	})
	if err := s.relays.Add(rs); err != nil {
		s.logger.Error("relay registration failed", zap.String("relay_id", rs.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer s.relays.Remove(rs.ID())

	if err := rs.Run(s.relayCtx); err != nil {
		s.logger.Warn("relay ended with error", zap.String("relay_id", rs.ID()), zap.Error(err))
	}
}

// baseURL is the public origin the telephony provider should call back on.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Host
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}

func (s *Server) callLogMode() string {
	switch s.callLog.(type) {
	case nil:
		return "disabled"
	case *calllog.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
