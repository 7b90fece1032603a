package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/relay"
	"github.com/antoniostano/callbridge/internal/session"
	"github.com/antoniostano/callbridge/internal/telephony"
	"github.com/antoniostano/callbridge/internal/voice"
)

type fakePlacer struct {
	mu           sync.Mutex
	requests     []telephony.OutboundCallRequest
	instructions []string
	err          error
}

func (f *fakePlacer) PlaceCall(_ context.Context, req telephony.OutboundCallRequest, instructionsURL string) (*telephony.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.instructions = append(f.instructions, instructionsURL)
	if f.err != nil {
		return nil, f.err
	}
	return &telephony.CallResult{CallSID: "CA100", Status: "queued", To: req.To}, nil
}

func testMetrics() *observability.Metrics {
	reg := prometheus.NewRegistry()
	return observability.NewMetricsWithRegistry("test_httpapi", reg, reg)
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = testMetrics()
	}
	ts := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, target string, v any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(v)
	res, err := http.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", target, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if body["message"] != "Server is running" {
		t.Fatalf("message = %v, want %q", body["message"], "Server is running")
	}

	res, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	body = decodeBody(t, res)
	if body["status"] != "ok" {
		t.Fatalf("health status = %v, want ok", body["status"])
	}
	if body["call_log_mode"] != "disabled" {
		t.Fatalf("call_log_mode = %v, want disabled", body["call_log_mode"])
	}
}

func TestReadyRequiresProviders(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestOutboundCallPlacesCall(t *testing.T) {
	placer := &fakePlacer{}
	ts := newTestServer(t, config.Config{PublicBaseURL: "https://bridge.example.com"}, Deps{Calls: placer})

	res := postJSON(t, ts.URL+"/outbound-call", map[string]string{
		"number":        "+15551234567",
		"prompt":        "be brief",
		"first_message": "Hi there",
		"voice_id":      "v1",
	})
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %+v)", res.StatusCode, http.StatusOK, body)
	}
	if body["success"] != true || body["call_sid"] != "CA100" {
		t.Fatalf("unexpected response: %+v", body)
	}
	if len(placer.requests) != 1 {
		t.Fatalf("calls placed = %d, want 1", len(placer.requests))
	}
	if placer.requests[0].To != "+15551234567" {
		t.Fatalf("to = %q", placer.requests[0].To)
	}

	u, err := url.Parse(placer.instructions[0])
	if err != nil {
		t.Fatalf("parse instructions url: %v", err)
	}
	if u.Scheme != "https" || u.Host != "bridge.example.com" || u.Path != "/outbound-call-twiml" {
		t.Fatalf("instructions url = %q", placer.instructions[0])
	}
	q := u.Query()
	if q.Get("prompt") != "be brief" || q.Get("first_message") != "Hi there" || q.Get("voiceId") != "v1" {
		t.Fatalf("instructions query = %v", q)
	}
}

func TestOutboundCallRequiresNumber(t *testing.T) {
	placer := &fakePlacer{}
	ts := newTestServer(t, config.Config{}, Deps{Calls: placer})

	res := postJSON(t, ts.URL+"/outbound-call", map[string]string{"prompt": "x"})
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if body["code"] != "invalid_request" || body["success"] != false {
		t.Fatalf("unexpected response: %+v", body)
	}
	if len(placer.requests) != 0 {
		t.Fatalf("calls placed = %d, want 0", len(placer.requests))
	}
}

func TestOutboundCallEnforcesDestinationPolicy(t *testing.T) {
	placer := &fakePlacer{}
	cfg := config.Config{OutboundAllowedPrefixes: []string{"+44"}}
	ts := newTestServer(t, cfg, Deps{Calls: placer})

	for _, number := range []string{"911", "+15551234567"} {
		res := postJSON(t, ts.URL+"/outbound-call", map[string]string{"number": number})
		body := decodeBody(t, res)
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want %d", number, res.StatusCode, http.StatusForbidden)
		}
		if body["code"] != "destination_not_allowed" {
			t.Fatalf("%s: code = %v", number, body["code"])
		}
	}
	if len(placer.requests) != 0 {
		t.Fatalf("calls placed = %d, want 0", len(placer.requests))
	}
}

func TestOutboundCallMalformedJSON(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Calls: &fakePlacer{}})
	res, err := http.Post(ts.URL+"/outbound-call", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestOutboundCallProviderRejection(t *testing.T) {
	placer := &fakePlacer{err: &telephony.CallInitiationError{
		Code:    21211,
		Status:  400,
		Message: "invalid To number",
		Err:     errors.New("twilio 400"),
	}}
	ts := newTestServer(t, config.Config{}, Deps{Calls: placer})

	res := postJSON(t, ts.URL+"/outbound-call", map[string]string{"number": "123"})
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	if body["code"] != "call_initiation_failed" {
		t.Fatalf("code = %v, want call_initiation_failed", body["code"])
	}
	if body["provider_code"] != float64(21211) {
		t.Fatalf("provider_code = %v, want 21211", body["provider_code"])
	}
	if body["error"] != "invalid To number" {
		t.Fatalf("error = %v", body["error"])
	}
}

type twimlDoc struct {
	Stream struct {
		URL    string `xml:"url,attr"`
		Params []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"Parameter"`
	} `xml:"Connect>Stream"`
}

func getTwiML(t *testing.T, target string) twimlDoc {
	t.Helper()
	res, err := http.Get(target)
	if err != nil {
		t.Fatalf("GET %s error = %v", target, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q, want text/xml", ct)
	}
	raw, _ := io.ReadAll(res.Body)
	var doc twimlDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse twiml %q: %v", raw, err)
	}
	return doc
}

func TestOutboundTwiMLEmbedsParameters(t *testing.T) {
	ts := newTestServer(t, config.Config{PublicBaseURL: "https://bridge.example.com"}, Deps{})

	q := url.Values{}
	q.Set("prompt", "be brief")
	q.Set("voiceId", "v1")
	q.Set("ignored", "x")
	doc := getTwiML(t, ts.URL+"/outbound-call-twiml?"+q.Encode())

	if doc.Stream.URL != "wss://bridge.example.com/outbound-media-stream" {
		t.Fatalf("stream url = %q", doc.Stream.URL)
	}
	if len(doc.Stream.Params) != 2 {
		t.Fatalf("params = %+v, want 2", doc.Stream.Params)
	}
	if doc.Stream.Params[0].Name != "prompt" || doc.Stream.Params[0].Value != "be brief" {
		t.Fatalf("first param = %+v", doc.Stream.Params[0])
	}
	if doc.Stream.Params[1].Name != "voiceId" || doc.Stream.Params[1].Value != "v1" {
		t.Fatalf("second param = %+v", doc.Stream.Params[1])
	}
}

func TestIncomingCallDerivesStreamURLFromHost(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	doc := getTwiML(t, ts.URL+"/incoming-call")

	want := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/media-stream"
	if doc.Stream.URL != want {
		t.Fatalf("stream url = %q, want %q", doc.Stream.URL, want)
	}
	if len(doc.Stream.Params) != 0 {
		t.Fatalf("params = %+v, want none", doc.Stream.Params)
	}
}

func TestRecentCallsValidatesLimit(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{CallLog: calllog.NewInMemoryStore(10)})
	res, err := http.Get(ts.URL + "/v1/calls/recent?limit=abc")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPerfLatencySnapshot(t *testing.T) {
	metrics := testMetrics()
	metrics.ObserveSetupLatency(300 * time.Millisecond)
	ts := newTestServer(t, config.Config{}, Deps{Metrics: metrics})

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), observability.StageAIReady) {
		t.Fatalf("snapshot %s missing stage %s", raw, observability.StageAIReady)
	}
}

// fakeConvAI serves the signed-url endpoint and a conversation socket that
// answers the init with one audio chunk.
type fakeConvAI struct {
	srv    *httptest.Server
	inits  chan []byte
	chunks chan []byte
}

func newFakeConvAI(t *testing.T) *fakeConvAI {
	t.Helper()
	f := &fakeConvAI{inits: make(chan []byte, 1), chunks: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/convai/conversation/get_signed_url", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/convai?token=abc"
		respondJSON(w, http.StatusOK, map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/convai", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, initRaw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.inits <- initRaw
		audio := `{"type":"audio","audio_event":{"audio_base_64":"BBB=","event_id":1}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(audio)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case f.chunks <- data:
			default:
			}
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func TestMediaStreamBridgesToConversation(t *testing.T) {
	convai := newFakeConvAI(t)
	provider, err := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
		APIKey:     "key",
		AgentID:    "agent",
		APIBaseURL: convai.srv.URL,
	})
	if err != nil {
		t.Fatalf("NewElevenLabsProvider() error = %v", err)
	}
	store := calllog.NewInMemoryStore(10)
	relays := session.NewManager(0)
	cfg := config.Config{
		ElevenLabsDefaultVoiceID: "default-voice",
		DefaultPrompt:            "default prompt",
		DefaultFirstMessage:      "hello",
	}
	ts := newTestServer(t, cfg, Deps{Relays: relays, Upstream: provider, Calls: &fakePlacer{}, CallLog: store})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	start := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"voiceId":"v7"}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	var initRaw []byte
	select {
	case initRaw = <-convai.inits:
	case <-time.After(3 * time.Second):
		t.Fatal("conversation init not received")
	}
	var initMsg struct {
		Type     string `json:"type"`
		Override struct {
			Agent struct {
				FirstMessage string `json:"first_message"`
			} `json:"agent"`
			TTS struct {
				VoiceID string `json:"voice_id"`
			} `json:"tts"`
		} `json:"conversation_config_override"`
	}
	if err := json.Unmarshal(initRaw, &initMsg); err != nil {
		t.Fatalf("decode init %s: %v", initRaw, err)
	}
	if initMsg.Type != "conversation_initiation_client_data" {
		t.Fatalf("init type = %q", initMsg.Type)
	}
	if initMsg.Override.TTS.VoiceID != "v7" {
		t.Fatalf("voice id = %q, want v7", initMsg.Override.TTS.VoiceID)
	}
	if initMsg.Override.Agent.FirstMessage != "hello" {
		t.Fatalf("first message = %q, want hello", initMsg.Override.Agent.FirstMessage)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read media frame: %v", err)
	}
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(frame, &media); err != nil {
		t.Fatalf("decode media %s: %v", frame, err)
	}
	if media.Event != "media" || media.StreamSID != "MZ1" || media.Media.Payload != "BBB=" {
		t.Fatalf("media frame = %s", frame)
	}

	if got := relays.ActiveCount(); got != 1 {
		t.Fatalf("active relays = %d, want 1", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"AAA="}}`)); err != nil {
		t.Fatalf("write media: %v", err)
	}
	select {
	case chunk := <-convai.chunks:
		if string(chunk) != `{"user_audio_chunk":"AAA="}` {
			t.Fatalf("chunk = %s", chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("user audio chunk not received")
	}

	ids := relays.IDs()
	if len(ids) != 1 {
		t.Fatalf("relay ids = %v, want one", ids)
	}
	live := waitRelaySummary(t, ts.URL, ids[0], func(sum relaySummaryBody) bool {
		return sum.FramesToAI == 1 && sum.FramesToTelephony == 1
	})
	if live.State != "ACTIVE" || live.CallSID != "CA1" || live.StreamSID != "MZ1" {
		t.Fatalf("live summary = %+v, want ACTIVE CA1/MZ1", live)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		calls, _ := store.RecentCalls(context.Background(), 10)
		if len(calls) == 1 && relays.ActiveCount() == 0 {
			if calls[0].CallSID != "CA1" || calls[0].EndReason != relay.ReasonTelephonyStop {
				t.Fatalf("recorded call = %+v", calls[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay not finished: calls=%d active=%d", len(calls), relays.ActiveCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type relaySummaryBody struct {
	RelayID           string `json:"relay_id"`
	CallSID           string `json:"call_sid"`
	StreamSID         string `json:"stream_sid"`
	State             string `json:"state"`
	FramesToAI        int64  `json:"frames_to_ai"`
	FramesToTelephony int64  `json:"frames_to_telephony"`
}

// waitRelaySummary polls GET /v1/relays/{id} until ready reports true.
func waitRelaySummary(t *testing.T, baseURL, id string, ready func(relaySummaryBody) bool) relaySummaryBody {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		res, err := http.Get(baseURL + "/v1/relays/" + id)
		if err != nil {
			t.Fatalf("GET relay error = %v", err)
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			t.Fatalf("GET relay status = %d, want 200", res.StatusCode)
		}
		var sum relaySummaryBody
		err = json.NewDecoder(res.Body).Decode(&sum)
		res.Body.Close()
		if err != nil {
			t.Fatalf("decode relay summary: %v", err)
		}
		if ready(sum) {
			return sum
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay summary never ready: %+v", sum)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetRelayUnknownID(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	res, err := http.Get(ts.URL + "/v1/relays/missing")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestMediaStreamWithoutUpstream(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	res, err := http.Get(ts.URL + "/media-stream")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestMediaStreamRejectsForeignOrigin(t *testing.T) {
	convai := newFakeConvAI(t)
	provider, err := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{APIKey: "k", AgentID: "a", APIBaseURL: convai.srv.URL})
	if err != nil {
		t.Fatalf("NewElevenLabsProvider() error = %v", err)
	}
	ts := newTestServer(t, config.Config{}, Deps{Upstream: provider})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/media-stream", header)
	if err == nil {
		t.Fatal("expected dial to fail for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", res)
	}
}
