package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/reliability"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const signedURLPath = "/v1/convai/conversation/get_signed_url"

type ElevenLabsConfig struct {
	APIKey         string
	AgentID        string
	APIBaseURL     string
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// ElevenLabsProvider fetches signed conversation URLs and dials them.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) (*ElevenLabsProvider, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("elevenlabs agent id is required")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.elevenlabs.io"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RequestTimeout,
		}
	}
	return &ElevenLabsProvider{cfg: cfg}, nil
}

func (p *ElevenLabsProvider) AgentID() string { return p.cfg.AgentID }

// Acquire fetches a fresh signed URL. Retryable failures trigger a new fetch,
// never a reuse of an earlier grant.
func (p *ElevenLabsProvider) Acquire(ctx context.Context) (_ *Grant, err error) {
	ctx, span := observability.StartSpan(ctx, "convai.acquire_signed_url",
		trace.WithAttributes(attribute.String("convai.agent_id", p.cfg.AgentID)))
	defer func() { observability.EndSpan(span, err) }()

	var lastErr *UpstreamAuthError
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, p.cfg.BackoffBase, p.cfg.BackoffCap)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &UpstreamAuthError{Err: ctx.Err()}
			case <-timer.C:
			}
		}

		span.SetAttributes(attribute.Int("convai.attempts", attempt+1))
		grant, ferr := p.fetchSignedURL(ctx)
		if ferr == nil {
			return grant, nil
		}
		lastErr = ferr
		if !ferr.Retryable || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (p *ElevenLabsProvider) fetchSignedURL(ctx context.Context) (*Grant, *UpstreamAuthError) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	endpoint := p.cfg.APIBaseURL + signedURLPath + "?agent_id=" + url.QueryEscape(p.cfg.AgentID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamAuthError{Err: err}
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, &UpstreamAuthError{Retryable: ctx.Err() == nil, Err: fmt.Errorf("get signed url: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &UpstreamAuthError{Status: resp.StatusCode, Retryable: true, Err: fmt.Errorf("read signed url response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamAuthError{
			Status:    resp.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			Err:       fmt.Errorf("signed url rejected: %s", strings.TrimSpace(string(body))),
		}
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UpstreamAuthError{Status: resp.StatusCode, Err: fmt.Errorf("decode signed url response: %w", err)}
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return nil, &UpstreamAuthError{Status: resp.StatusCode, Err: errors.New("signed url response missing signed_url")}
	}
	return NewGrant(payload.SignedURL), nil
}

// Dial consumes the grant and opens the conversation socket.
func (p *ElevenLabsProvider) Dial(ctx context.Context, grant *Grant) (_ Conn, err error) {
	ctx, span := observability.StartSpan(ctx, "convai.dial")
	defer func() { observability.EndSpan(span, err) }()

	signedURL, err := grant.Consume()
	if err != nil {
		return nil, err
	}
	conn, resp, err := p.cfg.Dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		if resp != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			return nil, fmt.Errorf("dial conversation websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial conversation websocket: %w", err)
	}
	return conn, nil
}
