package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/policy"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("invalid call request")

// CallCreator is satisfied by the twilio-go v2010 ApiService.
type CallCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// CallInitiationError reports a rejected outbound call. It is never retried.
type CallInitiationError struct {
	Code    int
	Status  int
	Message string
	Err     error
}

func (e *CallInitiationError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("call initiation failed: code %d: %s", e.Code, e.Message)
	}
	return "call initiation failed: " + e.Message
}

func (e *CallInitiationError) Unwrap() error { return e.Err }

type CallResult struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status,omitempty"`
	To      string `json:"to"`
}

type Gateway struct {
	calls  CallCreator
	from   string
	logger *zap.Logger
}

func NewGateway(calls CallCreator, from string, logger *zap.Logger) (*Gateway, error) {
	if calls == nil {
		return nil, fmt.Errorf("call creator is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("sender number is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{calls: calls, from: strings.TrimSpace(from), logger: logger}, nil
}

// PlaceCall asks the provider to dial req.To and fetch instructions from instructionsURL.
// Exactly one creation request is made per call.
func (g *Gateway) PlaceCall(ctx context.Context, req OutboundCallRequest, instructionsURL string) (_ *CallResult, err error) {
	_, span := observability.StartSpan(ctx, "twilio.create_call",
		trace.WithAttributes(attribute.Int("call.custom_parameters", len(req.Params()))))
	defer func() { observability.EndSpan(span, err) }()

	to := strings.TrimSpace(req.To)
	if to == "" {
		return nil, fmt.Errorf("%w: destination number is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(instructionsURL) == "" {
		return nil, fmt.Errorf("%w: instructions url is required", ErrInvalidRequest)
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(g.from)
	params.SetUrl(instructionsURL)
	params.SetMethod("POST")

	resp, err := g.calls.CreateCall(params)
	if err != nil {
		callErr := &CallInitiationError{Message: err.Error(), Err: err}
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			callErr.Code = restErr.Code
			callErr.Status = restErr.Status
			callErr.Message = restErr.Message
		}
		g.logger.Warn("outbound call rejected",
			zap.String("to", policy.MaskPhone(to)),
			zap.Int("code", callErr.Code),
			zap.Int("status", callErr.Status),
			zap.String("message", callErr.Message),
		)
		return nil, callErr
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return nil, &CallInitiationError{Message: "provider returned no call sid"}
	}

	span.SetAttributes(attribute.String("twilio.call_sid", *resp.Sid))
	result := &CallResult{CallSID: *resp.Sid, To: to}
	if resp.Status != nil {
		result.Status = string(*resp.Status)
	}
	g.logger.Info("outbound call created",
		zap.String("call_sid", result.CallSID),
		zap.String("to", policy.MaskPhone(to)),
	)
	return result, nil
}
