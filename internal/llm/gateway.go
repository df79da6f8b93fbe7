package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meditriage/triage-platform/pkg/logging"
)

// ErrInvalidModelOutput indicates the backend answered but the payload failed
// structural validation. It is never retried at the gateway layer; the caller
// decides whether a re-prompt is worth it.
var ErrInvalidModelOutput = errors.New("llm: invalid model output")

// Health status values the report role is allowed to emit.
const (
	HealthStatusNormal   = "normal"
	HealthStatusFollowUp = "follow-up"
	HealthStatusCritical = "critical"
)

const conversationalSystemPrompt = `You are a medical triage assistant conducting a patient intake conversation.
Ask one focused question at a time, keep answers short, and never invent a diagnosis.
If at any point the patient describes a medical emergency, include the marker <<EMERGENCY>> in your reply.
When you have gathered enough information and the conversation should end, include the marker <<END_OF_CONVERSATION>> in your reply.`

const reportSystemPrompt = `You are a clinical report writer. Given a complete triage conversation transcript,
produce a JSON object with exactly these fields:
  "health_status": one of "normal", "follow-up", "critical"
  "summary": a short clinical summary of the conversation
  "symptoms": an array of reported symptoms
  "recommendation": the recommended next step for the patient
Respond with the JSON object only.`

const strictReportReprompt = `Your previous output was not valid. Respond with ONLY a single JSON object,
no prose, no markdown fences, with fields health_status (one of "normal", "follow-up", "critical"),
summary (string), symptoms (array of strings), recommendation (string).`

// ReportPayload is the structured output of the report role, parsed and
// minimally validated by the gateway. Raw preserves the exact model JSON for
// downstream rendering.
type ReportPayload struct {
	HealthStatus   string          `json:"health_status"`
	Summary        string          `json:"summary"`
	Symptoms       []string        `json:"symptoms"`
	Recommendation string          `json:"recommendation"`
	Raw            json.RawMessage `json:"-"`
}

// GatewayConfig carries the per-role transport policy.
type GatewayConfig struct {
	ConverseModel   string
	ReportModel     string
	ConverseTimeout time.Duration
	ReportTimeout   time.Duration
	MaxAttempts     int
	RetryBaseDelay  time.Duration
}

func (c *GatewayConfig) applyDefaults() {
	if c.ConverseTimeout <= 0 {
		c.ConverseTimeout = 30 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Gateway adapts the turn-request/turn-response contract of the session
// engine onto the underlying inference clients. The two model roles share the
// transport/retry code but differ in client, model id, prompt and timeout.
type Gateway struct {
	conversational Client
	report         Client
	cfg            GatewayConfig
	logger         *logging.Logger
}

// NewGateway wires both roles. The same Client may back both.
func NewGateway(conversational, report Client, cfg GatewayConfig, logger *logging.Logger) *Gateway {
	if conversational == nil {
		panic("llm: conversational client cannot be nil")
	}
	if report == nil {
		panic("llm: report client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Gateway{
		conversational: conversational,
		report:         report,
		cfg:            cfg,
		logger:         logger,
	}
}

// Converse sends the transcript window to the conversational model and
// returns its raw response text, markers included. Transient failures are
// retried with bounded exponential backoff.
func (g *Gateway) Converse(ctx context.Context, history []ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConverseTimeout)
	defer cancel()

	req := Request{
		Model:       g.cfg.ConverseModel,
		System:      []string{conversationalSystemPrompt},
		Messages:    history,
		MaxTokens:   1024,
		Temperature: 0.3,
	}

	resp, err := g.completeWithRetry(ctx, g.conversational, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%w: empty conversational response", ErrInvalidModelOutput)
	}
	return resp.Text, nil
}

// Summarize sends the full final transcript to the report model and parses
// its structured output. strict switches to a harsher re-prompt used for the
// single validation retry. A response that parses but carries an unknown
// health_status is surfaced as ErrInvalidModelOutput, never retried here.
func (g *Gateway) Summarize(ctx context.Context, history []ChatMessage, strict bool) (*ReportPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReportTimeout)
	defer cancel()

	system := []string{reportSystemPrompt}
	if strict {
		system = append(system, strictReportReprompt)
	}

	req := Request{
		Model:       g.cfg.ReportModel,
		System:      system,
		Messages:    history,
		MaxTokens:   2048,
		Temperature: 0,
	}

	resp, err := g.completeWithRetry(ctx, g.report, req)
	if err != nil {
		return nil, err
	}
	return parseReportPayload(resp.Text)
}

// completeWithRetry absorbs transient transport failures. Validation failures
// and context cancellation are returned immediately.
func (g *Gateway) completeWithRetry(ctx context.Context, client Client, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("llm: completion cancelled: %w", ctx.Err())
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.cfg.RetryBaseDelay << (attempt - 1)
		g.logger.Warn("transient LLM failure, backing off",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("llm: completion cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return Response{}, fmt.Errorf("llm: completion failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

// parseReportPayload extracts the JSON object from the model text, tolerating
// markdown fences and surrounding prose, then validates required fields.
func parseReportPayload(text string) (*ReportPayload, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in report response", ErrInvalidModelOutput)
	}

	var payload ReportPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModelOutput, err)
	}
	payload.Raw = json.RawMessage(raw)

	switch payload.HealthStatus {
	case HealthStatusNormal, HealthStatusFollowUp, HealthStatusCritical:
	default:
		return nil, fmt.Errorf("%w: unrecognized health_status %q", ErrInvalidModelOutput, payload.HealthStatus)
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrInvalidModelOutput)
	}
	return &payload, nil
}

func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return text[start : end+1]
}
