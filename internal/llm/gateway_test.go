package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meditriage/triage-platform/pkg/logging"
)

// stubClient returns scripted responses/errors in order.
type stubClient struct {
	responses []Response
	errs      []error
	calls     int
	lastReq   Request
}

func (s *stubClient) Complete(_ context.Context, req Request) (Response, error) {
	idx := s.calls
	s.calls++
	s.lastReq = req
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	var resp Response
	if idx < len(s.responses) {
		resp = s.responses[idx]
	}
	return resp, err
}

func fastConfig() GatewayConfig {
	return GatewayConfig{
		ConverseModel:  "triage-conversational",
		ReportModel:    "triage-report",
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}
}

func TestConverseReturnsRawText(t *testing.T) {
	client := &stubClient{responses: []Response{{Text: "How long have you felt this way? <<EMERGENCY>>"}}}
	g := NewGateway(client, client, fastConfig(), logging.New("error"))

	text, err := g.Converse(context.Background(), []ChatMessage{{Role: ChatRoleUser, Content: "chest pain"}})
	require.NoError(t, err)
	// Gateway does not interpret content; markers pass through untouched.
	assert.Contains(t, text, "<<EMERGENCY>>")
	assert.Equal(t, "triage-conversational", client.lastReq.Model)
}

func TestConverseRetriesTransientFailures(t *testing.T) {
	client := &stubClient{
		errs:      []error{errors.New("connection reset"), errors.New("timeout"), nil},
		responses: []Response{{}, {}, {Text: "recovered"}},
	}
	g := NewGateway(client, client, fastConfig(), logging.New("error"))

	text, err := g.Converse(context.Background(), []ChatMessage{{Role: ChatRoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 3, client.calls)
}

func TestConverseGivesUpAfterMaxAttempts(t *testing.T) {
	client := &stubClient{
		errs: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}
	g := NewGateway(client, client, fastConfig(), logging.New("error"))

	_, err := g.Converse(context.Background(), []ChatMessage{{Role: ChatRoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
}

func TestConverseCancellationStopsRetries(t *testing.T) {
	client := &stubClient{errs: []error{context.Canceled}}
	g := NewGateway(client, client, fastConfig(), logging.New("error"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Converse(ctx, []ChatMessage{{Role: ChatRoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, 1, client.calls, "cancelled calls must not be retried")
}

func TestSummarizeParsesStructuredPayload(t *testing.T) {
	client := &stubClient{responses: []Response{{
		Text: "```json\n{\"health_status\":\"follow-up\",\"summary\":\"Recurring headaches\",\"symptoms\":[\"headache\"],\"recommendation\":\"See a GP this week\"}\n```",
	}}}
	g := NewGateway(client, client, fastConfig(), logging.New("error"))

	payload, err := g.Summarize(context.Background(), []ChatMessage{{Role: ChatRoleUser, Content: "transcript"}}, false)
	require.NoError(t, err)
	assert.Equal(t, "follow-up", payload.HealthStatus)
	assert.Equal(t, []string{"headache"}, payload.Symptoms)
	assert.NotEmpty(t, payload.Raw)
	assert.Equal(t, "triage-report", client.lastReq.Model)
}

func TestSummarizeInvalidOutputNotRetried(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json at all", "I'm sorry, I can't do that."},
		{"unknown health status", `{"health_status":"dire","summary":"x"}`},
		{"missing summary", `{"health_status":"normal"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &stubClient{responses: []Response{{Text: tt.text}}}
			g := NewGateway(client, client, fastConfig(), logging.New("error"))

			_, err := g.Summarize(context.Background(), []ChatMessage{{Role: ChatRoleUser, Content: "t"}}, false)
			require.ErrorIs(t, err, ErrInvalidModelOutput)
			assert.Equal(t, 1, client.calls, "semantically malformed output must not trigger transport retries")
		})
	}
}

func TestSummarizeStrictAddsReprompt(t *testing.T) {
	client := &stubClient{responses: []Response{{
		Text: `{"health_status":"critical","summary":"Severe chest pain","symptoms":["chest pain"],"recommendation":"Call 911"}`,
	}}}
	g := NewGateway(client, client, fastConfig(), logging.New("error"))

	_, err := g.Summarize(context.Background(), []ChatMessage{{Role: ChatRoleUser, Content: "t"}}, true)
	require.NoError(t, err)
	assert.Len(t, client.lastReq.System, 2)
}

func TestFallbackClient(t *testing.T) {
	t.Run("primary success skips fallback", func(t *testing.T) {
		primary := &stubClient{responses: []Response{{Text: "primary"}}}
		fallback := &stubClient{}
		c := NewFallbackClient(primary, fallback, logging.New("error"))

		resp, err := c.Complete(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "primary", resp.Text)
		assert.Zero(t, fallback.calls)
	})

	t.Run("fallback used on primary failure", func(t *testing.T) {
		primary := &stubClient{errs: []error{errors.New("down")}}
		fallback := &stubClient{responses: []Response{{Text: "fallback"}}}
		c := NewFallbackClient(primary, fallback, logging.New("error"))

		resp, err := c.Complete(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "fallback", resp.Text)
	})

	t.Run("both failing surfaces both errors", func(t *testing.T) {
		primary := &stubClient{errs: []error{errors.New("down")}}
		fallback := &stubClient{errs: []error{errors.New("also down")}}
		c := NewFallbackClient(primary, fallback, logging.New("error"))

		_, err := c.Complete(context.Background(), Request{})
		require.Error(t, err)
		assert.ErrorContains(t, err, "down")
		assert.ErrorContains(t, err, "also down")
	})

	t.Run("no fallback configured", func(t *testing.T) {
		primary := &stubClient{errs: []error{errors.New("down")}}
		c := NewFallbackClient(primary, nil, logging.New("error"))

		_, err := c.Complete(context.Background(), Request{})
		require.EqualError(t, err, "down")
	})

	t.Run("cancelled context skips fallback", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		primary := &stubClient{errs: []error{context.Canceled}}
		fallback := &stubClient{responses: []Response{{Text: "never"}}}
		c := NewFallbackClient(primary, fallback, logging.New("error"))

		_, err := c.Complete(ctx, Request{})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, fallback.calls, "a dead context must not reach the next provider")
	})
}
