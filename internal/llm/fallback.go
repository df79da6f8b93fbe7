package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/meditriage/triage-platform/pkg/logging"
)

// FallbackClient walks a chain of model providers in order and answers from
// the first that succeeds. The report role keeps Bedrock ahead of Gemini so
// a single provider outage cannot stop report generation.
type FallbackClient struct {
	chain  []Client
	logger *logging.Logger
}

// NewFallbackClient builds a two-provider chain. A nil fallback leaves the
// primary on its own.
func NewFallbackClient(primary, fallback Client, logger *logging.Logger) *FallbackClient {
	if primary == nil {
		panic("llm: primary client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	chain := []Client{primary}
	if fallback != nil {
		chain = append(chain, fallback)
	}
	return &FallbackClient{chain: chain, logger: logger}
}

// Complete tries each provider until one answers. A cancelled context stops
// the walk early: the next provider would fail against the same dead context.
func (c *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	var errs []error
	for pos, client := range c.chain {
		resp, err := client.Complete(ctx, req)
		if err == nil {
			if pos > 0 {
				c.logger.Info("model fallback answered after primary failure", "position", pos)
			}
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		if pos < len(c.chain)-1 {
			c.logger.Warn("model provider failed, trying next",
				"position", pos,
				"error", err.Error(),
			)
		}
	}
	if len(errs) == 1 {
		return Response{}, errs[0]
	}
	return Response{}, fmt.Errorf("llm: all providers failed: %w", errors.Join(errs...))
}
