package llm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

// BreakerClient wraps a Client with a circuit breaker so a degraded LLM
// endpoint fails agent runs fast instead of holding pool slots until every
// call times out.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner with a breaker that opens after five consecutive
// failures and probes again after thirty seconds.
func NewBreaker(inner Client) *BreakerClient {
	return &BreakerClient{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "anthropic",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *BreakerClient) Complete(ctx context.Context, model, system, prompt string, maxTokens int) (Result, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Complete(ctx, model, system, prompt, maxTokens)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, errors.Wrap(apperr.ErrRemoteAPIFailure, "llm circuit breaker open")
		}
		return Result{}, err
	}
	return result.(Result), nil
}
