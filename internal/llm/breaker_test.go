package llm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

func TestBreakerPassesThroughSuccess(t *testing.T) {
	fake := &FakeClient{Responses: []Result{{Text: "ok", InputTokens: 5, OutputTokens: 7}}}
	client := NewBreaker(fake)

	result, err := client.Complete(context.Background(), "model", "", "prompt", 100)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 5, result.InputTokens)
	assert.Equal(t, 7, result.OutputTokens)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake := &FakeClient{Err: errors.New("upstream down")}
	client := NewBreaker(fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.Complete(ctx, "model", "", "prompt", 100)
		require.Error(t, err)
		require.NotErrorIs(t, err, apperr.ErrRemoteAPIFailure, "call %d should still reach the client", i)
	}

	// Sixth call: circuit is open, the client is never invoked.
	callsBefore := len(fake.Prompts)
	_, err := client.Complete(ctx, "model", "", "prompt", 100)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrRemoteAPIFailure))
	assert.Len(t, fake.Prompts, callsBefore)
}
