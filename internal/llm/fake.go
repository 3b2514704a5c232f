package llm

import "context"

// FakeClient is a scripted Client for tests elsewhere in the module.
type FakeClient struct {
	// Responses are returned in call order; the last entry repeats once
	// exhausted so a single stub covers multiple calls made with the same
	// fixture in mind.
	Responses []Result
	Err       error

	calls   int
	Prompts []string
	Models  []string
}

func (f *FakeClient) Complete(_ context.Context, model, _, prompt string, _ int) (Result, error) {
	f.Prompts = append(f.Prompts, prompt)
	f.Models = append(f.Models, model)

	if f.Err != nil {
		return Result{}, f.Err
	}
	if len(f.Responses) == 0 {
		return Result{Text: "", InputTokens: 0, OutputTokens: 0}, nil
	}
	idx := f.calls
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.calls++
	return f.Responses[idx], nil
}
