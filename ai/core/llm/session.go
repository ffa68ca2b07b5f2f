package llm

import "context"

// UsageObserver receives token usage of completed calls.
type UsageObserver interface {
	ObserveTokens(provider, model string, stats *LLMCallStats)
}

// PromptSession binds a Service to the context engine: the fully formatted
// prompt, history included, is sent as a single user message.
type PromptSession struct {
	svc      Service
	provider string
	model    string
	usage    UsageObserver
}

// NewPromptSession creates a session over svc. usage may be nil.
func NewPromptSession(svc Service, cfg *Config, usage UsageObserver) *PromptSession {
	return &PromptSession{
		svc:      svc,
		provider: cfg.Provider,
		model:    cfg.Model,
		usage:    usage,
	}
}

// Respond sends prompt to the model and returns its answer.
func (p *PromptSession) Respond(ctx context.Context, prompt string) (string, error) {
	content, stats, err := p.svc.Chat(ctx, []Message{UserMessage(prompt)})
	if err != nil {
		return "", err
	}
	if p.usage != nil && stats != nil {
		p.usage.ObserveTokens(p.provider, p.model, stats)
	}
	return content, nil
}
