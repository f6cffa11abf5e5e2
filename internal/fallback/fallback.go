// Package fallback provides the non-streaming responder used when the duplex
// session is unusable. One consistent mode: a single text completion request
// against a configured LLM provider, guarded by a circuit breaker.
package fallback

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/auralis-ai/auralis/internal/resilience"
)

// Reply is the result of one fallback completion.
type Reply struct {
	Text   string
	Tokens int64
}

// Responder answers a single prompt without a live session.
type Responder interface {
	Respond(ctx context.Context, prompt string) (Reply, error)
}

// AnyLLMResponder answers prompts through a unified multi-provider LLM
// backend (OpenAI, Anthropic, Gemini, Ollama and others).
type AnyLLMResponder struct {
	backend           anyllmlib.Provider
	model             string
	systemInstruction string
	temperature       *float64
}

// New creates a responder for the named provider. An empty apiKey defers to
// the provider's environment variable convention.
func New(providerName, model, apiKey, systemInstruction string, temperature *float64) (*AnyLLMResponder, error) {
	if model == "" {
		return nil, fmt.Errorf("fallback: model must not be empty")
	}
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("fallback: create %q backend: %w", providerName, err)
	}
	return &AnyLLMResponder{
		backend:           backend,
		model:             model,
		systemInstruction: systemInstruction,
		temperature:       temperature,
	}, nil
}

// Respond issues one completion request and returns the model text.
func (r *AnyLLMResponder) Respond(ctx context.Context, prompt string) (Reply, error) {
	var messages []anyllmlib.Message
	if r.systemInstruction != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: r.systemInstruction,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: prompt,
	})

	params := anyllmlib.CompletionParams{
		Model:       r.model,
		Messages:    messages,
		Temperature: r.temperature,
	}

	resp, err := r.backend.Completion(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("fallback: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("fallback: empty choices in response")
	}

	reply := Reply{Text: resp.Choices[0].Message.ContentString()}
	if resp.Usage != nil {
		reply.Tokens = int64(resp.Usage.TotalTokens)
	}
	return reply, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
}

// GuardedResponder wraps a [Responder] with a circuit breaker so a dead
// fallback endpoint fails fast instead of stalling every degraded session.
type GuardedResponder struct {
	inner   Responder
	breaker *resilience.Breaker
}

// Guard wraps r with breaker.
func Guard(r Responder, breaker *resilience.Breaker) *GuardedResponder {
	return &GuardedResponder{inner: r, breaker: breaker}
}

func (g *GuardedResponder) Respond(ctx context.Context, prompt string) (Reply, error) {
	var reply Reply
	err := g.breaker.Do(func() error {
		var err error
		reply, err = g.inner.Respond(ctx, prompt)
		return err
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

var (
	_ Responder = (*AnyLLMResponder)(nil)
	_ Responder = (*GuardedResponder)(nil)
)
