// Package llmrouter decides, per utterance, which language model engine
// answers: the deterministic local engine or the configured remote one.
// The decision weighs tenant cost budget, intent complexity, and the
// remote engine's circuit health.
package llmrouter

import (
	"context"
	"log/slog"

	"github.com/smartflowcrm/voicecore/internal/breaker"
	"github.com/smartflowcrm/voicecore/internal/config"
	"github.com/smartflowcrm/voicecore/internal/intent"
	"github.com/smartflowcrm/voicecore/internal/llm"
	"github.com/smartflowcrm/voicecore/internal/tenant"
)

// Route reasons, surfaced in events and latency reports.
const (
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonBudgetDegraded = "budget_degraded"
	ReasonForced         = "forced"
	ReasonSimpleIntent   = "simple_intent"
	ReasonComplexIntent  = "complex_intent"
	ReasonCircuitOpen    = "circuit_open"
	ReasonNoRemote       = "no_remote"
)

// Options carries per-call routing overrides.
type Options struct {
	ForceProvider string
	MaxTokens     int
	Temperature   float64
}

// Result summarizes one routed generation turn.
type Result struct {
	Intent      intent.Result
	Response    string
	TotalTokens int
	Provider    string
	RouteReason string
}

type Router struct {
	classifier intent.Classifier
	local      llm.Generator
	remote     llm.Generator
	breakers   *breaker.Registry
	cfg        config.LLMConfig
	log        *slog.Logger
}

func New(classifier intent.Classifier, local, remote llm.Generator, breakers *breaker.Registry, cfg config.LLMConfig, log *slog.Logger) *Router {
	return &Router{
		classifier: classifier,
		local:      local,
		remote:     remote,
		breakers:   breakers,
		cfg:        cfg,
		log:        log.With(slog.String("component", "llm-router")),
	}
}

// Route classifies the message, picks an engine, and streams the
// response through onSentence one completed sentence at a time. A failed
// remote generation fails over to the local engine exactly once.
func (r *Router) Route(ctx context.Context, userMessage string, settings tenant.Settings, memoryContext string, language string, opts Options, onSentence func(sentence string, index int) error) (Result, error) {
	intentRes, err := r.classifier.Classify(ctx, userMessage, language)
	if err != nil {
		// Classification is advisory; fall back to unknown rather than
		// failing the turn.
		r.log.Warn("intent classification failed", slog.String("error", err.Error()))
		intentRes = intent.Result{Intent: intent.IntentUnknown, Confidence: 0}
	}
	complexity := intent.ClassifyComplexity(userMessage)

	provider, reason := r.decide(intentRes.Intent, complexity, settings, opts)

	req := llm.Request{
		Prompt:      userMessage,
		System:      settings.Persona,
		Context:     memoryContext,
		Intent:      intentRes.Intent,
		Language:    language,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}

	result := Result{Intent: intentRes, Provider: provider.Name(), RouteReason: reason}

	response, tokens, err := r.generate(ctx, provider, req, onSentence)
	if err != nil {
		if provider == r.local {
			return result, err
		}
		// One-shot failover to the local engine.
		r.log.Warn("remote generation failed, failing over",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()))
		result.Provider = r.local.Name()
		result.RouteReason = "failover_from_" + provider.Name()
		response, tokens, err = r.generate(ctx, r.local, req, onSentence)
		if err != nil {
			return result, err
		}
	}

	result.Response = response
	result.TotalTokens = tokens
	return result, nil
}

// decide applies the routing precedence, first match wins.
func (r *Router) decide(intentName string, complexity intent.Complexity, settings tenant.Settings, opts Options) (llm.Generator, string) {
	switch settings.Budget {
	case tenant.BudgetExceeded:
		return r.local, ReasonBudgetExceeded
	case tenant.BudgetDegraded:
		return r.local, ReasonBudgetDegraded
	}
	if opts.ForceProvider != "" {
		if r.remote != nil && opts.ForceProvider == r.remote.Name() {
			return r.remote, ReasonForced
		}
		return r.local, ReasonForced
	}
	if intent.Simple(intentName) && complexity != intent.ComplexityHigh {
		return r.local, ReasonSimpleIntent
	}
	if r.remote == nil {
		return r.local, ReasonNoRemote
	}
	if !r.breakers.Get(r.remote.Name()).IsAvailable() {
		return r.local, ReasonCircuitOpen
	}
	return r.remote, ReasonComplexIntent
}

// generate runs one engine, assembling streamed chunks into sentences.
// Remote calls go through the engine's circuit breaker.
func (r *Router) generate(ctx context.Context, g llm.Generator, req llm.Request, onSentence func(string, int) error) (string, int, error) {
	run := func(ctx context.Context) (generation, error) {
		var gen generation
		assembler := llm.NewSentenceAssembler(func(sentence string, index int) error {
			if gen.response != "" {
				gen.response += " "
			}
			gen.response += sentence
			if onSentence != nil {
				return onSentence(sentence, index)
			}
			return nil
		})
		err := g.Generate(ctx, req, func(c llm.Chunk) error {
			if c.Done {
				gen.tokens = c.PromptTokens + c.CompletionTokens
			}
			return assembler.Write(c.Content)
		})
		if err != nil {
			return gen, err
		}
		return gen, assembler.Flush()
	}

	if g == r.remote {
		gen, err := breaker.Execute(ctx, r.breakers.Get(g.Name()), run, nil)
		return gen.response, gen.tokens, err
	}
	gen, err := run(ctx)
	return gen.response, gen.tokens, err
}

type generation struct {
	response string
	tokens   int
}
