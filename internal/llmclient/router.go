package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Router dispatches ask(role, prompt, schema) to the model tier configured
// for that role, throttling each named model independently and retrying
// transient transport failures with exponential backoff.
type Router struct {
	cfg        config.LLMRouterConfig
	logger     *zap.Logger
	bus        *eventbus.Broker
	outputMode schemas.OutputMode

	transports    map[string]Transport
	limiters      map[string]*rate.Limiter
	modelSettings map[string]config.LLMModelConfig
}

// NewRouter resolves a Transport for every configured model.
func NewRouter(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger, bus *eventbus.Broker, outputMode schemas.OutputMode) (*Router, error) {
	r := &Router{
		cfg:           cfg,
		logger:        logger.Named("llmclient"),
		bus:           bus,
		outputMode:    outputMode,
		transports:    make(map[string]Transport),
		limiters:      make(map[string]*rate.Limiter),
		modelSettings: make(map[string]config.LLMModelConfig),
	}
	for name, m := range cfg.Models {
		transport, err := resolveTransport(ctx, m)
		if err != nil {
			return nil, err
		}
		r.transports[name] = transport
		r.limiters[name] = rate.NewLimiter(rate.Limit(2), 4)
		r.modelSettings[name] = m
	}
	return r, nil
}

// WithRoleModels returns a shallow copy of the Router with role->model name
// overrides applied and outputMode replaced when non-empty, sharing the same
// already-resolved transports/limiters so a per-operation override (§3.4,
// §6.1's start_operation opts) never re-dials a provider.
func (r *Router) WithRoleModels(overrides map[schemas.Role]string, outputMode schemas.OutputMode) *Router {
	cfg := r.cfg
	if m, ok := overrides[schemas.RolePlanner]; ok && m != "" {
		cfg.PlannerModel = m
	}
	if m, ok := overrides[schemas.RoleExecutor]; ok && m != "" {
		cfg.ExecutorModel = m
	}
	if m, ok := overrides[schemas.RoleReflector]; ok && m != "" {
		cfg.ReflectorModel = m
	}
	clone := *r
	clone.cfg = cfg
	if outputMode != "" {
		clone.outputMode = outputMode
	}
	return &clone
}

func (r *Router) modelNameFor(role schemas.Role) string {
	switch role {
	case schemas.RolePlanner:
		return r.cfg.PlannerModel
	case schemas.RoleExecutor:
		return r.cfg.ExecutorModel
	case schemas.RoleReflector:
		return r.cfg.ReflectorModel
	default:
		return r.cfg.PlannerModel
	}
}

// AskText issues a single generation call for role and returns the raw text
// reply, retrying transient transport errors with exponential backoff.
func (r *Router) AskText(ctx context.Context, role schemas.Role, systemPrompt, userPrompt string) (string, error) {
	modelName := r.modelNameFor(role)
	transport, ok := r.transports[modelName]
	if !ok {
		return "", corerr.New(corerr.KindFatal, fmt.Sprintf("no model configured for role %q (wanted %q)", role, modelName))
	}
	settings := r.modelSettings[modelName]
	limiter := r.limiters[modelName]

	req := schemas.GenerationRequest{
		Role:         role,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  settings.Temperature,
		TopP:         settings.TopP,
		TopK:         settings.TopK,
		MaxTokens:    settings.MaxTokens,
	}

	r.postRequestEvent(ctx, role, modelName, req)

	callCtx := ctx
	var cancel context.CancelFunc
	if settings.APITimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, settings.APITimeout)
		defer cancel()
	}

	var reply string
	op := func() error {
		if err := limiter.Wait(callCtx); err != nil {
			return backoff.Permanent(corerr.Wrap(corerr.KindCancelled, "llm rate limiter wait cancelled", err))
		}
		out, err := transport.Generate(callCtx, settings.Model, req)
		if err != nil {
			if corerr.Is(err, corerr.KindTransport) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		reply = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 300 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	bounded := backoff.WithMaxRetries(b, 4)

	if err := backoff.Retry(op, backoff.WithContext(bounded, ctx)); err != nil {
		if pe, ok := err.(*backoff.PermanentError); ok {
			r.postResponseEvent(ctx, role, modelName, "", pe.Err)
			return "", pe.Err
		}
		r.postResponseEvent(ctx, role, modelName, "", err)
		return "", err
	}
	r.postResponseEvent(ctx, role, modelName, reply, nil)
	return reply, nil
}

// AskJSON issues a generation call and decodes the reply into out,
// retrying up to cfg.SchemaRetries times with the previous decode error
// appended to the prompt when the model's output fails validation.
func (r *Router) AskJSON(ctx context.Context, role schemas.Role, systemPrompt, userPrompt string, out interface{}) error {
	retries := r.cfg.SchemaRetries
	if retries <= 0 {
		retries = 2
	}

	prompt := userPrompt
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		text, err := r.AskText(ctx, role, systemPrompt, prompt)
		if err != nil {
			return err
		}
		if decodeErr := json.Unmarshal(extractJSON(text), out); decodeErr != nil {
			lastErr = decodeErr
			prompt = fmt.Sprintf("%s\n\nYour previous reply failed to parse as the required JSON schema: %v\nReply again with valid JSON only.", userPrompt, decodeErr)
			continue
		}
		return nil
	}
	return corerr.Wrap(corerr.KindValidation, fmt.Sprintf("llm reply did not validate after %d attempts", retries+1), lastErr)
}

func (r *Router) postRequestEvent(ctx context.Context, role schemas.Role, model string, req schemas.GenerationRequest) {
	if r.bus == nil {
		return
	}
	payload := map[string]interface{}{"model": model}
	if r.outputMode == schemas.OutputDebug {
		payload["system_prompt"] = req.SystemPrompt
		payload["user_prompt"] = req.UserPrompt
	}
	r.bus.Post(ctx, schemas.EventLLMRequest, role, payload)
}

func (r *Router) postResponseEvent(ctx context.Context, role schemas.Role, model, text string, err error) {
	if r.bus == nil {
		return
	}
	payload := map[string]interface{}{"model": model}
	if err != nil {
		payload["error"] = err.Error()
	} else if r.outputMode != schemas.OutputSimple {
		payload["text"] = text
	}
	r.bus.Post(ctx, schemas.EventLLMResponse, role, payload)
}

// extractJSON strips a ```json fenced code block if the model wrapped its
// reply in markdown despite instructions not to.
func extractJSON(text string) []byte {
	trimmed := text
	if idx := indexOf(trimmed, "```json"); idx >= 0 {
		trimmed = trimmed[idx+len("```json"):]
		if end := indexOf(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
	} else if idx := indexOf(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[idx+3:]
		if end := indexOf(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
	}
	return []byte(trimmed)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
