// Package ai wraps language model calls with model fallback, per-model
// retries and a bounded attempt timeout.
package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/topic-digest-bot/internal/metrics"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNoModels is returned when no model is registered.
	ErrNoModels = errors.New("no AI models registered")
	// ErrAllModelsUnavailable is returned once every model and attempt
	// has failed. It wraps the last underlying error.
	ErrAllModelsUnavailable = errors.New("all AI models unavailable")
)

const jsonInstruction = "\n\nReturn the answer ONLY as JSON, without any additional text."

type Config struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	// BackoffUnit is multiplied by 2^attempt between attempts.
	BackoffUnit time.Duration
	RateLimit   float64
	RateBurst   int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		AttemptTimeout: 25 * time.Second,
		BackoffUnit:    time.Second,
		RateLimit:      2,
		RateBurst:      1,
	}
}

type Gateway struct {
	backend Backend
	store   storage.ModelStore
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	models []models.AIModel
}

// NewGateway builds a gateway. store may be nil, in which case the model
// registry only lives in memory.
func NewGateway(backend Backend, store storage.ModelStore, config Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultConfig().AttemptTimeout
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Gateway{
		backend: backend,
		store:   store,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("ai_gateway"),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload replaces the in-memory registry with the persisted model list.
func (g *Gateway) Reload(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	list, err := g.store.GetModels(ctx)
	if err != nil {
		return fmt.Errorf("error loading models: %w", err)
	}
	g.SetModels(list)
	g.logger.Info("Loaded AI models", zap.Int("count", len(list)))
	return nil
}

func (g *Gateway) SetModels(list []models.AIModel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.models = append([]models.AIModel(nil), list...)
}

// Models returns the registry in registration order.
func (g *Gateway) Models() []models.AIModel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]models.AIModel(nil), g.models...)
}

// AddModel persists a model and appends it to the registry. It reports
// false when the name is already taken.
func (g *Gateway) AddModel(ctx context.Context, name, identifier string) (bool, error) {
	if name == "" || identifier == "" {
		return false, errors.New("model name and identifier are required")
	}
	if g.store != nil {
		added, err := g.store.AddModel(ctx, name, identifier)
		if err != nil || !added {
			return false, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.models {
		if m.Name == name {
			return false, nil
		}
	}
	g.models = append(g.models, models.AIModel{Name: name, Identifier: identifier})
	return true, nil
}

func (g *Gateway) RemoveModel(ctx context.Context, name string) (bool, error) {
	removed := false
	if g.store != nil {
		var err error
		removed, err = g.store.RemoveModel(ctx, name)
		if err != nil {
			return false, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.models {
		if m.Name == name {
			g.models = append(g.models[:i], g.models[i+1:]...)
			return true, nil
		}
	}
	return removed, nil
}

// order returns the preferred model (or the first registered one) followed
// by every other model in registration order.
func (g *Gateway) order(preferred string) []models.AIModel {
	list := g.Models()
	if preferred == "" {
		return list
	}
	for i, m := range list {
		if m.Name == preferred {
			ordered := make([]models.AIModel, 0, len(list))
			ordered = append(ordered, m)
			ordered = append(ordered, list[:i]...)
			return append(ordered, list[i+1:]...)
		}
	}
	return list
}

// Complete returns the first successful completion.
func (g *Gateway) Complete(ctx context.Context, prompt, preferredModel string) (string, error) {
	candidates := g.order(preferredModel)
	if len(candidates) == 0 {
		return "", ErrNoModels
	}

	g.logger.Debug("Sending completion request", zap.Int("prompt_length", len(prompt)))

	var lastErr error
	for _, model := range candidates {
		text, err := g.completeWithRetry(ctx, model, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		g.logger.Warn("Model unavailable, trying next",
			zap.String("model", model.Name),
			zap.Error(err))
	}

	g.logger.Error("All AI models unavailable", zap.Error(lastErr))
	return "", fmt.Errorf("%w: %w", ErrAllModelsUnavailable, lastErr)
}

// CompleteStructured asks for JSON-only output. The reply is not validated.
func (g *Gateway) CompleteStructured(ctx context.Context, prompt string) (string, error) {
	return g.Complete(ctx, prompt+jsonInstruction, "")
}

func (g *Gateway) completeWithRetry(ctx context.Context, model models.AIModel, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.config.BackoffUnit * time.Duration(1<<(attempt-1))
			if err := g.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}

		text, err := g.attempt(ctx, model, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		g.logger.Warn("Completion attempt failed",
			zap.String("model", model.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", g.config.MaxRetries),
			zap.Error(err))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (g *Gateway) attempt(ctx context.Context, model models.AIModel, prompt string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.config.AttemptTimeout)
	defer cancel()

	start := time.Now()
	text, err := g.backend.Complete(attemptCtx, model.Identifier, prompt)
	metrics.AIRequestDuration.WithLabelValues(model.Name).Observe(time.Since(start).Seconds())

	if err == nil && text == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		result := "error"
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result = "timeout"
			err = fmt.Errorf("attempt timed out after %s: %w", g.config.AttemptTimeout, err)
		}
		metrics.AIRequests.WithLabelValues(model.Name, result).Inc()
		return "", err
	}
	metrics.AIRequests.WithLabelValues(model.Name, "success").Inc()
	return text, nil
}
