package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ServiceConfig describes one generative service and its pricing.
type ServiceConfig struct {
	ID               string  `yaml:"id"`
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	Endpoint         string  `yaml:"endpoint"`
	MaxTokens        int     `yaml:"maxTokens"`
	InputPricePer1K  float64 `yaml:"inputPricePer1K"`
	OutputPricePer1K float64 `yaml:"outputPricePer1K"`

	// MaxConcurrent bounds in-flight calls from this process (0 = unbounded).
	MaxConcurrent int64 `yaml:"maxConcurrent"`
}

// Credentials are the provider API keys.
type Credentials struct {
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	OpenAIAPIKey    string `yaml:"openaiApiKey"`
}

type entry struct {
	service   domain.Service
	generator ports.Generator
}

// Registry implements ports.ServiceCatalog.
type Registry struct {
	services  map[string]entry
	defaultID string
}

var _ ports.ServiceCatalog = (*Registry)(nil)

// NewRegistry builds generators for every configured service. Services whose
// provider has no API key are skipped with a warning.
func NewRegistry(cfgs []ServiceConfig, creds Credentials, defaultID string, timeout time.Duration, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{services: map[string]entry{}, defaultID: defaultID}

	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("service without id")
		}
		var gen ports.Generator
		switch cfg.Provider {
		case ProviderAnthropic:
			if creds.AnthropicAPIKey == "" {
				logger.Warn("skip service without api key", "service", cfg.ID, "provider", cfg.Provider)
				continue
			}
			gen = NewAnthropicGenerator(creds.AnthropicAPIKey, cfg.Model)
		case ProviderOpenAI:
			if creds.OpenAIAPIKey == "" {
				logger.Warn("skip service without api key", "service", cfg.ID, "provider", cfg.Provider)
				continue
			}
			gen = NewOpenAIGenerator(cfg.Endpoint, creds.OpenAIAPIKey, cfg.Model, timeout)
		default:
			return nil, fmt.Errorf("service %s: unknown provider %q", cfg.ID, cfg.Provider)
		}
		r.Add(cfg, gen)
	}

	if r.defaultID == "" && len(cfgs) > 0 {
		r.defaultID = cfgs[0].ID
	}
	return r, nil
}

// Add registers gen under cfg.ID, replacing any previous entry.
func (r *Registry) Add(cfg ServiceConfig, gen ports.Generator) {
	if r.services == nil {
		r.services = map[string]entry{}
	}
	if cfg.MaxConcurrent > 0 {
		gen = &boundedGenerator{next: gen, sem: semaphore.NewWeighted(cfg.MaxConcurrent)}
	}
	r.services[cfg.ID] = entry{
		service: domain.Service{
			ID:               cfg.ID,
			Provider:         cfg.Provider,
			Model:            cfg.Model,
			MaxTokens:        cfg.MaxTokens,
			InputPricePer1K:  cfg.InputPricePer1K,
			OutputPricePer1K: cfg.OutputPricePer1K,
		},
		generator: gen,
	}
}

func (r *Registry) Lookup(id string) (domain.Service, ports.Generator, bool) {
	e, ok := r.services[id]
	if !ok {
		return domain.Service{}, nil, false
	}
	return e.service, e.generator, true
}

func (r *Registry) Default() string {
	return r.defaultID
}

// boundedGenerator caps concurrent calls; waiting honours ctx.
type boundedGenerator struct {
	next ports.Generator
	sem  *semaphore.Weighted
}

func (b *boundedGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return domain.GenerationResult{}, err
	}
	defer b.sem.Release(1)
	return b.next.Generate(ctx, req)
}
