package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/enrich"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/rules"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/waterfall"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider"
	anthropicpkg "github.com/sells-group/enrich-cli/pkg/anthropic"
	"github.com/sells-group/enrich-cli/pkg/gemini"
	"github.com/sells-group/enrich-cli/pkg/geocode"
	"github.com/sells-group/enrich-cli/pkg/openai"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
)

// Provider names accepted in waterfall chains.
const (
	providerAnthropic  = "anthropic"
	providerOpenAI     = "openai"
	providerGemini     = "gemini"
	providerPerplexity = "perplexity"
)

var knownProviders = map[string]bool{
	providerAnthropic:  true,
	providerOpenAI:     true,
	providerGemini:     true,
	providerPerplexity: true,
}

// enrichEnv holds everything the batch and serve commands need.
type enrichEnv struct {
	Store       store.Store
	Coordinator *enrich.Coordinator
	Breakers    *resilience.ServiceBreakers
	Chains      map[model.Capability][]string
	Geocoder    string
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store. Callers migrate it if needed.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openStore opens and migrates the store.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if err := c.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnrich validates config for mode, opens the store and builds the
// coordinator. Callers should defer env.Close().
func initEnrich(ctx context.Context, c *config.Config, mode string) (*enrichEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(ctx, c, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the orchestrator, geocoder and coordinator around st.
func buildEnv(ctx context.Context, c *config.Config, st store.Store) (*enrichEnv, error) {
	wcfg, err := c.Waterfall.Resolve()
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewServiceBreakers(c.Resilience.Breaker())
	reg, err := buildRegistry(ctx, c, wcfg, breakers)
	if err != nil {
		return nil, err
	}

	chains := make(map[model.Capability][]string)
	adapters := make(map[model.Capability][]provider.Adapter)
	for _, capability := range []model.Capability{model.CapabilityClassification, model.CapabilityEnhancement} {
		names, err := activeChain(reg, capability, wcfg.Chain(capability))
		if err != nil {
			return nil, err
		}
		chain, err := reg.Chain(capability, names)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve %s chain", capability)
		}
		chains[capability] = names
		adapters[capability] = chain
	}

	orch := waterfall.NewOrchestrator(rules.New(c.Lexicon()),
		adapters[model.CapabilityClassification], adapters[model.CapabilityEnhancement])

	opts := []enrich.Option{}
	geocoderName := ""
	gc, err := buildGeocoder(c.Geocode)
	if err != nil {
		return nil, err
	}
	if gc != nil {
		opts = append(opts, enrich.WithGeocoder(gc))
		geocoderName = gc.Provider()
	}

	zap.L().Info("enrichment pipeline ready",
		zap.Strings("classification_chain", chains[model.CapabilityClassification]),
		zap.Strings("enhancement_chain", chains[model.CapabilityEnhancement]),
		zap.String("geocoder", geocoderName),
	)

	return &enrichEnv{
		Store:       st,
		Coordinator: enrich.NewCoordinator(st, orch, opts...),
		Breakers:    breakers,
		Chains:      chains,
		Geocoder:    geocoderName,
	}, nil
}

// activeChain drops chain entries whose provider has no credentials. Unknown
// names are an error so typos surface at startup.
func activeChain(reg *provider.Registry, capability model.Capability, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !knownProviders[name] {
			return nil, eris.Errorf("waterfall: unknown provider %q in %s chain", name, capability)
		}
		if reg.Get(capability, name) == nil {
			zap.L().Warn("provider not configured, dropping from chain",
				zap.String("provider", name),
				zap.String("capability", string(capability)),
			)
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// buildRegistry registers an adapter per configured provider and capability,
// each wrapped with its timeout and a per-provider circuit breaker.
func buildRegistry(ctx context.Context, c *config.Config, wcfg *waterfall.Config, breakers *resilience.ServiceBreakers) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	category := wcfg.Category
	if category == "" {
		category = c.Lexicon().Category
	}
	llmOpts := []provider.LLMOption{provider.WithCategory(category)}

	register := func(name string, build func(model.Capability) provider.Adapter) {
		for _, capability := range []model.Capability{model.CapabilityClassification, model.CapabilityEnhancement} {
			reg.Register(provider.Wrap(build(capability), wcfg.Timeout(name), breakers.Get(name)))
		}
	}

	if c.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(c.Anthropic.Key)
		register(providerAnthropic, func(capability model.Capability) provider.Adapter {
			return provider.NewAnthropic(client, capability, c.Anthropic.Model, llmOpts...)
		})
	}
	if c.OpenAI.Key != "" {
		client := openai.NewClient(c.OpenAI.Key, openai.WithModel(c.OpenAI.Model), openai.WithBaseURL(c.OpenAI.BaseURL))
		register(providerOpenAI, func(capability model.Capability) provider.Adapter {
			return provider.NewOpenAI(client, capability, c.OpenAI.Model, llmOpts...)
		})
	}
	if c.Gemini.Key != "" {
		client, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:  c.Gemini.Key,
			Model:   c.Gemini.Model,
			BaseURL: c.Gemini.BaseURL,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init gemini client")
		}
		register(providerGemini, func(capability model.Capability) provider.Adapter {
			return provider.NewGemini(client, capability, c.Gemini.Model, llmOpts...)
		})
	}
	if c.Perplexity.Key != "" {
		client := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
		register(providerPerplexity, func(capability model.Capability) provider.Adapter {
			return provider.NewPerplexity(client, capability, c.Perplexity.Model, llmOpts...)
		})
	}
	return reg, nil
}

// buildGeocoder returns nil when geocoding is disabled.
func buildGeocoder(gc config.GeocodeConfig) (*geocode.Integrator, error) {
	if gc.Disabled {
		zap.L().Info("geocoding disabled")
		return nil, nil
	}
	p, err := geocode.NewProvider(gc.Provider, gc.APIKey,
		geocode.WithEndpoint(gc.Endpoint),
		geocode.WithUserAgent(gc.UserAgent),
		geocode.WithTimeout(time.Duration(gc.TimeoutSecs)*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return geocode.NewIntegrator(p, geocode.WithInterval(time.Duration(gc.IntervalMs)*time.Millisecond)), nil
}
