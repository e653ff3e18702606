package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/shared"
	"github.com/basket/ontoti/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// DefaultTimeout bounds a single generation call when none is configured.
const DefaultTimeout = 30 * time.Second

// fallbackPromptRunes is how much of the user prompt is echoed back by the
// no-credentials fallback.
const fallbackPromptRunes = 200

var builtinModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-sonnet-4-5",
	"openai":            "gpt-4o-mini",
	"openrouter":        "anthropic/claude-sonnet-4-5",
	"openai_compatible": "gpt-4o-mini",
}

// Generator produces text for a system/user prompt pair. Implementations
// never return an error: failures are rendered into the returned text so a
// pipeline stage always receives a string. An empty string means the
// provider answered without content.
type Generator interface {
	Generate(ctx context.Context, system, user string) string
}

// GenerateFunc is the raw provider call underneath a GenkitGenerator.
type GenerateFunc func(ctx context.Context, system, user string) (string, error)

// Options configures a GenkitGenerator.
type Options struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Logger   *slog.Logger

	// Backend replaces the Genkit call. When set the generator is always
	// considered credentialed.
	Backend GenerateFunc
}

// GenkitGenerator routes generation through a Genkit instance configured for
// one provider.
type GenkitGenerator struct {
	provider string
	model    string
	timeout  time.Duration
	logger   *slog.Logger

	g       *genkit.Genkit
	backend GenerateFunc
	llmOn   bool
}

// FromConfig builds a generator from the llm section of cfg, resolving the
// API key from the environment.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) *GenkitGenerator {
	return New(ctx, Options{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.ProviderAPIKey(normalizeProvider(cfg.LLM.Provider)),
		Timeout:  time.Duration(cfg.GenerationTimeoutSeconds) * time.Second,
		Logger:   logger,
	})
}

// New initializes Genkit with the configured provider. Supported providers:
// google (Gemini), anthropic, openai, openai_compatible and openrouter. A
// missing key leaves the generator in deterministic fallback mode.
func New(ctx context.Context, opts Options) *GenkitGenerator {
	provider := normalizeProvider(opts.Provider)
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = builtinModels[provider]
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	gen := &GenkitGenerator{
		provider: provider,
		model:    model,
		timeout:  timeout,
		logger:   logger,
	}
	if opts.Backend != nil {
		gen.backend = opts.Backend
		gen.llmOn = true
		return gen
	}

	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		logger.Warn("generator: API key missing; using deterministic fallback", "provider", provider)
		return gen
	}

	switch provider {
	case "anthropic":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: baseURL,
		}))
	case "openai":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai_compatible",
			APIKey:   apiKey,
			BaseURL:  opts.BaseURL,
		}))
	case "openrouter":
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		gen.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelNameForProvider(provider, model)),
		)
	default:
		logger.Warn("generator: unknown provider, using deterministic fallback", "provider", provider)
		return gen
	}

	gen.backend = gen.genkitGenerate
	gen.llmOn = true
	logger.Info("generator initialized", "provider", provider, "model", model)
	return gen
}

// Label identifies the provider and model, e.g. "google:gemini-2.5-flash".
func (g *GenkitGenerator) Label() string {
	return g.provider + ":" + g.model
}

// Enabled reports whether a real provider backs the generator.
func (g *GenkitGenerator) Enabled() bool {
	return g.llmOn
}

// Generate runs one bounded provider call. Errors come back as
// "[provider:model] generation failed (CLASS): ..." with secrets redacted.
func (g *GenkitGenerator) Generate(ctx context.Context, system, user string) string {
	if !g.llmOn {
		return fmt.Sprintf("[%s] no API key configured. Prompt: %s",
			g.Label(), tokenutil.Truncate(user, fallbackPromptRunes))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	text, err := g.backend(callCtx, system, user)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		class := ClassifyError(err)
		g.logger.WarnContext(ctx, "generation failed",
			"provider", g.provider,
			"model", g.model,
			"class", string(class),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return fmt.Sprintf("[%s] generation failed (%s): %s", g.Label(), class, shared.Redact(err.Error()))
	}
	g.logger.DebugContext(ctx, "generation complete",
		"provider", g.provider,
		"duration_ms", time.Since(start).Milliseconds(),
		"chars", len(text),
	)
	return strings.TrimSpace(text)
}

func (g *GenkitGenerator) genkitGenerate(ctx context.Context, system, user string) (string, error) {
	// Genkit treats prompt strings as format templates.
	system = strings.ReplaceAll(system, "%", "%%")
	user = strings.ReplaceAll(user, "%", "%%")

	resp, err := genkit.Generate(ctx, g.g,
		ai.WithModelName(modelNameForProvider(g.provider, g.model)),
		ai.WithSystem(system),
		ai.WithPrompt(user),
	)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" || p == "gemini" {
		return "google"
	}
	return p
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		// Passed through as-is, e.g. "anthropic/claude-sonnet-4-5" on OpenRouter.
		return model
	default:
		return "googleai/" + model
	}
}
