package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/hochfrequenz/genpipe/internal/config"
)

var chatKeyEnv = map[string]string{
	"claude": "ANTHROPIC_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// New builds the adapter selected by cfg.Kind and wraps it in a Retry.
// The pool backend is not built here; it needs the coordinator that
// serve owns, and serve wires it up itself.
func New(ctx context.Context, cfg config.BackendConfig) (Adapter, error) {
	base, err := newBase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Retry{
		Adapter:    base,
		MaxRetries: cfg.MaxRetries,
		Delay:      cfg.RetryDelay,
		Timeout:    cfg.Timeout,
	}, nil
}

func newBase(ctx context.Context, cfg config.BackendConfig) (Adapter, error) {
	switch cfg.Kind {
	case "gemini", "":
		return NewGemini(ctx, apiKey(cfg, "GEMINI_API_KEY"), cfg.Model)
	case "claude", "openai", "ollama":
		return NewChat(ctx, cfg.Kind, ChatOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    apiKey(cfg, chatKeyEnv[cfg.Kind]),
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		})
	case "cli":
		return NewCLI(cfg.Command)
	case "mock":
		return NewMock(), nil
	case "pool":
		return nil, fmt.Errorf("pool backend only runs under serve; start genpipe serve or pick another kind")
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// apiKey returns the configured key, falling back to the environment.
func apiKey(cfg config.BackendConfig, env string) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
