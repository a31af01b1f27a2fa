package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatOptions configures an eino-backed chat model adapter
type ChatOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Chat adapts an eino chat model (claude, openai, ollama) to the
// Adapter interface
type Chat struct {
	kind  string
	model model.BaseChatModel
}

// NewChat creates the chat model for the given kind
func NewChat(ctx context.Context, kind string, opts ChatOptions) (*Chat, error) {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 16 * 1024
	}

	var (
		cm  model.BaseChatModel
		err error
	)
	switch kind {
	case "claude":
		cfg := &claude.Config{
			APIKey:    opts.APIKey,
			Model:     opts.Model,
			MaxTokens: opts.MaxTokens,
		}
		if opts.BaseURL != "" {
			cfg.BaseURL = &opts.BaseURL
		}
		cm, err = claude.NewChatModel(ctx, cfg)
	case "openai":
		cm, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:   opts.BaseURL,
			APIKey:    opts.APIKey,
			Model:     opts.Model,
			MaxTokens: &opts.MaxTokens,
			Timeout:   opts.Timeout,
		})
	case "ollama":
		cm, err = ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: opts.BaseURL,
			Model:   opts.Model,
		})
	default:
		return nil, fmt.Errorf("unknown chat model kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s chat model: %w", kind, err)
	}

	return &Chat{kind: kind, model: cm}, nil
}

func (c *Chat) Name() string { return c.kind }

func (c *Chat) Invoke(ctx context.Context, req Request) (*Result, error) {
	var msgs []*schema.Message
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	msgs = append(msgs, schema.UserMessage(req.Prompt))

	var opts []model.Option
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*req.Temperature)))
	}
	if req.TopP != nil {
		opts = append(opts, model.WithTopP(float32(*req.TopP)))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	start := time.Now()
	out, err := c.model.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, Classify(err)
	}
	if out.Content == "" {
		return nil, &Error{Kind: ErrTransport, Err: fmt.Errorf("empty response from %s", c.kind)}
	}

	result := &Result{
		Output:   out.Content,
		Model:    req.Model,
		Attempts: 1,
		Duration: time.Since(start),
	}
	if result.Model == "" {
		result.Model = c.kind
	}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		result.TokensIn = out.ResponseMeta.Usage.PromptTokens
		result.TokensOut = out.ResponseMeta.Usage.CompletionTokens
	}
	return result, nil
}
