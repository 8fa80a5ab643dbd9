package internal

import (
	"context"
	"fmt"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openrouter"
	"github.com/m-mizutani/goerr/v2"
)

type FantasyConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

var _ Summarizer = (*FantasySummarizer)(nil)

// FantasySummarizer asks a language model to summarize the events folded into
// a roll-up commit.
type FantasySummarizer struct {
	model fantasy.LanguageModel
	name  string
}

func NewFantasySummarizer(ctx context.Context, cfg FantasyConfig) (*FantasySummarizer, error) {
	provider, err := fantasyProvider(cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "create provider", goerr.V("provider", cfg.Provider))
	}

	model, err := provider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, goerr.Wrap(err, "get language model", goerr.V("model", cfg.Model))
	}
	return &FantasySummarizer{model: model, name: cfg.Provider + ":" + cfg.Model}, nil
}

func fantasyProvider(cfg FantasyConfig) (fantasy.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.New(withBaseURL([]openai.Option{openai.WithAPIKey(cfg.APIKey)}, cfg.BaseURL, openai.WithBaseURL)...)
	case "anthropic":
		return anthropic.New(withBaseURL([]anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}, cfg.BaseURL, anthropic.WithBaseURL)...)
	case "openrouter":
		return openrouter.New(openrouter.WithAPIKey(cfg.APIKey))
	}
	return nil, goerr.Wrap(ErrInvalidArgument, "unsupported summarizer provider")
}

func withBaseURL[O any](opts []O, baseURL string, with func(string) O) []O {
	if baseURL == "" {
		return opts
	}
	return append(opts, with(baseURL))
}

const summarizePrompt = `Summarize the following memory events into one compact note.
Keep names, decisions, numbers and open questions. Do not add anything that is not in the events.
Answer with the note only.

%s`

func (s *FantasySummarizer) Summarize(ctx context.Context, events []*Event) (string, error) {
	if len(events) == 0 {
		return "", goerr.Wrap(ErrInvalidArgument, "nothing to summarize")
	}

	var sb strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&sb, "- [%s %s] %s\n", ev.Timestamp.Format("2006-01-02 15:04"), ev.Type, ev.Payload)
	}

	agent := fantasy.NewAgent(s.model)
	result, err := agent.Generate(ctx, fantasy.AgentCall{
		Prompt: fmt.Sprintf(summarizePrompt, sb.String()),
	})
	if err != nil {
		return "", goerr.Wrap(err, "generate summary", goerr.V("events", len(events)))
	}

	text := strings.TrimSpace(result.Response.Content.Text())
	if text == "" {
		return "", goerr.New("model returned an empty summary")
	}
	return text, nil
}

func (s *FantasySummarizer) Name() string {
	return s.name
}
