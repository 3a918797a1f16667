// Package anthropic streams completions from the Anthropic Messages API into
// AgentForum token streams.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentforum/core"
	"github.com/hupe1980/agentforum/forum"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API as a token stream source.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

// GenerateOptions configure a single generation.
type GenerateOptions struct {
	// System is sent as the system prompt.
	System string
}

// Generate starts a streaming message over the given conversation history and
// returns the token stream immediately; tokens arrive as the API produces
// them. A failed API call fails the stream, surfacing when the stream is
// materialized into a message.
func (m *Model) Generate(ctx context.Context, history []core.Msg, optFns ...func(o *GenerateOptions)) *forum.TokenStream {
	opts := GenerateOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	stream := forum.NewTokenStream(func(o *forum.TokenStreamOptions) {
		o.OverrideMetadata = map[string]any{"anthropic_model": string(m.opts.Model)}
	})
	producer := forum.NewTokenProducer(stream)

	go func() {
		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(history),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if opts.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: opts.System}}
		}

		s := m.client.Messages.NewStreaming(ctx, params)
		for s.Next() {
			event := s.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						if err := producer.Send(forum.ContentChunk{Text: delta.Text}); err != nil {
							return
						}
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					producer.SetMetadata("anthropic_stop_reason", string(ev.Delta.StopReason))
				}
			}
		}
		if err := s.Err(); err != nil {
			producer.Fail(fmt.Errorf("anthropic streaming error: %w", err))
			return
		}
		producer.Close()
	}()

	return stream
}

// buildMessages converts conversation history to Anthropic message format.
func buildMessages(history []core.Msg) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		if msg.Content() == "" {
			continue
		}
		if messageRole(msg) == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content())))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content())))
		}
	}
	return messages
}

// messageRole resolves the chat role of a message: an explicit
// "anthropic_role" metadata field wins, otherwise messages from the user are
// "user" and everything else is "assistant".
func messageRole(msg core.Msg) string {
	if role, ok := msg.Metadata().Get("anthropic_role"); ok {
		if s, ok := role.(string); ok {
			return s
		}
	}
	if msg.SenderAlias() == forum.UserAlias {
		return "user"
	}
	return "assistant"
}
