// Package openai streams chat completions from the OpenAI API into AgentForum
// token streams. It adapts conversation history into the SDK's message format
// and feeds the streamed deltas through a TokenProducer, so agents can respond
// with model output token by token.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentforum/core"
	"github.com/hupe1980/agentforum/forum"
)

// Options configure the OpenAI model adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API as a token stream source.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a new OpenAI model from an existing client
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// GenerateOptions configure a single generation.
type GenerateOptions struct {
	// System is prepended as a system message.
	System string
}

// Generate starts a streaming chat completion over the given conversation
// history and returns the token stream immediately; tokens arrive as the API
// produces them. A failed API call fails the stream, surfacing when the
// stream is materialized into a message.
func (m *Model) Generate(ctx context.Context, history []core.Msg, optFns ...func(o *GenerateOptions)) *forum.TokenStream {
	opts := GenerateOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	stream := forum.NewTokenStream(func(o *forum.TokenStreamOptions) {
		o.OverrideMetadata = map[string]any{"openai_model": m.opts.Model}
	})
	producer := forum.NewTokenProducer(stream)

	go func() {
		params := openai.ChatCompletionNewParams{
			Messages:            buildMessages(history, opts.System),
			Model:               m.opts.Model,
			Temperature:         openai.Float(m.opts.Temperature),
			MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
		}
		s := m.client.Chat.Completions.NewStreaming(ctx, params)
		for s.Next() {
			ck := s.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					if err := producer.Send(forum.ContentChunk{Text: ch.Delta.Content}); err != nil {
						return
					}
				}
				if ch.FinishReason != "" {
					producer.SetMetadata("openai_finish_reason", ch.FinishReason)
				}
			}
		}
		if err := s.Err(); err != nil {
			producer.Fail(fmt.Errorf("openai streaming error: %w", err))
			return
		}
		producer.Close()
	}()

	return stream
}

// buildMessages converts conversation history into OpenAI chat messages.
func buildMessages(history []core.Msg, system string) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, msg := range history {
		switch messageRole(msg) {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content()))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content()))
		default:
			messages = append(messages, openai.UserMessage(msg.Content()))
		}
	}
	return messages
}

// messageRole resolves the chat role of a message: an explicit "openai_role"
// metadata field wins, otherwise messages from the user are "user" and
// everything else is "assistant".
func messageRole(msg core.Msg) string {
	if role, ok := msg.Metadata().Get("openai_role"); ok {
		if s, ok := role.(string); ok {
			return s
		}
	}
	if msg.SenderAlias() == forum.UserAlias {
		return "user"
	}
	return "assistant"
}
