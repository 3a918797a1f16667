// Package agentforum provides a high-level façade over the forum engine and
// its storage abstractions, enabling rapid construction of asynchronous
// multi-agent systems on top of an immutable, hash-addressed message tree.
// Most applications interact with this package by:
//  1. Creating an AgentForum via New() (optionally overriding the default in-memory tree store)
//  2. Registering one or more agent functions
//  3. Asking agents and consuming their response sequences
//
// The façade delegates orchestration to forum.Forum while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable tree store and a
// structured logger.
package agentforum

import (
	"context"

	"github.com/hupe1980/agentforum/core"
	"github.com/hupe1980/agentforum/forum"
	"github.com/hupe1980/agentforum/logging"
)

// Options configures the AgentForum instance.
type Options struct {
	// TreeStore persists the immutable message trees (defaults to an
	// in-memory implementation if not provided).
	TreeStore core.TreeStore

	// ErrorFormatter renders error conditions into error messages (defaults
	// to the forum's standard formatter).
	ErrorFormatter forum.ErrorFormatter

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentForum is the high-level façade aggregating the underlying forum.
type AgentForum struct {
	opts  Options
	forum *forum.Forum
}

// New creates a new AgentForum instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *AgentForum {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	f := forum.New(func(o *forum.Options) {
		o.TreeStore = opts.TreeStore
		o.Logger = opts.Logger
		if opts.ErrorFormatter != nil {
			o.ErrorFormatter = opts.ErrorFormatter
		}
	})

	return &AgentForum{opts: opts, forum: f}
}

// Forum exposes the underlying forum for advanced use.
func (m *AgentForum) Forum() *forum.Forum { return m.forum }

// RegisterAgent registers an agent function under the given alias.
func (m *AgentForum) RegisterAgent(alias string, fn forum.AgentFunc, optFns ...func(o *forum.AgentOptions)) (*forum.Agent, error) {
	return m.forum.RegisterAgent(alias, fn, optFns...)
}

// Agent looks up a registered agent by alias.
func (m *AgentForum) Agent(alias string) (*forum.Agent, error) {
	return m.forum.Agent(alias)
}

// GetConversation returns the named user-level conversation, creating it on
// first use.
func (m *AgentForum) GetConversation(descriptor string, optFns ...func(o *forum.ConversationOptions)) (*forum.ConversationTracker, error) {
	return m.forum.GetConversation(descriptor, optFns...)
}

// Ask sends content to the named agent and returns its response sequence.
// Responses stream in while the agent is still working.
func (m *AgentForum) Ask(ctx context.Context, agentAlias string, content forum.MsgContent, optFns ...func(o *forum.CallOptions)) (*forum.AsyncMessageSequence, error) {
	agent, err := m.forum.Agent(agentAlias)
	if err != nil {
		return nil, err
	}
	return agent.Ask(ctx, content, optFns...)
}

// AskSync is a synchronous helper that asks the named agent and waits for all
// its response messages.
func (m *AgentForum) AskSync(ctx context.Context, agentAlias string, content forum.MsgContent, optFns ...func(o *forum.CallOptions)) ([]core.Msg, error) {
	responses, err := m.Ask(ctx, agentAlias, content, optFns...)
	if err != nil {
		return nil, err
	}
	return responses.MaterializeAsList(ctx)
}
