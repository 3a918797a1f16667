package forum

import (
	"context"
	"sync"

	"github.com/hupe1980/agentforum/core"
)

// InteractionContext is everything an agent body knows about the invocation it
// is serving: the request messages, the conversation branch it responds on,
// the producer for its responses (nil when the agent was told rather than
// asked) and the context of the agent that called it (nil when the user called
// directly). One context exists per invocation, and it tracks the nested calls
// the body makes so they can be joined before the invocation's response
// sequence closes.
type InteractionContext struct {
	forum        *Forum
	agent        *Agent
	parent       *InteractionContext
	requestSeq   *AsyncMessageSequence
	conversation *ConversationTracker
	producer     *MessageProducer

	mu       sync.Mutex
	children []*AgentCall
}

// Forum returns the forum this invocation runs in.
func (ic *InteractionContext) Forum() *Forum { return ic.forum }

// ThisAgent returns the agent being invoked.
func (ic *InteractionContext) ThisAgent() *Agent { return ic.agent }

// Parent returns the context of the calling agent, or nil for a top-level
// invocation (the user asked directly).
func (ic *InteractionContext) Parent() *InteractionContext { return ic.parent }

// AskingAgent returns the agent behind the call. Top-level invocations have no
// asking agent and get ErrNoAskingAgent.
func (ic *InteractionContext) AskingAgent() (*Agent, error) {
	if ic.parent == nil {
		return nil, core.ErrNoAskingAgent
	}
	return ic.parent.agent, nil
}

// AskingAlias returns the alias responses are conversationally addressed to:
// the calling agent's alias, or UserAlias for top-level invocations.
func (ic *InteractionContext) AskingAlias() string {
	if ic.parent == nil {
		return UserAlias
	}
	return ic.parent.agent.Alias()
}

// RequestMessages returns the sequence of messages this invocation was asked
// with. It can be iterated while the caller is still sending.
func (ic *InteractionContext) RequestMessages() *AsyncMessageSequence { return ic.requestSeq }

// Conversation returns the tracker of the branch this invocation responds on.
// Its history leads through the call marker back to the caller's context.
func (ic *InteractionContext) Conversation() *ConversationTracker { return ic.conversation }

// WasAsked reports whether this invocation was asked rather than told, i.e.
// whether the caller is waiting on a response sequence of its own.
func (ic *InteractionContext) WasAsked() bool { return ic.producer != nil }

// Respond appends content to a response sequence. An asked invocation responds
// on its own sequence; a told invocation delegates to the nearest ancestor
// context that was asked, so its responses still reach whoever is waiting.
// Returns ErrNoAskingAgent when no context up the parent chain was asked.
// Sequences and batches splice in place; everything else becomes one response
// message.
func (ic *InteractionContext) Respond(content MsgContent, optFns ...func(o *SendOptions)) error {
	for ctx := ic; ctx != nil; ctx = ctx.parent {
		if ctx.producer != nil {
			return ctx.producer.Send(content, optFns...)
		}
	}
	return core.ErrNoAskingAgent
}

func (ic *InteractionContext) registerChild(call *AgentCall) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.children = append(ic.children, call)
}

// finishChildren closes the request side of every nested call the body left
// open and waits for all of them to run to completion, so that no goroutine
// spawned on behalf of this invocation outlives its response sequence. Child
// failures do not propagate; they are already contained in the children's own
// response sequences.
func (ic *InteractionContext) finishChildren(ctx context.Context) {
	ic.mu.Lock()
	children := make([]*AgentCall, len(ic.children))
	copy(children, ic.children)
	ic.mu.Unlock()

	for _, child := range children {
		child.Finish()
	}
	for _, child := range children {
		select {
		case <-child.done:
		case <-ctx.Done():
			return
		}
	}
}
