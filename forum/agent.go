package forum

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentforum/core"
)

// AgentFunc is the body of an agent. It consumes the request messages and
// conversational history through ic and produces responses through ic.Respond.
// A returned error (or a panic) does not escape: it is turned into an error
// message on the agent's own response sequence.
type AgentFunc func(ctx context.Context, ic *InteractionContext, kwargs *core.Freeform) error

// Agent is a named, registered agent function.
type Agent struct {
	forum       *Forum
	alias       string
	description string
	fn          AgentFunc
}

// Alias returns the agent's registered alias.
func (a *Agent) Alias() string { return a.alias }

// Description returns the agent's human-readable description.
func (a *Agent) Description() string { return a.description }

// CallOptions configures an agent call.
type CallOptions struct {
	// Caller threads the calling agent's interaction context into the call:
	// the callee inherits the caller's conversation branch and the exit of the
	// caller waits for this call to finish. Nil means the call comes straight
	// from the user.
	Caller *InteractionContext
	// Conversation makes the call part of an ongoing user-level conversation:
	// the request continues that branch and the branch advances past the
	// exchange. Setting both Caller and Conversation is an error.
	Conversation *ConversationTracker
	// ForceNewConversation starts the callee on a fresh root, hiding all
	// conversational history from it; request messages that already exist
	// elsewhere are re-sent as forwarded copies so they bring no history along.
	// It is an error to combine this with a conversation that already has
	// history.
	ForceNewConversation bool
	// Kwargs are free-form call parameters, recorded on the call marker.
	Kwargs map[string]any
}

// AgentCall is one in-flight invocation of an agent. The callee's goroutine is
// already running when Call returns; the caller streams request messages in
// through Send and closes the request side with Finish, after which the call
// marker materializes and responses can conclude.
type AgentCall struct {
	id    string
	agent *Agent

	requestProducer *MessageProducer
	responseSeq     *AsyncMessageSequence
	done            chan struct{}
}

// ID returns the unique identifier of this invocation, used to correlate its
// log records.
func (c *AgentCall) ID() string { return c.id }

// Send streams one more piece of request content to the callee.
func (c *AgentCall) Send(content MsgContent, optFns ...func(o *SendOptions)) error {
	return c.requestProducer.Send(content, optFns...)
}

// Finish closes the request side and returns the response sequence. Idempotent.
// Nil for a told invocation, which has no response sequence of its own.
func (c *AgentCall) Finish() *AsyncMessageSequence {
	c.requestProducer.Close()
	return c.responseSeq
}

// ResponseSequence returns the callee's response sequence, or nil for a told
// invocation. Responses may start arriving before the request side is finished.
func (c *AgentCall) ResponseSequence() *AsyncMessageSequence { return c.responseSeq }

// Done is closed once the callee's goroutine (and every nested call it made)
// has fully finished and the response sequence is closed.
func (c *AgentCall) Done() <-chan struct{} { return c.done }

// Call starts an asked invocation of the agent. The body is scheduled eagerly
// on its own goroutine; request messages are streamed in afterwards via Send
// and Finish.
func (a *Agent) Call(ctx context.Context, optFns ...func(o *CallOptions)) (*AgentCall, error) {
	return a.startCall(ctx, true, optFns...)
}

func (a *Agent) startCall(ctx context.Context, asking bool, optFns ...func(o *CallOptions)) (*AgentCall, error) {
	opts := CallOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Caller != nil && opts.Conversation != nil {
		return nil, core.NewValidationError("a call cannot set both Caller and Conversation")
	}
	if opts.ForceNewConversation {
		source := opts.Conversation
		if opts.Caller != nil {
			source = opts.Caller.conversation
		}
		if source != nil && source.HasPriorHistory() {
			return nil, core.NewValidationError("cannot force a new conversation on a branch that already has history")
		}
	}

	kwargs, err := core.NewFreeform(opts.Kwargs)
	if err != nil {
		return nil, err
	}

	callerAlias := UserAlias
	if opts.Caller != nil {
		callerAlias = opts.Caller.agent.Alias()
	}

	// The request sequence grows on its own branch so the source conversation
	// is never written from two goroutines. The branch point is the source's
	// position at call time.
	var requestTracker *ConversationTracker
	switch {
	case opts.Caller != nil:
		requestTracker = opts.Caller.conversation.fork()
	case opts.Conversation != nil:
		requestTracker = opts.Conversation.fork()
	default:
		requestTracker = newConversationTracker(a.forum)
	}
	requestSeq := newMessageSequence(requestTracker, callerAlias, func(o *SequenceOptions) {
		o.ForceForward = opts.ForceNewConversation
	})

	// The callee responds on a branch rooted at the call marker, which in turn
	// chains after the last request message once the request side closes.
	callPromise := newAgentCallPromise(a.forum, requestSeq, a.alias, kwargs)
	calleeConversation := newConversationTracker(a.forum)
	calleeConversation.setTip(callPromise)

	call := &AgentCall{
		id:              uuid.NewString(),
		agent:           a,
		requestProducer: newMessageProducer(requestSeq),
		done:            make(chan struct{}),
	}

	ic := &InteractionContext{
		forum:        a.forum,
		agent:        a,
		parent:       opts.Caller,
		requestSeq:   requestSeq,
		conversation: calleeConversation,
	}

	// A told invocation gets no response sequence; whatever the body responds
	// is delegated up the parent chain by Respond.
	if asking {
		call.responseSeq = newMessageSequence(calleeConversation, a.alias)
		ic.producer = newMessageProducer(call.responseSeq)
	}

	if opts.Caller != nil {
		opts.Caller.registerChild(call)
	}
	if opts.Caller == nil && opts.Conversation != nil {
		// User-level conversations advance past the whole exchange: an asked
		// call past the responses, a told call past the call marker.
		if asking {
			opts.Conversation.setTipSequence(call.responseSeq)
		} else {
			opts.Conversation.setTip(callPromise)
		}
	}

	a.forum.runAgent(ctx, call, ic, kwargs)
	return call, nil
}

// Ask sends content to the agent as a complete request and returns the
// response sequence. Responses stream in as the agent produces them.
func (a *Agent) Ask(ctx context.Context, content MsgContent, optFns ...func(o *CallOptions)) (*AsyncMessageSequence, error) {
	call, err := a.Call(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	if err := call.Send(content); err != nil {
		return nil, err
	}
	return call.Finish(), nil
}

// Tell sends content to the agent without asking for responses: the invocation
// has no response sequence of its own, and anything the body responds is
// delegated to the nearest asked context up the caller chain. A told top-level
// agent that responds anyway gets ErrNoAskingAgent.
func (a *Agent) Tell(ctx context.Context, content MsgContent, optFns ...func(o *CallOptions)) error {
	call, err := a.startCall(ctx, false, optFns...)
	if err != nil {
		return err
	}
	if err := call.Send(content); err != nil {
		return err
	}
	call.Finish()
	return nil
}

// runAgent executes the agent body on its own goroutine. The body's error
// returns and panics never escape the invocation: they become error messages
// on the response sequence, to be discovered by whoever consumes it. Nested
// calls are joined and the response sequence is closed no matter how the body
// ends.
func (f *Forum) runAgent(ctx context.Context, call *AgentCall, ic *InteractionContext, kwargs *core.Freeform) {
	alias := ic.agent.Alias()
	go func() {
		start := time.Now()
		defer func() {
			ic.finishChildren(ctx)
			if ic.producer != nil {
				ic.producer.Close()
			}
			close(call.done)
			f.logger.Debug("agent call finished", "agent", alias, "call_id", call.id, "duration", time.Since(start))
		}()
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("agent panicked: %v", r)
				}
				f.logger.Error("agent panicked", "agent", alias, "call_id", call.id, "error", err)
				if respondErr := ic.Respond(ErrorContent(err)); respondErr != nil {
					f.logger.Error("could not respond with panic error", "agent", alias, "call_id", call.id, "error", respondErr)
				}
			}
		}()

		f.logger.Debug("agent call started", "agent", alias, "call_id", call.id)
		if err := ic.agent.fn(ctx, ic, kwargs); err != nil {
			f.logger.Warn("agent returned an error", "agent", alias, "call_id", call.id, "error", err)
			if respondErr := ic.Respond(ErrorContent(err)); respondErr != nil {
				f.logger.Error("could not respond with agent error", "agent", alias, "call_id", call.id, "error", respondErr)
			}
		}
	}()
}
