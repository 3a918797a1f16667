package forum

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforum/core"
)

func registerEcho(t *testing.T, f *Forum, alias string) *Agent {
	t.Helper()
	agent, err := f.RegisterAgent(alias, func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		it := ic.RequestMessages().Iterate(ctx)
		for it.Next() {
			content, err := it.Current().MaterializeContent(ctx)
			if err != nil {
				return err
			}
			if err := ic.Respond(Text("echo: " + content)); err != nil {
				return err
			}
		}
		return it.Err()
	})
	require.NoError(t, err)
	return agent
}

// registerHistorian registers an agent that responds with the length of the
// conversational history it was invoked with.
func registerHistorian(t *testing.T, f *Forum) *Agent {
	t.Helper()
	agent, err := f.RegisterAgent("Historian", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		history, err := ic.RequestMessages().MaterializeFullHistory(ctx, true)
		if err != nil {
			return err
		}
		return ic.Respond(Text(fmt.Sprintf("seen %d", len(history))))
	})
	require.NoError(t, err)
	return agent
}

func getConversation(t *testing.T, f *Forum, descriptor string) *ConversationTracker {
	t.Helper()
	conv, err := f.GetConversation(descriptor)
	require.NoError(t, err)
	return conv
}

// -------------------- Registration Tests --------------------

func TestRegisterAgent_Duplicate(t *testing.T) {
	f := newTestForum()
	registerEcho(t, f, "Echo")

	_, err := f.RegisterAgent("Echo", func(context.Context, *InteractionContext, *core.Freeform) error { return nil })
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
}

func TestRegisterAgent_InvalidAlias(t *testing.T) {
	f := newTestForum()
	for _, alias := range []string{"", "has space", "has/slash"} {
		_, err := f.RegisterAgent(alias, func(context.Context, *InteractionContext, *core.Freeform) error { return nil })
		assert.Error(t, err, "alias %q", alias)
	}
}

func TestRegisterAgent_NilFunc(t *testing.T) {
	f := newTestForum()
	_, err := f.RegisterAgent("Broken", nil)
	assert.Error(t, err)
}

func TestForum_AgentLookup(t *testing.T) {
	f := newTestForum()
	registered := registerEcho(t, f, "Echo")

	agent, err := f.Agent("Echo")
	require.NoError(t, err)
	assert.Same(t, registered, agent)
	assert.Equal(t, "Echo", agent.Alias())

	_, err = f.Agent("Nobody")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.ElementsMatch(t, []string{"Echo"}, f.AgentAliases())
}

func TestRegisterAgent_Description(t *testing.T) {
	f := newTestForum()
	agent, err := f.RegisterAgent("Described", func(context.Context, *InteractionContext, *core.Freeform) error { return nil },
		func(o *AgentOptions) { o.Description = "does things" })
	require.NoError(t, err)
	assert.Equal(t, "does things", agent.Description())

	anonymous := registerEcho(t, f, "Echo")
	assert.Equal(t, "", anonymous.Description())

	templated, err := f.RegisterAgent("Greeter", func(context.Context, *InteractionContext, *core.Freeform) error { return nil },
		func(o *AgentOptions) { o.Description = "{AGENT_ALIAS} greets people. Ask {AGENT_ALIAS} for a greeting." })
	require.NoError(t, err)
	assert.Equal(t, "Greeter greets people. Ask Greeter for a greeting.", templated.Description())
}

func TestForum_GetConversationMemoized(t *testing.T) {
	f := newTestForum()
	assert.Same(t, getConversation(t, f, "chat"), getConversation(t, f, "chat"))
	assert.NotSame(t, getConversation(t, f, "chat"), getConversation(t, f, "other"))

	first, err := f.NewConversation()
	require.NoError(t, err)
	second, err := f.NewConversation()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestForum_ConversationBranchPointConflict(t *testing.T) {
	f := newTestForum()
	seq := newMessageSequence(newConversationTracker(f), "alice")
	producer := newMessageProducer(seq)
	require.NoError(t, producer.Send(Text("root")))
	producer.Close()
	tip, err := seq.ConcludingPromise(context.Background())
	require.NoError(t, err)

	_, err = f.NewConversation(func(o *ConversationOptions) {
		o.BranchFrom = tip
		o.BranchFromSequence = seq
	})
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
}

// -------------------- Ask / Tell Tests --------------------

func TestAgent_Ask(t *testing.T) {
	f := newTestForum()
	echo := registerEcho(t, f, "Echo")
	ctx := context.Background()

	responses, err := echo.Ask(ctx, Text("hello"))
	require.NoError(t, err)

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: hello", msgs[0].Content())
	assert.Equal(t, "Echo", msgs[0].SenderAlias())
}

func TestAgent_AskMultipleRequestMessages(t *testing.T) {
	f := newTestForum()
	echo := registerEcho(t, f, "Echo")
	ctx := context.Background()

	call, err := echo.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, call.Send(Text("one")))
	require.NoError(t, call.Send(Text("two")))
	responses := call.Finish()

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo: one", "echo: two"}, contentsOf(t, msgs))
}

func TestAgent_RequestSenderDefaultsToUser(t *testing.T) {
	f := newTestForum()
	agent, err := f.RegisterAgent("Observer", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		msgs, err := ic.RequestMessages().MaterializeAsList(ctx)
		if err != nil {
			return err
		}
		return ic.Respond(Text(msgs[0].SenderAlias()))
	})
	require.NoError(t, err)

	ctx := context.Background()
	responses, err := agent.Ask(ctx, Text("who am I?"))
	require.NoError(t, err)
	content, err := responses.MaterializeConcludingContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, UserAlias, content)
}

func TestAgent_Tell(t *testing.T) {
	f := newTestForum()
	ran := make(chan string, 1)
	agent, err := f.RegisterAgent("Listener", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		content, err := ic.RequestMessages().MaterializeConcludingContent(ctx)
		if err != nil {
			return err
		}
		ran <- content
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, agent.Tell(context.Background(), Text("fire and forget")))

	select {
	case content := <-ran:
		assert.Equal(t, "fire and forget", content)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never ran")
	}
}

func TestAgent_ToldAgentDelegatesResponses(t *testing.T) {
	f := newTestForum()
	_, err := f.RegisterAgent("Child", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		assert.False(t, ic.WasAsked())
		return ic.Respond(Text("from child"))
	})
	require.NoError(t, err)

	parent, err := f.RegisterAgent("Parent", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		assert.True(t, ic.WasAsked())
		if err := ic.Respond(Text("from parent")); err != nil {
			return err
		}
		child, err := ic.Forum().Agent("Child")
		if err != nil {
			return err
		}
		return child.Tell(ctx, Text("speak up"), func(o *CallOptions) { o.Caller = ic })
	})
	require.NoError(t, err)

	ctx := context.Background()
	responses, err := parent.Ask(ctx, Text("go"))
	require.NoError(t, err)

	// The child was only told, so what it responds lands on the asked parent's
	// response sequence.
	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"from parent", "from child"}, contentsOf(t, msgs))
}

func TestAgent_ToldTopLevelHasNoOneToRespondTo(t *testing.T) {
	f := newTestForum()
	captured := make(chan error, 1)
	agent, err := f.RegisterAgent("Shouting", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		captured <- ic.Respond(Text("anyone there?"))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, agent.Tell(context.Background(), Text("hello")))

	select {
	case err := <-captured:
		assert.ErrorIs(t, err, core.ErrNoAskingAgent)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never ran")
	}
}

func TestAgent_Kwargs(t *testing.T) {
	f := newTestForum()
	agent, err := f.RegisterAgent("Configurable", func(ctx context.Context, ic *InteractionContext, kwargs *core.Freeform) error {
		depth, _ := kwargs.Get("depth")
		return ic.Respond(Text(fmt.Sprintf("depth=%v", depth)))
	})
	require.NoError(t, err)

	ctx := context.Background()
	responses, err := agent.Ask(ctx, Text("go"), func(o *CallOptions) {
		o.Kwargs = map[string]any{"depth": 3}
	})
	require.NoError(t, err)
	content, err := responses.MaterializeConcludingContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "depth=3", content)
}

func TestAgent_KwargsValidation(t *testing.T) {
	f := newTestForum()
	agent := registerEcho(t, f, "Echo")

	_, err := agent.Call(context.Background(), func(o *CallOptions) {
		o.Kwargs = map[string]any{"bad": make(chan int)}
	})
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
}

// -------------------- History Tests --------------------

func TestAgent_ResponseHistoryIncludesRequest(t *testing.T) {
	f := newTestForum()
	echo := registerEcho(t, f, "Echo")
	ctx := context.Background()

	responses, err := echo.Ask(ctx, Text("hello"))
	require.NoError(t, err)

	history, err := responses.MaterializeFullHistory(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "echo: hello"}, contentsOf(t, history))

	// With markers included, the call marker shows up between request and
	// response.
	full, err := responses.MaterializeFullHistory(ctx, false)
	require.NoError(t, err)
	require.Len(t, full, 3)
	call, ok := full[1].(*core.AgentCallMsg)
	require.True(t, ok)
	assert.Equal(t, "Echo", call.ReceiverAlias())
	assert.Equal(t, full[0].HashKey(), call.PrevHashKey())
	assert.Equal(t, full[0].HashKey(), call.SeqStartHashKey())
}

func TestAgent_ConversationContinuity(t *testing.T) {
	f := newTestForum()
	historian := registerHistorian(t, f)

	ctx := context.Background()
	conversation := getConversation(t, f, "chat")

	first, err := historian.Ask(ctx, Text("turn one"), func(o *CallOptions) { o.Conversation = conversation })
	require.NoError(t, err)
	content, err := first.MaterializeConcludingContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seen 1", content)

	// Second turn sees the first request and the first response.
	second, err := historian.Ask(ctx, Text("turn two"), func(o *CallOptions) { o.Conversation = conversation })
	require.NoError(t, err)
	content, err = second.MaterializeConcludingContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seen 3", content)
}

func TestAgent_ForceNewConversationRejectsPriorHistory(t *testing.T) {
	f := newTestForum()
	historian := registerHistorian(t, f)

	ctx := context.Background()
	conversation := getConversation(t, f, "chat")

	_, err := historian.Ask(ctx, Text("turn one"), func(o *CallOptions) { o.Conversation = conversation })
	require.NoError(t, err)

	_, err = historian.Ask(ctx, Text("clean slate"), func(o *CallOptions) {
		o.Conversation = conversation
		o.ForceNewConversation = true
	})
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
}

func TestAgent_ForceNewConversationHidesExistingHistory(t *testing.T) {
	f := newTestForum()
	historian := registerHistorian(t, f)
	ctx := context.Background()

	donor := newMessageSequence(newConversationTracker(f), "alice")
	producer := newMessageProducer(donor)
	require.NoError(t, producer.Send(Text("earlier")))
	require.NoError(t, producer.Send(Text("latest")))
	producer.Close()
	latest, err := donor.MaterializeConcludingMessage(ctx)
	require.NoError(t, err)

	// The request message exists elsewhere with history of its own; a forced
	// fresh conversation forwards it instead of reusing it, so the historian
	// sees only the request itself.
	fresh, err := historian.Ask(ctx, ExistingMsg(latest), func(o *CallOptions) {
		o.ForceNewConversation = true
	})
	require.NoError(t, err)
	content, err := fresh.MaterializeConcludingContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seen 1", content)
}

// -------------------- Nested Call Tests --------------------

func TestAgent_NestedCallInheritsContext(t *testing.T) {
	f := newTestForum()
	registerEcho(t, f, "Specialist")

	_, err := f.RegisterAgent("Coordinator", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		specialist, err := ic.Forum().Agent("Specialist")
		if err != nil {
			return err
		}
		nested, err := specialist.Ask(ctx, FromSequence(ic.RequestMessages()), func(o *CallOptions) {
			o.Caller = ic
		})
		if err != nil {
			return err
		}
		return ic.Respond(FromSequence(nested))
	})
	require.NoError(t, err)

	ctx := context.Background()
	coordinator, err := f.Agent("Coordinator")
	require.NoError(t, err)

	responses, err := coordinator.Ask(ctx, Text("delegate this"))
	require.NoError(t, err)
	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: delegate this", msgs[0].Content())

	// The nested call's history reaches back through both call markers to the
	// original user request.
	history, err := responses.MaterializeFullHistory(ctx, true)
	require.NoError(t, err)
	contents := contentsOf(t, history)
	assert.Contains(t, contents, "delegate this")
	assert.Equal(t, "echo: delegate this", contents[len(contents)-1])
}

func TestAgent_NestedAskingAgent(t *testing.T) {
	f := newTestForum()
	_, err := f.RegisterAgent("Inner", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		asking, err := ic.AskingAgent()
		if err != nil {
			return err
		}
		return ic.Respond(Text("asked by " + asking.Alias()))
	})
	require.NoError(t, err)

	_, err = f.RegisterAgent("Outer", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		inner, err := ic.Forum().Agent("Inner")
		if err != nil {
			return err
		}
		nested, err := inner.Ask(ctx, Text("who?"), func(o *CallOptions) { o.Caller = ic })
		if err != nil {
			return err
		}
		return ic.Respond(FromSequence(nested))
	})
	require.NoError(t, err)

	ctx := context.Background()
	outer, err := f.Agent("Outer")
	require.NoError(t, err)
	responses, err := outer.Ask(ctx, Text("go"))
	require.NoError(t, err)
	content, err := responses.MaterializeConcludingContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "asked by Outer", content)
}

func TestAgent_CallerAndConversationConflict(t *testing.T) {
	f := newTestForum()
	registerEcho(t, f, "Specialist")
	captured := make(chan error, 1)
	agent, err := f.RegisterAgent("Confused", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		specialist, err := ic.Forum().Agent("Specialist")
		if err != nil {
			return err
		}
		conv, err := ic.Forum().NewConversation()
		if err != nil {
			return err
		}
		_, err = specialist.Call(ctx, func(o *CallOptions) {
			o.Caller = ic
			o.Conversation = conv
		})
		captured <- err
		return nil
	})
	require.NoError(t, err)

	responses, err := agent.Ask(context.Background(), Text("go"))
	require.NoError(t, err)
	_, err = responses.MaterializeAsList(context.Background())
	require.NoError(t, err)

	var vErr *core.ValidationError
	require.True(t, errors.As(<-captured, &vErr))
}

func TestInteractionContext_NoAskingAgentAtTopLevel(t *testing.T) {
	f := newTestForum()
	captured := make(chan error, 1)
	agent, err := f.RegisterAgent("Lonely", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		_, err := ic.AskingAgent()
		captured <- err
		assert.Equal(t, UserAlias, ic.AskingAlias())
		assert.Nil(t, ic.Parent())
		return nil
	})
	require.NoError(t, err)

	responses, err := agent.Ask(context.Background(), Text("hi"))
	require.NoError(t, err)
	_, err = responses.MaterializeAsList(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, <-captured, core.ErrNoAskingAgent)
}

func TestAgent_UnfinishedChildJoinedOnExit(t *testing.T) {
	f := newTestForum()
	registerEcho(t, f, "Specialist")

	// The parent never calls Finish on the nested call; the exit protocol has
	// to close it so the child can complete.
	_, err := f.RegisterAgent("Forgetful", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		specialist, err := ic.Forum().Agent("Specialist")
		if err != nil {
			return err
		}
		call, err := specialist.Call(ctx, func(o *CallOptions) { o.Caller = ic })
		if err != nil {
			return err
		}
		if err := call.Send(Text("dangling")); err != nil {
			return err
		}
		return ic.Respond(FromSequence(call.ResponseSequence()))
	})
	require.NoError(t, err)

	ctx := context.Background()
	forgetful, err := f.Agent("Forgetful")
	require.NoError(t, err)
	responses, err := forgetful.Ask(ctx, Text("go"))
	require.NoError(t, err)

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: dangling", msgs[0].Content())
}

// -------------------- Failure Containment Tests --------------------

func TestAgent_ErrorBecomesErrorMessage(t *testing.T) {
	f := newTestForum()
	boom := errors.New("boom")
	agent, err := f.RegisterAgent("Failing", func(context.Context, *InteractionContext, *core.Freeform) error {
		return boom
	})
	require.NoError(t, err)

	ctx := context.Background()
	responses, err := agent.Ask(ctx, Text("try me"))
	require.NoError(t, err)

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsError())
	assert.Equal(t, "boom", msgs[0].Content())

	assert.ErrorIs(t, responses.RaiseIfError(ctx), boom)
}

func TestAgent_PanicBecomesErrorMessage(t *testing.T) {
	f := newTestForum()
	agent, err := f.RegisterAgent("Panicking", func(context.Context, *InteractionContext, *core.Freeform) error {
		panic("unexpected state")
	})
	require.NoError(t, err)

	ctx := context.Background()
	responses, err := agent.Ask(ctx, Text("try me"))
	require.NoError(t, err)

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsError())
	assert.Contains(t, msgs[0].Content(), "unexpected state")
}

func TestAgent_PartialResponsesSurviveFailure(t *testing.T) {
	f := newTestForum()
	agent, err := f.RegisterAgent("HalfDone", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		if err := ic.Respond(Text("made it this far")); err != nil {
			return err
		}
		return errors.New("then it all went wrong")
	})
	require.NoError(t, err)

	ctx := context.Background()
	responses, err := agent.Ask(ctx, Text("go"))
	require.NoError(t, err)

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "made it this far", msgs[0].Content())
	assert.False(t, msgs[0].IsError())
	assert.True(t, msgs[1].IsError())
}

func TestAgent_SiblingFailureIsIndependent(t *testing.T) {
	f := newTestForum()
	registerEcho(t, f, "Reliable")
	_, err := f.RegisterAgent("Unreliable", func(context.Context, *InteractionContext, *core.Freeform) error {
		return errors.New("flaky")
	})
	require.NoError(t, err)

	_, err = f.RegisterAgent("Parent", func(ctx context.Context, ic *InteractionContext, _ *core.Freeform) error {
		unreliable, err := ic.Forum().Agent("Unreliable")
		if err != nil {
			return err
		}
		reliable, err := ic.Forum().Agent("Reliable")
		if err != nil {
			return err
		}
		bad, err := unreliable.Ask(ctx, Text("first"), func(o *CallOptions) { o.Caller = ic })
		if err != nil {
			return err
		}
		good, err := reliable.Ask(ctx, Text("second"), func(o *CallOptions) { o.Caller = ic })
		if err != nil {
			return err
		}
		if err := ic.Respond(FromSequence(bad)); err != nil {
			return err
		}
		return ic.Respond(FromSequence(good))
	})
	require.NoError(t, err)

	ctx := context.Background()
	parent, err := f.Agent("Parent")
	require.NoError(t, err)
	responses, err := parent.Ask(ctx, Text("go"))
	require.NoError(t, err)

	msgs, err := responses.MaterializeAsList(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsError())
	assert.Equal(t, "echo: second", msgs[1].Content())
	assert.False(t, msgs[1].IsError())
}
