package forum

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentforum/core"
)

// MessagePromise is a handle to a message that may not be fully known yet
// (still streaming, still being decided). It resolves at most once, on first
// Materialize, into a concrete tree node that is persisted in the forum's
// store; afterwards the node is the single source of truth.
type MessagePromise struct {
	forum *Forum

	mu  sync.Mutex
	msg core.Msg

	// Unresolved state, frozen at construction.
	content      MsgContent // single shapes only; sequences are flattened upstream
	senderAlias  string
	branchFrom   *MessagePromise // nil: root / inherit from content's own chain
	forceForward bool
	overrideMeta map[string]any
	isError      bool
	condition    error

	// Agent call promises materialize from their request sequence instead of
	// from content.
	isAgentCall   bool
	requestSeq    *AsyncMessageSequence
	receiverAlias string
	kwargs        *core.Freeform
}

func newMessagePromise(f *Forum, content MsgContent, senderAlias string, branchFrom *MessagePromise, forceForward bool, overrideMeta map[string]any, isError bool, condition error) *MessagePromise {
	return &MessagePromise{
		forum:        f,
		content:      content,
		senderAlias:  senderAlias,
		branchFrom:   branchFrom,
		forceForward: forceForward,
		overrideMeta: overrideMeta,
		isError:      isError,
		condition:    condition,
	}
}

// resolvedPromise wraps an already materialized message.
func resolvedPromise(f *Forum, msg core.Msg) *MessagePromise {
	return &MessagePromise{forum: f, msg: msg, isError: msg.IsError(), condition: msg.Condition()}
}

// newAgentCallPromise creates the promise behind an AgentCallMsg. The marker
// is not produced by any agent but by the forum itself; it materializes only
// once the whole request sub-sequence is known, attaching itself to the end
// of the request messages.
func newAgentCallPromise(f *Forum, requestSeq *AsyncMessageSequence, receiverAlias string, kwargs *core.Freeform) *MessagePromise {
	if kwargs == nil {
		kwargs = core.EmptyFreeform()
	}
	return &MessagePromise{
		forum:         f,
		isAgentCall:   true,
		requestSeq:    requestSeq,
		receiverAlias: receiverAlias,
		kwargs:        kwargs,
	}
}

// IsError reports whether the eventual message carries an error condition.
func (p *MessagePromise) IsError() bool { return p.isError }

// Condition returns the original error condition behind an error message.
func (p *MessagePromise) Condition() error { return p.condition }

// IsAgentCall reports whether this promise resolves to an agent call marker.
func (p *MessagePromise) IsAgentCall() bool {
	p.mu.Lock()
	msg := p.msg
	p.mu.Unlock()
	if msg != nil {
		_, ok := msg.(*core.AgentCallMsg)
		return ok
	}
	return p.isAgentCall
}

// Materialize resolves the promise into a concrete message, waiting for
// whatever the content still depends on (streamed tokens, nested promises,
// the request sub-sequence of a call marker), stores it and returns it.
// Subsequent calls return the same node.
func (p *MessagePromise) Materialize(ctx context.Context) (core.Msg, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msg != nil {
		return p.msg, nil
	}
	msg, err := p.materializeLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.forum.trees.Store(ctx, msg); err != nil {
		return nil, err
	}
	p.msg = msg
	return msg, nil
}

// MaterializeContent resolves the promise and returns the message text.
func (p *MessagePromise) MaterializeContent(ctx context.Context) (string, error) {
	msg, err := p.Materialize(ctx)
	if err != nil {
		return "", err
	}
	return msg.Content(), nil
}

// MaterializeSenderAlias resolves the promise and returns the sender alias.
func (p *MessagePromise) MaterializeSenderAlias(ctx context.Context) (string, error) {
	msg, err := p.Materialize(ctx)
	if err != nil {
		return "", err
	}
	return msg.SenderAlias(), nil
}

func (p *MessagePromise) materializeLocked(ctx context.Context) (core.Msg, error) {
	if p.isAgentCall {
		return p.materializeAgentCall(ctx)
	}

	prevHash := ""
	if p.branchFrom != nil {
		prev, err := p.branchFrom.Materialize(ctx)
		if err != nil {
			return nil, err
		}
		prevHash = prev.HashKey()
	}

	switch c := p.content.(type) {
	case textContent:
		return core.NewMessage(p.forum.trees, core.MsgFields{
			Content:     c.text,
			SenderAlias: p.senderAlias,
			PrevHashKey: prevHash,
			IsError:     p.isError,
			Condition:   p.condition,
			Metadata:    p.overrideMeta,
		})

	case tokenStreamContent:
		text, err := c.stream.MaterializeContent(ctx)
		if err != nil {
			return nil, err
		}
		streamedMeta, err := c.stream.MaterializeMetadata(ctx)
		if err != nil {
			return nil, err
		}
		return core.NewMessage(p.forum.trees, core.MsgFields{
			Content:     text,
			SenderAlias: p.senderAlias,
			PrevHashKey: prevHash,
			IsError:     p.isError,
			Condition:   p.condition,
			Metadata:    mergeMeta(streamedMeta, p.overrideMeta),
		})

	case fieldsContent:
		fields := mergeMeta(c.fields, p.overrideMeta)
		text, _ := fields["content"].(string)
		delete(fields, "content")
		sender := p.senderAlias
		if s, ok := fields["sender_alias"].(string); ok {
			sender = s
		}
		delete(fields, "sender_alias")
		return core.NewMessage(p.forum.trees, core.MsgFields{
			Content:     text,
			SenderAlias: sender,
			PrevHashKey: prevHash,
			IsError:     p.isError,
			Condition:   p.condition,
			Metadata:    fields,
		})

	case msgRef, promiseRef:
		original, err := p.resolveOriginal(ctx)
		if err != nil {
			return nil, err
		}
		return p.forwardIfNeeded(original, prevHash)

	default:
		return nil, core.NewValidationError("unexpected message content type: %T", p.content)
	}
}

func (p *MessagePromise) resolveOriginal(ctx context.Context) (core.Msg, error) {
	switch c := p.content.(type) {
	case msgRef:
		return c.msg, nil
	case promiseRef:
		return c.promise.Materialize(ctx)
	default:
		return nil, core.NewValidationError("content is not an existing message: %T", p.content)
	}
}

// forwardIfNeeded re-chains an existing message onto the branch point. The
// message is forwarded by reference only when something about it has to
// change: forwarding was forced, metadata was overridden, the error flag
// differs, or the branch point disagrees with the message's own predecessor.
// Otherwise the original is reused and its history inherited.
func (p *MessagePromise) forwardIfNeeded(original core.Msg, prevHash string) (core.Msg, error) {
	rechained := p.branchFrom != nil && prevHash != original.PrevHashKey()
	if !p.forceForward && len(p.overrideMeta) == 0 && p.isError == original.IsError() && !rechained {
		return original, nil
	}

	if p.branchFrom == nil {
		prevHash = ""
	}
	fw, err := core.NewForwardedMessage(p.forum.trees, core.MsgFields{
		Content:     original.Content(),
		SenderAlias: p.senderAlias,
		PrevHashKey: prevHash,
		IsError:     p.isError,
		Condition:   p.condition,
		Metadata:    mergeMeta(original.Metadata().AsDict(), p.overrideMeta),
	}, original.HashKey())
	if err != nil {
		return nil, err
	}
	if err := fw.AttachOriginal(original); err != nil {
		return nil, err
	}
	return fw, nil
}

func (p *MessagePromise) materializeAgentCall(ctx context.Context) (core.Msg, error) {
	msgs, err := p.requestSeq.MaterializeAsList(ctx)
	if err != nil {
		return nil, err
	}
	seqStart, prevHash := "", ""
	if len(msgs) > 0 {
		seqStart = msgs[0].HashKey()
		prevHash = msgs[len(msgs)-1].HashKey()
	}
	return core.NewAgentCallMsg(p.forum.trees, p.receiverAlias, p.kwargs, prevHash, seqStart)
}

// PreviousPromise returns the promise of the preceding message in this
// conversation branch, or nil at the root. When skipCallMarkers is set, agent
// call markers are elided from the returned chain.
func (p *MessagePromise) PreviousPromise(ctx context.Context, skipCallMarkers bool) (*MessagePromise, error) {
	prev, err := p.prevPromise(ctx)
	if err != nil {
		return nil, err
	}
	if skipCallMarkers {
		for prev != nil && prev.IsAgentCall() {
			prev, err = prev.prevPromise(ctx)
			if err != nil {
				return nil, err
			}
		}
	}
	return prev, nil
}

func (p *MessagePromise) prevPromise(ctx context.Context) (*MessagePromise, error) {
	p.mu.Lock()
	msg := p.msg
	p.mu.Unlock()
	if msg != nil {
		if msg.PrevHashKey() == "" {
			return nil, nil
		}
		prev, err := core.RetrieveMsg(ctx, p.forum.trees, msg.PrevHashKey())
		if err != nil {
			return nil, err
		}
		return resolvedPromise(p.forum, prev), nil
	}

	if p.isAgentCall {
		// The marker sits at the end of its request sub-sequence.
		return p.requestSeq.ConcludingPromise(ctx)
	}
	if p.branchFrom != nil {
		return p.branchFrom, nil
	}
	// No branch point of its own. The existing message inside the content
	// inherits its branch only if materialization will reuse it as is; when a
	// forwarded copy is going to be made (forced, metadata overridden, error
	// flag changed), that copy starts a fresh root, and the walk must agree
	// with it already.
	willForward := p.forceForward || len(p.overrideMeta) > 0
	switch c := p.content.(type) {
	case promiseRef:
		if !willForward && p.isError == c.promise.IsError() {
			return c.promise.PreviousPromise(ctx, false)
		}
	case msgRef:
		if !willForward && p.isError == c.msg.IsError() {
			if c.msg.PrevHashKey() == "" {
				return nil, nil
			}
			prev, err := core.RetrieveMsg(ctx, p.forum.trees, c.msg.PrevHashKey())
			if err != nil {
				return nil, err
			}
			return resolvedPromise(p.forum, prev), nil
		}
	}
	return nil, nil
}

// FullHistory walks backward from this message through prev-links (including
// across the splice points recorded by conversation trackers) and returns the
// branch in forward-chronological order.
func (p *MessagePromise) FullHistory(ctx context.Context, skipCallMarkers, includeSelf bool) ([]*MessagePromise, error) {
	var history []*MessagePromise
	if includeSelf {
		history = append(history, p)
	}
	cursor := p
	for {
		prev, err := cursor.PreviousPromise(ctx, skipCallMarkers)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			break
		}
		history = append(history, prev)
		cursor = prev
	}
	reversePromises(history)
	return history, nil
}

// MaterializeFullHistory is FullHistory with every promise resolved.
func (p *MessagePromise) MaterializeFullHistory(ctx context.Context, skipCallMarkers, includeSelf bool) ([]core.Msg, error) {
	history, err := p.FullHistory(ctx, skipCallMarkers, includeSelf)
	if err != nil {
		return nil, err
	}
	msgs := make([]core.Msg, len(history))
	for i, promise := range history {
		if msgs[i], err = promise.Materialize(ctx); err != nil {
			return nil, fmt.Errorf("materialize history: %w", err)
		}
	}
	return msgs, nil
}

func reversePromises(s []*MessagePromise) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func mergeMeta(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
