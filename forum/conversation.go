package forum

import (
	"context"
	"sync"
)

// ConversationTracker tracks the tip of one conversation branch in the message
// tree. Every message appended through it is chained after the previous one,
// so the branch stays linear while other trackers grow sibling branches off
// shared history. Appends are single-writer: exactly one goroutine (usually a
// sequence's pump) appends at a time; the tip itself may be read or re-pointed
// from other goroutines.
type ConversationTracker struct {
	forum *Forum

	mu sync.Mutex
	// Exactly one of tip / tipSeq is set while the branch point is pending;
	// both nil means the branch has no history yet and the first appended
	// message decides the root (literal content starts a fresh root, existing
	// messages bring their own history along).
	tip    *MessagePromise
	tipSeq *AsyncMessageSequence
}

// ConversationOptions configures a new conversation branch. A branch has at
// most one branch point: setting both BranchFrom and BranchFromSequence is an
// error.
type ConversationOptions struct {
	// BranchFrom continues the conversation after an existing message promise.
	BranchFrom *MessagePromise
	// BranchFromSequence continues after the concluding message of a sequence
	// that may still be in flight.
	BranchFromSequence *AsyncMessageSequence
}

func newConversationTracker(f *Forum) *ConversationTracker {
	return &ConversationTracker{forum: f}
}

// HasPriorHistory reports whether the branch point is already determined, i.e.
// the next appended message will not start a fresh root.
func (t *ConversationTracker) HasPriorHistory() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tip != nil || t.tipSeq != nil
}

// Tip returns the promise of the branch's current last message, waiting for a
// pending branch-from sequence to conclude first. Nil while the branch is
// still rootless.
func (t *ConversationTracker) Tip(ctx context.Context) (*MessagePromise, error) {
	t.mu.Lock()
	tipSeq := t.tipSeq
	t.mu.Unlock()
	if tipSeq != nil {
		tip, err := tipSeq.ConcludingPromise(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		if t.tipSeq == tipSeq {
			t.tip = tip
			t.tipSeq = nil
		}
		t.mu.Unlock()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tip, nil
}

// setTip forcibly moves the branch tip, e.g. onto an agent call marker.
func (t *ConversationTracker) setTip(tip *MessagePromise) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tip = tip
	t.tipSeq = nil
}

// setTipSequence moves the branch tip to the eventual concluding message of a
// sequence that may still be in flight.
func (t *ConversationTracker) setTipSequence(seq *AsyncMessageSequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tip = nil
	t.tipSeq = seq
}

// branchState snapshots the current branch point so a sibling tracker can be
// spawned off the same position without the two ever sharing a writer.
func (t *ConversationTracker) branchState() (*MessagePromise, *AsyncMessageSequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tip, t.tipSeq
}

// fork creates an independent tracker continuing from this tracker's current
// position.
func (t *ConversationTracker) fork() *ConversationTracker {
	tip, tipSeq := t.branchState()
	return &ConversationTracker{forum: t.forum, tip: tip, tipSeq: tipSeq}
}

// Append flattens one content shape into zero or more message promises
// chained after the current tip, advancing the tip past each one and handing
// every promise to yield in order.
func (t *ConversationTracker) Append(ctx context.Context, content MsgContent, senderAlias string, overrideMeta map[string]any, forceForward bool, yield func(*MessagePromise)) error {
	switch c := content.(type) {
	case batchContent:
		for _, item := range c.items {
			if err := t.Append(ctx, item, senderAlias, overrideMeta, forceForward, yield); err != nil {
				return err
			}
		}
		return nil

	case seqContent:
		// Splice: every message of the inner sequence is re-chained onto this
		// branch, in the inner sequence's own order, at this exact position.
		it := c.seq.Iterate(ctx)
		for it.Next() {
			if err := t.Append(ctx, FromPromise(it.Current()), senderAlias, overrideMeta, forceForward, yield); err != nil {
				return err
			}
		}
		return it.Err()

	case errContent:
		formatted := t.forum.formatter.FormatError(c.err)
		tip, err := t.Tip(ctx)
		if err != nil {
			return err
		}
		promise := newMessagePromise(t.forum, Text(formatted.Text), senderAlias, tip,
			forceForward, mergeMeta(formatted.Metadata, overrideMeta), true, c.err)
		t.setTip(promise)
		yield(promise)
		return nil

	default:
		tip, err := t.Tip(ctx)
		if err != nil {
			return err
		}
		isError, condition := false, error(nil)
		switch c := content.(type) {
		case msgRef:
			isError = c.msg.IsError()
			condition = c.msg.Condition()
		case promiseRef:
			isError = c.promise.IsError()
			condition = c.promise.Condition()
		}
		promise := newMessagePromise(t.forum, content, senderAlias, tip, forceForward, overrideMeta, isError, condition)
		t.setTip(promise)
		yield(promise)
		return nil
	}
}
