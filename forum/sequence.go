package forum

import (
	"context"

	"github.com/hupe1980/agentforum/core"
)

// queuedContent is a single producer-side send, before it is flattened into
// message promises.
type queuedContent struct {
	content     MsgContent
	senderAlias string
	metadata    map[string]any
}

// AsyncMessageSequence is an ordered, append-closed broadcast sequence of
// message promises. A single producer appends content shapes; the sequence
// flattens them (splicing nested sequences and batches in place) into promises
// that are chained one after another on the sequence's own conversation
// tracker. Any number of consumers can iterate concurrently, each seeing every
// promise in the same order, no matter how late they subscribe.
type AsyncMessageSequence struct {
	conversation  *ConversationTracker
	defaultSender string
	forceForward  bool

	stream *streamable[queuedContent, *MessagePromise]
}

// SequenceOptions configures a message sequence.
type SequenceOptions struct {
	// ForceForward disables reuse of existing messages: content that wraps an
	// already materialized message or promise is always re-sent as a forwarded
	// copy, even when nothing about it changes.
	ForceForward bool
}

func newMessageSequence(conversation *ConversationTracker, defaultSenderAlias string, optFns ...func(o *SequenceOptions)) *AsyncMessageSequence {
	opts := SequenceOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &AsyncMessageSequence{
		conversation:  conversation,
		defaultSender: defaultSenderAlias,
		forceForward:  opts.ForceForward,
	}
	s.stream = newStreamable[queuedContent, *MessagePromise](s.convert)
	return s
}

// convert runs on the sequence's pump goroutine, one queued send at a time.
// A send that cannot be converted (bad field values, a failed inner sequence)
// degrades into an error message in place rather than poisoning the sequence.
func (s *AsyncMessageSequence) convert(in queuedContent, emit func(*MessagePromise)) {
	ctx := context.Background()
	sender := in.senderAlias
	if sender == "" {
		sender = s.defaultSender
	}
	err := s.conversation.Append(ctx, in.content, sender, in.metadata, s.forceForward, emit)
	if err == nil {
		return
	}
	if fallbackErr := s.conversation.Append(ctx, ErrorContent(err), sender, nil, s.forceForward, emit); fallbackErr != nil {
		s.conversation.forum.logger.Error("dropping message that could not be converted", "error", err, "fallbackError", fallbackErr)
	}
}

// Iterate returns an independent cursor over the promises of this sequence.
func (s *AsyncMessageSequence) Iterate(ctx context.Context) *MessageIterator {
	return &MessageIterator{it: s.stream.iterate(ctx)}
}

// Completed reports whether the sequence is closed and fully flattened, so
// iterating it will not block.
func (s *AsyncMessageSequence) Completed() bool { return s.stream.completed() }

// RaiseIfError waits through the sequence and returns the condition behind the
// first error-tagged message, or nil if the sequence completes cleanly.
func (s *AsyncMessageSequence) RaiseIfError(ctx context.Context) error {
	it := s.Iterate(ctx)
	for it.Next() {
		p := it.Current()
		if !p.IsError() {
			continue
		}
		if p.Condition() != nil {
			return p.Condition()
		}
		// The original condition did not survive (e.g. the message came out
		// of the store); reconstruct one from the message itself.
		msg, err := p.Materialize(ctx)
		if err != nil {
			return err
		}
		return NewFormattedError(msg.Content(), msg.Metadata().AsDict())
	}
	return it.Err()
}

// ConcludingPromise waits for the sequence to close and returns the promise of
// its last message, or nil if the sequence turned out empty.
func (s *AsyncMessageSequence) ConcludingPromise(ctx context.Context) (*MessagePromise, error) {
	var last *MessagePromise
	it := s.Iterate(ctx)
	for it.Next() {
		last = it.Current()
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return last, nil
}

// MaterializeConcludingMessage resolves the last message of the sequence.
// Returns ErrEmptySequence if the sequence closed without a single message.
func (s *AsyncMessageSequence) MaterializeConcludingMessage(ctx context.Context) (core.Msg, error) {
	last, err := s.ConcludingPromise(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, core.ErrEmptySequence
	}
	return last.Materialize(ctx)
}

// MaterializeConcludingContent is MaterializeConcludingMessage reduced to the
// message text.
func (s *AsyncMessageSequence) MaterializeConcludingContent(ctx context.Context) (string, error) {
	msg, err := s.MaterializeConcludingMessage(ctx)
	if err != nil {
		return "", err
	}
	return msg.Content(), nil
}

// MaterializeAsList resolves every message of the sequence, in order.
func (s *AsyncMessageSequence) MaterializeAsList(ctx context.Context) ([]core.Msg, error) {
	var msgs []core.Msg
	it := s.Iterate(ctx)
	for it.Next() {
		msg, err := it.Current().Materialize(ctx)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// FullHistory returns the whole conversation branch this sequence concludes:
// everything reachable backward from its last message, in chronological order.
// Agent call markers are elided when skipCallMarkers is set.
func (s *AsyncMessageSequence) FullHistory(ctx context.Context, skipCallMarkers bool) ([]*MessagePromise, error) {
	last, err := s.ConcludingPromise(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	return last.FullHistory(ctx, skipCallMarkers, true)
}

// MaterializeFullHistory is FullHistory with every promise resolved.
func (s *AsyncMessageSequence) MaterializeFullHistory(ctx context.Context, skipCallMarkers bool) ([]core.Msg, error) {
	last, err := s.ConcludingPromise(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	return last.MaterializeFullHistory(ctx, skipCallMarkers, true)
}

// MessageIterator iterates the promises of an AsyncMessageSequence.
type MessageIterator struct {
	it *streamIterator[queuedContent, *MessagePromise]
}

// Next advances to the next message promise, blocking until one is available
// or the sequence closes; false at the end or on context cancellation.
func (m *MessageIterator) Next() bool { return m.it.Next() }

// Current returns the promise Next advanced to.
func (m *MessageIterator) Current() *MessagePromise { return m.it.Current() }

// Err returns the error that ended iteration early, if any.
func (m *MessageIterator) Err() error { return m.it.Err() }

// MessageProducer is the send side of an AsyncMessageSequence. A single
// goroutine drives a given producer.
type MessageProducer struct {
	seq *AsyncMessageSequence
}

func newMessageProducer(seq *AsyncMessageSequence) *MessageProducer {
	return &MessageProducer{seq: seq}
}

// SendOptions configures a single Send.
type SendOptions struct {
	// SenderAlias overrides the sequence's default sender for this send.
	SenderAlias string
	// Metadata is merged into the resulting message(s), overriding metadata
	// carried by the content itself.
	Metadata map[string]any
}

// Send appends content to the sequence. Sequences and batches splice in place;
// everything else yields exactly one message. Returns ErrSendClosed after
// Close.
func (p *MessageProducer) Send(content MsgContent, optFns ...func(o *SendOptions)) error {
	opts := SendOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return p.seq.stream.send(queuedContent{
		content:     content,
		senderAlias: opts.SenderAlias,
		metadata:    opts.Metadata,
	})
}

// Close marks the sequence complete. Idempotent.
func (p *MessageProducer) Close() { p.seq.stream.closeSend() }
