package forum

import (
	"context"
	"strings"
	"sync"
)

// ContentChunk is a piece of streamed message content, e.g. a single token
// when a model streams its completion token by token.
type ContentChunk struct {
	Text string
}

// TokenStream is message content that arrives token by token instead of all
// at once. It only carries content chunks and metadata; sender alias and tree
// placement are decided by whichever promise the stream is appended through.
// Like every broadcast stream, it replays its full backlog to late consumers.
type TokenStream struct {
	stream *streamable[ContentChunk, ContentChunk]

	mu           sync.Mutex
	streamedMeta map[string]any
	overrideMeta map[string]any
	failure      error
	aggContent   *string
}

// TokenStreamOptions configures a TokenStream.
type TokenStreamOptions struct {
	// OverrideMetadata takes precedence over metadata collected while
	// streaming.
	OverrideMetadata map[string]any
}

// NewTokenStream creates an open token stream; feed it through a
// TokenProducer.
func NewTokenStream(optFns ...func(o *TokenStreamOptions)) *TokenStream {
	opts := TokenStreamOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &TokenStream{
		stream: newStreamable[ContentChunk, ContentChunk](func(in ContentChunk, emit func(ContentChunk)) {
			emit(in)
		}),
		streamedMeta: map[string]any{},
		overrideMeta: opts.OverrideMetadata,
	}
}

// Iterate returns an independent cursor over the chunks.
func (t *TokenStream) Iterate(ctx context.Context) *TokenIterator {
	return &TokenIterator{it: t.stream.iterate(ctx)}
}

// Completed reports whether all chunks are buffered and iteration will not
// block.
func (t *TokenStream) Completed() bool { return t.stream.completed() }

// MaterializeContent waits for the stream to close and returns the
// concatenation of all chunk texts. The result is memoized.
func (t *TokenStream) MaterializeContent(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.aggContent != nil {
		content := *t.aggContent
		t.mu.Unlock()
		return content, nil
	}
	t.mu.Unlock()

	var sb strings.Builder
	it := t.Iterate(ctx)
	for it.Next() {
		sb.WriteString(it.Current().Text)
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	failure := t.failure
	t.mu.Unlock()
	if failure != nil {
		return "", failure
	}
	content := sb.String()

	t.mu.Lock()
	if t.aggContent == nil {
		t.aggContent = &content
	}
	t.mu.Unlock()
	return content, nil
}

// MaterializeMetadata waits for the stream to close and merges the metadata
// collected during streaming with the constructor overrides; overrides win.
func (t *TokenStream) MaterializeMetadata(ctx context.Context) (map[string]any, error) {
	// Make sure all chunks (and their metadata updates) are in.
	if _, err := t.MaterializeContent(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make(map[string]any, len(t.streamedMeta)+len(t.overrideMeta))
	for k, v := range t.streamedMeta {
		merged[k] = v
	}
	for k, v := range t.overrideMeta {
		merged[k] = v
	}
	return merged, nil
}

// TokenProducer feeds a TokenStream. A single producer drives a given stream.
type TokenProducer struct {
	stream *TokenStream
}

// NewTokenProducer returns the producer handle for a stream.
func NewTokenProducer(stream *TokenStream) *TokenProducer {
	return &TokenProducer{stream: stream}
}

// Send appends a chunk. Returns ErrSendClosed after Close.
func (p *TokenProducer) Send(chunk ContentChunk) error {
	return p.stream.stream.send(chunk)
}

// SetMetadata records a metadata field collected during streaming (model
// name, finish reason, usage counters and the like).
func (p *TokenProducer) SetMetadata(key string, value any) {
	p.stream.mu.Lock()
	defer p.stream.mu.Unlock()
	p.stream.streamedMeta[key] = value
}

// Fail records a failure and closes the stream. Chunks sent so far stay
// iterable, but materializing the stream into message content returns the
// failure instead.
func (p *TokenProducer) Fail(err error) {
	p.stream.mu.Lock()
	if p.stream.failure == nil {
		p.stream.failure = err
	}
	p.stream.mu.Unlock()
	p.stream.stream.closeSend()
}

// Close marks the stream complete. Idempotent.
func (p *TokenProducer) Close() { p.stream.stream.closeSend() }

// TokenIterator iterates chunks of a TokenStream.
type TokenIterator struct {
	it *streamIterator[ContentChunk, ContentChunk]
}

// Next advances to the next chunk; false at end of stream or cancellation.
func (t *TokenIterator) Next() bool { return t.it.Next() }

// Current returns the chunk Next advanced to.
func (t *TokenIterator) Current() ContentChunk { return t.it.Current() }

// Err returns the error that ended iteration early, if any.
func (t *TokenIterator) Err() error { return t.it.Err() }
