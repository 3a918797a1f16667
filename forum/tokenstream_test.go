package forum

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStream_Aggregation(t *testing.T) {
	stream := NewTokenStream()
	producer := NewTokenProducer(stream)

	for _, token := range []string{"beep ", "boop ", "beep"} {
		require.NoError(t, producer.Send(ContentChunk{Text: token}))
	}
	producer.Close()

	content, err := stream.MaterializeContent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "beep boop beep", content)

	// Chunks stay individually replayable after aggregation.
	it := stream.Iterate(context.Background())
	var chunks []string
	for it.Next() {
		chunks = append(chunks, it.Current().Text)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"beep ", "boop ", "beep"}, chunks)
	assert.True(t, stream.Completed())
}

func TestTokenStream_MetadataOverridesWin(t *testing.T) {
	stream := NewTokenStream(func(o *TokenStreamOptions) {
		o.OverrideMetadata = map[string]any{"model": "pinned", "temperature": 0.1}
	})
	producer := NewTokenProducer(stream)
	producer.SetMetadata("model", "streamed")
	producer.SetMetadata("finish_reason", "stop")
	producer.Close()

	meta, err := stream.MaterializeMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pinned", meta["model"])
	assert.Equal(t, 0.1, meta["temperature"])
	assert.Equal(t, "stop", meta["finish_reason"])
}

func TestTokenStream_Fail(t *testing.T) {
	stream := NewTokenStream()
	producer := NewTokenProducer(stream)
	require.NoError(t, producer.Send(ContentChunk{Text: "partial"}))

	boom := errors.New("upstream exploded")
	producer.Fail(boom)

	_, err := stream.MaterializeContent(context.Background())
	assert.ErrorIs(t, err, boom)

	// Chunks produced before the failure stay iterable.
	it := stream.Iterate(context.Background())
	require.True(t, it.Next())
	assert.Equal(t, "partial", it.Current().Text)
	assert.False(t, it.Next())
}
