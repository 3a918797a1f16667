package forum

import "github.com/hupe1980/agentforum/core"

// MsgContent is the closed set of input shapes that can be turned into
// messages. Each shape yields exactly one message, except sequences and
// batches, which flatten recursively into zero or more. Adding a shape is a
// compile-time-checked change: every consumer switches exhaustively over the
// concrete types below.
type MsgContent interface{ isMsgContent() }

type textContent struct{ text string }

type errContent struct{ err error }

type msgRef struct{ msg core.Msg }

type promiseRef struct{ promise *MessagePromise }

type fieldsContent struct{ fields map[string]any }

type seqContent struct{ seq *AsyncMessageSequence }

type tokenStreamContent struct{ stream *TokenStream }

type batchContent struct{ items []MsgContent }

func (textContent) isMsgContent()        {}
func (errContent) isMsgContent()         {}
func (msgRef) isMsgContent()             {}
func (promiseRef) isMsgContent()         {}
func (fieldsContent) isMsgContent()      {}
func (seqContent) isMsgContent()         {}
func (tokenStreamContent) isMsgContent() {}
func (batchContent) isMsgContent()       {}

// Text wraps literal message text.
func Text(text string) MsgContent { return textContent{text: text} }

// ErrorContent wraps an error condition. It is formatted into message text by
// the forum's ErrorFormatter, tagged as an error and keeps the original
// condition attached for programmatic inspection.
func ErrorContent(err error) MsgContent { return errContent{err: err} }

// ExistingMsg wraps an already materialized message. Appending it re-chains
// the message onto the current conversation tip, forwarding it by reference
// when anything about it has to change.
func ExistingMsg(msg core.Msg) MsgContent { return msgRef{msg: msg} }

// FromPromise wraps an existing message promise, re-branding it with a new
// sender and branch point once it resolves.
func FromPromise(promise *MessagePromise) MsgContent { return promiseRef{promise: promise} }

// Fields builds a fresh message from explicit field overrides. Recognized
// keys: "content" (string) and "sender_alias" (string); everything else
// becomes metadata.
func Fields(fields map[string]any) MsgContent { return fieldsContent{fields: fields} }

// FromSequence splices a whole message sequence in: its items appear, in
// their own internal order, exactly at the point of the send call, flattened
// into the outer sequence's linear order.
func FromSequence(seq *AsyncMessageSequence) MsgContent { return seqContent{seq: seq} }

// FromTokenStream wraps a token-by-token streamed message; the resulting
// message content is the concatenation of all tokens.
func FromTokenStream(stream *TokenStream) MsgContent { return tokenStreamContent{stream: stream} }

// Batch groups several content items into one shape; they flatten in order.
func Batch(items ...MsgContent) MsgContent { return batchContent{items: items} }
