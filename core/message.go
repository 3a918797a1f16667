package core

import (
	"context"
	"fmt"
)

// Msg is implemented by every node type of the message tree. Nodes are frozen
// after construction and link backward only: each node references at most one
// predecessor by hash key, so branching happens when two successors reference
// the same predecessor and no in-memory cycles are possible.
type Msg interface {
	Immutable

	// Content returns the message text. For AgentCallMsg this holds the
	// receiver's alias.
	Content() string

	// SenderAlias returns the alias of the agent that produced the message.
	// Agent call markers are anonymous (empty alias).
	SenderAlias() string

	// PrevHashKey returns the hash key of the preceding message, or "" at the
	// root of a branch.
	PrevHashKey() string

	// Metadata returns the custom fields attached to the message.
	Metadata() *Freeform

	// IsError reports whether the message carries a formatted error condition.
	IsError() bool

	// Condition returns the original error condition behind an error message,
	// if it is still attached. Transient: it does not survive a store round
	// trip.
	Condition() error

	// Previous returns the predecessor node, or nil at the root. When
	// skipCallMarkers is set, AgentCallMsg nodes are transparently elided from
	// the returned chain: a call marker substitutes its own predecessor and
	// the walk continues.
	Previous(ctx context.Context, skipCallMarkers bool) (Msg, error)

	// Original returns the message this one is a forward of. For plain
	// messages this is the message itself; ForwardedMessage overrides it.
	Original() (Msg, error)

	base() *Message
}

// MsgFields bundles the semantic fields of a message for construction.
// Metadata keys must not collide with the predefined field names.
type MsgFields struct {
	Content     string
	SenderAlias string
	PrevHashKey string
	IsError     bool
	Condition   error
	Metadata    map[string]any
}

// reservedMsgFields are the predefined field names of message tree nodes;
// they cannot appear as custom metadata keys.
var reservedMsgFields = map[string]bool{
	"im_model_":              true,
	"content":                true,
	"sender_alias":           true,
	"prev_msg_hash_key":      true,
	"is_error":               true,
	"original_msg_hash_key":  true,
	"function_kwargs":        true,
	"msg_seq_start_hash_key": true,
}

// Message is a plain conversational message: content, sender alias and an
// optional back-link to the preceding message. The trees back-reference is
// transient and excluded from the hash key, so re-attaching a message to a
// different store handle does not change its identity.
type Message struct {
	hash        hashMemo
	trees       TreeStore
	content     string
	senderAlias string
	prevHashKey string
	isError     bool
	condition   error
	metadata    *Freeform
}

// NewMessage validates the fields and constructs a frozen Message bound to
// the given store.
func NewMessage(trees TreeStore, f MsgFields) (*Message, error) {
	metadata, err := validateMsgMetadata(f.Metadata)
	if err != nil {
		return nil, err
	}
	return &Message{
		trees:       trees,
		content:     f.Content,
		senderAlias: f.SenderAlias,
		prevHashKey: f.PrevHashKey,
		isError:     f.IsError,
		condition:   f.Condition,
		metadata:    metadata,
	}, nil
}

func validateMsgMetadata(fields map[string]any) (*Freeform, error) {
	for key := range fields {
		if reservedMsgFields[key] {
			return nil, &ValidationError{
				Field:   key,
				Message: "predefined message field cannot be overridden through metadata",
			}
		}
	}
	return NewFreeform(fields)
}

// Kind returns the type discriminator for plain messages.
func (m *Message) Kind() string { return "message" }

// HashKey returns the memoized content digest of the message.
func (m *Message) HashKey() string { return m.hash.hashKey(m.hashDict) }

// Content returns the message text.
func (m *Message) Content() string { return m.content }

// SenderAlias returns the alias of the sender.
func (m *Message) SenderAlias() string { return m.senderAlias }

// PrevHashKey returns the hash key of the predecessor or "" at the root.
func (m *Message) PrevHashKey() string { return m.prevHashKey }

// Metadata returns the custom fields of the message.
func (m *Message) Metadata() *Freeform { return m.metadata }

// IsError reports whether this is an error message.
func (m *Message) IsError() bool { return m.isError }

// Condition returns the attached error condition, if any.
func (m *Message) Condition() error { return m.condition }

// Trees returns the store this message is bound to.
func (m *Message) Trees() TreeStore { return m.trees }

// Original returns the message itself: a plain message is not a forward.
func (m *Message) Original() (Msg, error) { return m, nil }

func (m *Message) base() *Message { return m }

// Previous returns the predecessor node, optionally eliding agent call
// markers. Call markers are bookkeeping, not conversational content, but they
// stay addressable in the store for auditing.
func (m *Message) Previous(ctx context.Context, skipCallMarkers bool) (Msg, error) {
	if m.prevHashKey == "" {
		return nil, nil
	}
	prev, err := RetrieveMsg(ctx, m.trees, m.prevHashKey)
	if err != nil {
		return nil, err
	}
	if skipCallMarkers {
		for prev != nil {
			call, ok := prev.(*AgentCallMsg)
			if !ok {
				break
			}
			// No recursion past the marker: substitute its predecessor and
			// keep walking.
			prev, err = call.Previous(ctx, false)
			if err != nil {
				return nil, err
			}
		}
	}
	return prev, nil
}

func (m *Message) hashDict() map[string]any {
	out := m.metadata.AsDict()
	out["im_model_"] = "message"
	m.commonFields(out)
	return out
}

// AsDict returns the presentation projection: semantic fields without the
// type discriminator or transient fields.
func (m *Message) AsDict() map[string]any {
	out := m.metadata.AsDict()
	m.commonFields(out)
	return out
}

func (m *Message) commonFields(out map[string]any) {
	out["content"] = m.content
	out["sender_alias"] = m.senderAlias
	if m.prevHashKey == "" {
		out["prev_msg_hash_key"] = nil
	} else {
		out["prev_msg_hash_key"] = m.prevHashKey
	}
	out["is_error"] = m.isError
}

// ForwardedMessage re-emits another message's content as its own, by
// reference: the content is a verbatim copy and OriginalHashKey points at the
// message it was copied from. The original object itself is attached
// out-of-band by whoever resolves it; accessing it re-checks that the attached
// object's hash matches the stored reference.
type ForwardedMessage struct {
	Message
	originalHashKey string
	original        Msg
}

// NewForwardedMessage constructs a forward of the message identified by
// originalHashKey. The content in f must already be the verbatim copy.
func NewForwardedMessage(trees TreeStore, f MsgFields, originalHashKey string) (*ForwardedMessage, error) {
	if originalHashKey == "" {
		return nil, &ValidationError{Field: "original_msg_hash_key", Message: "forwarded message requires the original's hash key"}
	}
	m, err := NewMessage(trees, f)
	if err != nil {
		return nil, err
	}
	return &ForwardedMessage{Message: *m, originalHashKey: originalHashKey}, nil
}

// Kind returns the type discriminator for forwarded messages.
func (m *ForwardedMessage) Kind() string { return "forward" }

// HashKey returns the memoized content digest of the forward.
func (m *ForwardedMessage) HashKey() string { return m.hash.hashKey(m.hashDict) }

// OriginalHashKey returns the hash key of the message this is a forward of.
func (m *ForwardedMessage) OriginalHashKey() string { return m.originalHashKey }

// AttachOriginal attaches the resolved original message. It fails if the
// object's hash key does not match the stored reference.
func (m *ForwardedMessage) AttachOriginal(original Msg) error {
	if original == nil || original.HashKey() != m.originalHashKey {
		got := "<nil>"
		if original != nil {
			got = original.HashKey()
		}
		return &ValidationError{
			Field:   "original_msg_hash_key",
			Message: fmt.Sprintf("attached original does not match the stored reference: %s != %s", m.originalHashKey, got),
		}
	}
	m.original = original
	return nil
}

// Original returns the attached original message. It is illegal for a
// ForwardedMessage to be used without one; the hash consistency is re-checked
// on every access.
func (m *ForwardedMessage) Original() (Msg, error) {
	if m.original == nil {
		return nil, &ValidationError{
			Field:   "original_msg_hash_key",
			Message: "original message was never attached to this forward",
		}
	}
	if m.original.HashKey() != m.originalHashKey {
		return nil, &ValidationError{
			Field:   "original_msg_hash_key",
			Message: fmt.Sprintf("original_msg_hash_key does not match the attached original: %s != %s", m.originalHashKey, m.original.HashKey()),
		}
	}
	return m.original, nil
}

// ResolveOriginal retrieves the original from the store, attaches it and
// returns it. Safe to call repeatedly.
func (m *ForwardedMessage) ResolveOriginal(ctx context.Context) (Msg, error) {
	if m.original == nil {
		original, err := RetrieveMsg(ctx, m.trees, m.originalHashKey)
		if err != nil {
			return nil, err
		}
		if err := m.AttachOriginal(original); err != nil {
			return nil, err
		}
	}
	return m.Original()
}

func (m *ForwardedMessage) hashDict() map[string]any {
	out := m.metadata.AsDict()
	out["im_model_"] = "forward"
	m.commonFields(out)
	out["original_msg_hash_key"] = m.originalHashKey
	return out
}

// AsDict returns the presentation projection of the forward.
func (m *ForwardedMessage) AsDict() map[string]any {
	out := m.Message.AsDict()
	out["original_msg_hash_key"] = m.originalHashKey
	return out
}

// AgentCallMsg marks "invocation of agent X happened here" in the tree. Its
// content holds the receiver's alias, Kwargs carries the call's keyword
// arguments and SeqStartHashKey references the first message of the request
// sub-sequence, which together make the full request reconstructable. Call
// markers are stored anonymously (empty sender alias) so they are independent
// of whichever agent initiated them.
type AgentCallMsg struct {
	Message
	kwargs          *Freeform
	seqStartHashKey string
}

// NewAgentCallMsg constructs a call marker for the given receiver.
// prevHashKey attaches the marker to the end of the request sub-sequence (or
// to the caller's tip when the request was empty).
func NewAgentCallMsg(trees TreeStore, receiverAlias string, kwargs *Freeform, prevHashKey, seqStartHashKey string) (*AgentCallMsg, error) {
	if kwargs == nil {
		kwargs = EmptyFreeform()
	}
	m, err := NewMessage(trees, MsgFields{
		Content:     receiverAlias,
		SenderAlias: "",
		PrevHashKey: prevHashKey,
	})
	if err != nil {
		return nil, err
	}
	return &AgentCallMsg{Message: *m, kwargs: kwargs, seqStartHashKey: seqStartHashKey}, nil
}

// Kind returns the type discriminator for agent call markers.
func (m *AgentCallMsg) Kind() string { return "call" }

// HashKey returns the memoized content digest of the call marker.
func (m *AgentCallMsg) HashKey() string { return m.hash.hashKey(m.hashDict) }

// ReceiverAlias returns the alias of the agent being called.
func (m *AgentCallMsg) ReceiverAlias() string { return m.content }

// Kwargs returns the keyword arguments of the call.
func (m *AgentCallMsg) Kwargs() *Freeform { return m.kwargs }

// SeqStartHashKey returns the hash key of the first request message, or ""
// when the request sub-sequence was empty.
func (m *AgentCallMsg) SeqStartHashKey() string { return m.seqStartHashKey }

func (m *AgentCallMsg) hashDict() map[string]any {
	out := m.metadata.AsDict()
	out["im_model_"] = "call"
	m.commonFields(out)
	out["function_kwargs"] = m.kwargs
	if m.seqStartHashKey == "" {
		out["msg_seq_start_hash_key"] = nil
	} else {
		out["msg_seq_start_hash_key"] = m.seqStartHashKey
	}
	return out
}

// AsDict returns the presentation projection of the call marker.
func (m *AgentCallMsg) AsDict() map[string]any {
	out := m.Message.AsDict()
	out["function_kwargs"] = m.kwargs
	if m.seqStartHashKey == "" {
		out["msg_seq_start_hash_key"] = nil
	} else {
		out["msg_seq_start_hash_key"] = m.seqStartHashKey
	}
	return out
}
