package core

import (
	"encoding/json"
	"fmt"
)

// EncodeImmutable renders an immutable object into its kind discriminator and
// a JSON payload suitable for persistent TreeStore backends. The payload is
// the canonical encoding, so decoding yields an object with the identical
// hash key.
func EncodeImmutable(obj Immutable) (kind string, payload []byte, err error) {
	data, err := json.Marshal(canonicalize(obj.hashDict()))
	if err != nil {
		return "", nil, fmt.Errorf("encode immutable: %w", err)
	}
	return obj.Kind(), data, nil
}

// DecodeImmutable rebuilds an immutable object from a kind discriminator and
// payload produced by EncodeImmutable. Message tree nodes are re-bound to the
// given store. Transient state (attached originals, error conditions) does not
// survive the round trip.
func DecodeImmutable(trees TreeStore, kind string, payload []byte) (Immutable, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode immutable: %w", err)
	}
	stripDiscriminators(fields)

	switch kind {
	case "freeform":
		return NewFreeform(fields)
	case "message":
		f, _, err := splitMsgFields(fields)
		if err != nil {
			return nil, err
		}
		return NewMessage(trees, f)
	case "forward":
		f, rest, err := splitMsgFields(fields)
		if err != nil {
			return nil, err
		}
		return NewForwardedMessage(trees, f, stringField(rest, "original_msg_hash_key"))
	case "call":
		f, rest, err := splitMsgFields(fields)
		if err != nil {
			return nil, err
		}
		kwargsMap, _ := rest["function_kwargs"].(map[string]any)
		kwargs, err := NewFreeform(kwargsMap)
		if err != nil {
			return nil, err
		}
		return NewAgentCallMsg(trees, f.Content, kwargs, f.PrevHashKey, stringField(rest, "msg_seq_start_hash_key"))
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrWrongImmutableType, kind)
	}
}

// splitMsgFields separates the predefined message fields from custom metadata.
// The second return value holds the subtype-specific fields that were removed
// from the metadata set.
func splitMsgFields(fields map[string]any) (MsgFields, map[string]any, error) {
	f := MsgFields{
		Content:     stringField(fields, "content"),
		SenderAlias: stringField(fields, "sender_alias"),
		PrevHashKey: stringField(fields, "prev_msg_hash_key"),
	}
	f.IsError, _ = fields["is_error"].(bool)

	rest := map[string]any{}
	metadata := map[string]any{}
	for key, value := range fields {
		switch key {
		case "content", "sender_alias", "prev_msg_hash_key", "is_error":
		case "original_msg_hash_key", "function_kwargs", "msg_seq_start_hash_key":
			rest[key] = value
		default:
			metadata[key] = value
		}
	}
	f.Metadata = metadata
	return f, rest, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// stripDiscriminators removes im_model_ markers from a decoded field map,
// recursing into nested maps and lists. Validation re-adds the markers when
// the maps are frozen back into Freeform objects, so hash keys are unaffected.
func stripDiscriminators(fields map[string]any) {
	delete(fields, "im_model_")
	for _, value := range fields {
		stripNested(value)
	}
}

func stripNested(value any) {
	switch v := value.(type) {
	case map[string]any:
		stripDiscriminators(v)
	case []any:
		for _, sub := range v {
			stripNested(sub)
		}
	}
}
