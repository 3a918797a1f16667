package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Immutable is the closed set of frozen, hash-addressed value objects that a
// TreeStore accepts. Every implementation is deeply immutable after
// construction: its HashKey is a SHA-256 digest of a canonical (sorted-key)
// JSON encoding of its semantic fields, computed lazily exactly once and never
// invalidated. Transient fields (such as a back-reference to the owning store)
// are excluded from the hash; the Kind discriminator is included in the hash
// but excluded from the AsDict presentation projection. The two exclusion sets
// are independent and specified per type.
type Immutable interface {
	// HashKey returns the memoized content digest identifying this object.
	HashKey() string

	// Kind returns the internal type discriminator ("freeform", "message",
	// "forward" or "call").
	Kind() string

	// AsDict returns the presentation projection of the object: a fresh map
	// of semantic fields excluding the Kind discriminator and all transient
	// fields.
	AsDict() map[string]any

	// hashDict returns the map the hash key is computed from. Unexported so
	// the set of Immutable implementations stays closed to this module.
	hashDict() map[string]any
}

const allowedValueTypes = "{nil, string, int64, float64, bool, []any, map[string]any, Freeform}"

// hashMemo provides compute-once memoization of a hash key for an otherwise
// frozen value.
type hashMemo struct {
	once sync.Once
	key  string
}

// hashKey digests the canonical JSON encoding of fields on first use and
// returns the cached result afterwards.
func (h *hashMemo) hashKey(fields func() map[string]any) string {
	h.once.Do(func() {
		data, err := json.Marshal(canonicalize(fields()))
		if err != nil {
			// All values passed recursive validation at construction, so the
			// canonical form is always marshalable.
			panic(fmt.Sprintf("agentforum: canonical encoding failed: %v", err))
		}
		sum := sha256.Sum256(data)
		h.key = hex.EncodeToString(sum[:])
	})
	return h.key
}

// canonicalize renders validated field values into plain JSON-encodable Go
// values. encoding/json sorts map keys, which yields the stable canonical
// encoding the hash key requires.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = canonicalize(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = canonicalize(sub)
		}
		return out
	case Immutable:
		m := val.hashDict()
		return canonicalize(m)
	default:
		return val
	}
}

// Freeform is an immutable record with no predefined fields: it accepts
// arbitrary named fields as long as each value stays inside the allowed type
// closure (primitives, lists and nested Freeform objects). Other immutables
// are rejected: their kind discriminator would not survive a store round trip
// inside a Freeform, which would break the hash key. It is the vehicle for
// message metadata and agent call keyword arguments.
type Freeform struct {
	hash   hashMemo
	fields map[string]any
}

// NewFreeform validates the given fields recursively and freezes them into a
// Freeform. Disallowed value types yield a ValidationError naming the
// offending field and the allowed set.
func NewFreeform(fields map[string]any) (*Freeform, error) {
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		v, err := validateValue(key, value)
		if err != nil {
			return nil, err
		}
		normalized[key] = v
	}
	return &Freeform{fields: normalized}, nil
}

// MustFreeform is NewFreeform that panics on validation failure. Intended for
// literals in tests and examples.
func MustFreeform(fields map[string]any) *Freeform {
	f, err := NewFreeform(fields)
	if err != nil {
		panic(err)
	}
	return f
}

// EmptyFreeform returns a Freeform with no fields.
func EmptyFreeform() *Freeform { return &Freeform{fields: map[string]any{}} }

// Kind returns the type discriminator for Freeform.
func (f *Freeform) Kind() string { return "freeform" }

// HashKey returns the memoized content digest of the Freeform.
func (f *Freeform) HashKey() string {
	return f.hash.hashKey(f.hashDict)
}

// Get returns the value of a named field and whether it is present.
func (f *Freeform) Get(name string) (any, bool) {
	v, ok := f.fields[name]
	return v, ok
}

// Len returns the number of fields.
func (f *Freeform) Len() int { return len(f.fields) }

// AsDict returns a fresh map of the fields. Nested immutables are returned as
// is (they are frozen themselves); lists are copied.
func (f *Freeform) AsDict() map[string]any {
	out := make(map[string]any, len(f.fields))
	for k, v := range f.fields {
		out[k] = copyValue(v)
	}
	return out
}

func (f *Freeform) hashDict() map[string]any {
	out := make(map[string]any, len(f.fields)+1)
	for k, v := range f.fields {
		out[k] = v
	}
	out["im_model_"] = f.Kind()
	return out
}

// validateValue recursively checks that value belongs to the allowed type
// closure, normalizing numbers (any int flavor to int64, float32 to float64)
// so hash keys stay stable across store round trips, and freezing nested
// containers (slices are copied, maps become nested Freeform objects).
func validateValue(key string, value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case map[string]any:
		nested, err := NewFreeform(v)
		if err != nil {
			return nil, err
		}
		return nested, nil
	case *Freeform:
		return v, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			sub, err := validateValue(key, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	}

	return nil, &ValidationError{
		Field:   key,
		Value:   value,
		Message: fmt.Sprintf("only %s are allowed as field values, got %T", allowedValueTypes, value),
	}
}

// copyValue returns a defensive copy of a validated field value. Immutables
// are shared; lists are duplicated so callers cannot mutate internal state.
func copyValue(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, sub := range list {
			out[i] = copyValue(sub)
		}
		return out
	}
	return v
}
