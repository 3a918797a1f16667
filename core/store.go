package core

import (
	"context"
	"fmt"
)

// TreeStore is the content-addressable "write once read many" store the
// message trees live in. Implementations must be safe for concurrent use and
// must make Store idempotent: storing an object whose hash key is already
// present is a no-op.
type TreeStore interface {
	// Store persists an immutable object under its hash key.
	Store(ctx context.Context, obj Immutable) error

	// Retrieve returns the object stored under hashKey or an error wrapping
	// ErrNotFound.
	Retrieve(ctx context.Context, hashKey string) (Immutable, error)
}

// RetrieveMsg retrieves a message tree node by hash key. It returns an error
// wrapping ErrWrongImmutableType when the stored object is not a message.
func RetrieveMsg(ctx context.Context, store TreeStore, hashKey string) (Msg, error) {
	obj, err := store.Retrieve(ctx, hashKey)
	if err != nil {
		return nil, err
	}
	msg, ok := obj.(Msg)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds a %s, not a message", ErrWrongImmutableType, hashKey, obj.Kind())
	}
	return msg, nil
}
