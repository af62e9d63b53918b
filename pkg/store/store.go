// Package store is the state backend shared by the key registry, the rate
// windows and the payment records.
//
// Every read-modify-write on shared state goes through Update, which runs the
// callback atomically with respect to other Update calls on the same key.
package store

import (
	"context"
	"errors"
)

// ErrConflict is returned when an optimistic update keeps losing races.
var ErrConflict = errors.New("store: too many concurrent updates")

// Op tells Update what to do with the value returned by the callback.
type Op int

const (
	// OpNone leaves the stored value untouched.
	OpNone Op = iota
	// OpPut stores the returned value.
	OpPut
	// OpDelete removes the key.
	OpDelete
)

// UpdateFunc receives the current value (zero and exists=false when absent)
// and returns the next value with the operation to apply. Returning an error
// aborts the update without writing.
type UpdateFunc[V any] func(cur V, exists bool) (next V, op Op, err error)

// Store is a keyed collection of V.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, v V) error
	Delete(ctx context.Context, key string) error
	// Range calls fn for a point-in-time snapshot of the entries; fn may call
	// back into the store. Iteration stops when fn returns false.
	Range(ctx context.Context, fn func(key string, v V) bool) error
	// Update applies fn atomically and returns the value left in the store
	// (or the callback's value when op is OpNone and the key is absent).
	Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error)
}
