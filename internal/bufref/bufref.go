// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bufref implements the tri-state buffered reference over the blob
// store: on-disk, in-memory, or both, with deferred idempotent flush
// (spec §4.2).
package bufref

import (
	"fmt"
	"sync"

	"github.com/luxfi/konsensus/internal/blobstore"
	"github.com/luxfi/konsensus/internal/merkle"
)

// Codec marshals and unmarshals the payload type T to and from blob bytes.
// Nested BufferedRef values inside T are expected to flush themselves as
// part of Marshal, mirroring the "recursively flushing any nested
// references" behavior of spec §4.2.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

// Ref is an alias kept local to this package for readability.
type Ref = blobstore.Ref

// BufferedRef is one of OnDisk{ref} or InMemory{cell, value} (spec §4.2).
// The zero value is not usable; construct with Make or FromRef.
type BufferedRef[T any] struct {
	mu    sync.Mutex
	store *blobstore.Store
	codec Codec[T]

	ref      Ref // blobstore.NullRef until flushed
	value    T
	hasValue bool
}

// Make constructs an in-memory BufferedRef holding v, with no assigned ref
// yet (spec §4.2 "InMemory{cell=null, v}").
func Make[T any](store *blobstore.Store, codec Codec[T], v T) *BufferedRef[T] {
	return &BufferedRef[T]{
		store:    store,
		codec:    codec,
		ref:      blobstore.NullRef,
		value:    v,
		hasValue: true,
	}
}

// FromRef constructs an on-disk BufferedRef pointing at an already-written
// blob.
func FromRef[T any](store *blobstore.Store, codec Codec[T], ref Ref) *BufferedRef[T] {
	return &BufferedRef[T]{
		store: store,
		codec: codec,
		ref:   ref,
	}
}

// Load returns the payload, deserializing from the blob store on first
// access if this reference is currently on-disk.
func (b *BufferedRef[T]) Load() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked()
}

func (b *BufferedRef[T]) loadLocked() (T, error) {
	if b.hasValue {
		return b.value, nil
	}
	raw, err := b.store.Read(b.ref)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("bufref: load: %w", err)
	}
	v, err := b.codec.Unmarshal(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("bufref: decode: %w", err)
	}
	b.value = v
	b.hasValue = true
	return v, nil
}

// Flush serializes and writes the payload to the blob store if it has not
// already been written, caching the resulting Ref. Flush is idempotent:
// repeated calls return the same Ref without rewriting (spec §4.2).
func (b *BufferedRef[T]) Flush() (Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ref.Valid() {
		return b.ref, nil
	}

	raw, err := b.codec.Marshal(b.value)
	if err != nil {
		return blobstore.NullRef, fmt.Errorf("bufref: encode: %w", err)
	}
	ref, err := b.store.Write(raw)
	if err != nil {
		return blobstore.NullRef, fmt.Errorf("bufref: flush: %w", err)
	}
	b.ref = ref
	return ref, nil
}

// Uncache drops the in-memory payload, retaining only the on-disk Ref. It is
// a no-op if the reference has not yet been flushed.
func (b *BufferedRef[T]) Uncache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ref.Valid() {
		return
	}
	var zero T
	b.value = zero
	b.hasValue = false
}

// CachedRef returns the cached blob reference, or blobstore.NullRef if the value
// has never been flushed.
func (b *BufferedRef[T]) CachedRef() Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ref
}

// Hasher computes the Merkle hash of a payload value.
type Hasher[T any] func(T) merkle.Hash

// HashedBufferedRef additionally caches the Merkle hash of its payload so
// the hash is available without loading the value (spec §4.2).
type HashedBufferedRef[T any] struct {
	*BufferedRef[T]

	mu     sync.Mutex
	hasher Hasher[T]
	hash   *merkle.Hash
}

// MakeHashed wraps a freshly constructed in-memory value, eagerly computing
// its hash (the value is already resident, so this costs nothing extra).
func MakeHashed[T any](store *blobstore.Store, codec Codec[T], hasher Hasher[T], v T) *HashedBufferedRef[T] {
	h := hasher(v)
	return &HashedBufferedRef[T]{
		BufferedRef: Make(store, codec, v),
		hasher:      hasher,
		hash:        &h,
	}
}

// FromRefHashed wraps an on-disk reference whose hash is already known
// (e.g. read back from a parent node's serialized hash field).
func FromRefHashed[T any](store *blobstore.Store, codec Codec[T], hasher Hasher[T], ref Ref, hash merkle.Hash) *HashedBufferedRef[T] {
	return &HashedBufferedRef[T]{
		BufferedRef: FromRef(store, codec, ref),
		hasher:      hasher,
		hash:        &hash,
	}
}

// Hash returns the cached Merkle hash, computing and caching it on first
// access (which may require loading the payload) if absent.
func (h *HashedBufferedRef[T]) Hash() (merkle.Hash, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hash != nil {
		return *h.hash, nil
	}
	v, err := h.BufferedRef.Load()
	if err != nil {
		return merkle.Hash{}, err
	}
	hash := h.hasher(v)
	h.hash = &hash
	return hash, nil
}
