// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package lfmb implements the left-full Merkle-binary tree indexed by a
// dense 64-bit AccountIndex (spec §4.3). Append places each new leaf at the
// unique position that keeps the tree left-full; the root hash depends only
// on the tree's size and its leaf hashes, not on the history of flush or
// uncache operations that produced it.
package lfmb

import (
	"fmt"

	"github.com/luxfi/konsensus/internal/merkle"
)

// Index is the dense position of a leaf.
type Index = uint64

// node is an in-memory left-full Merkle-binary tree node. Leaves store a
// value directly; internal nodes combine two (possibly absent, for the
// right child of a partially-full subtree) children.
type node[T any] struct {
	height int // 0 for a leaf
	size   uint64
	hash   merkle.Hash

	leaf     T
	hasLeaf  bool
	left     *node[T]
	right    *node[T] // nil when this subtree's right half is not yet populated
}

// Hasher computes the leaf hash of a value (spec §4.3 "leaf_hash").
type Hasher[T any] func(T) merkle.Hash

// Tree is a persistent, append-only LFMB tree. Update returns a new Tree
// sharing unchanged subtrees with the receiver.
type Tree[T any] struct {
	root   *node[T]
	size   uint64
	hasher Hasher[T]
}

// New returns an empty tree.
func New[T any](hasher Hasher[T]) *Tree[T] {
	return &Tree[T]{hasher: hasher}
}

// Size returns the number of leaves.
func (t *Tree[T]) Size() uint64 {
	return t.size
}

// RootHash returns the current tree hash: Combine(Empty, folded leaf
// hashes), so that an empty tree hashes to merkle.Empty (spec §4.3).
func (t *Tree[T]) RootHash() merkle.Hash {
	if t.root == nil {
		return merkle.Empty
	}
	return merkle.Combine(merkle.Empty, t.root.hash)
}

// Append adds v as the next leaf and returns a new Tree (the receiver is
// unmodified).
func (t *Tree[T]) Append(v T) *Tree[T] {
	newRoot := appendAt(t.root, t.size, v, t.hasher)
	return &Tree[T]{root: newRoot, size: t.size + 1, hasher: t.hasher}
}

// appendAt inserts the (size)-th leaf (0-indexed) into n, rebuilding only
// the path to the new leaf.
func appendAt[T any](n *node[T], size uint64, v T, hasher Hasher[T]) *node[T] {
	if n == nil {
		leaf := &node[T]{height: 0, size: 1, hasLeaf: true, leaf: v}
		leaf.hash = hasher(v)
		return leaf
	}

	capacity := uint64(1) << n.height
	if n.size == capacity {
		// n's subtree is full: grow a new level above it.
		newRight := appendAt[T](nil, 0, v, hasher)
		parent := &node[T]{
			height: n.height + 1,
			size:   n.size + 1,
			left:   n,
			right:  newRight,
		}
		parent.hash = merkle.Combine(n.hash, newRight.hash)
		return parent
	}

	half := capacity / 2
	if n.size < half {
		newLeft := appendAt(n.left, n.size, v, hasher)
		parent := &node[T]{height: n.height, size: n.size + 1, left: newLeft, right: n.right}
		parent.hash = combineNode(newLeft, n.right)
		return parent
	}
	newRight := appendAt(n.right, n.size-half, v, hasher)
	parent := &node[T]{height: n.height, size: n.size + 1, left: n.left, right: newRight}
	parent.hash = combineNode(n.left, newRight)
	return parent
}

func combineNode[T any](left, right *node[T]) merkle.Hash {
	if right == nil {
		return left.hash
	}
	return merkle.Combine(left.hash, right.hash)
}

// Get returns the leaf at idx. idx must be < Size().
func (t *Tree[T]) Get(idx Index) (T, error) {
	var zero T
	if idx >= t.size {
		return zero, fmt.Errorf("lfmb: index %d out of range (size %d)", idx, t.size)
	}
	n := t.root
	for n.height > 0 {
		capacity := uint64(1) << n.height
		half := capacity / 2
		if idx < half {
			n = n.left
		} else {
			idx -= half
			n = n.right
		}
	}
	return n.leaf, nil
}

// Update returns a new tree with the leaf at idx replaced by v, sharing all
// unaffected subtrees with the receiver.
func (t *Tree[T]) Update(idx Index, v T) (*Tree[T], error) {
	if idx >= t.size {
		return nil, fmt.Errorf("lfmb: index %d out of range (size %d)", idx, t.size)
	}
	newRoot := updateAt(t.root, idx, v, t.hasher)
	return &Tree[T]{root: newRoot, size: t.size, hasher: t.hasher}, nil
}

func updateAt[T any](n *node[T], idx Index, v T, hasher Hasher[T]) *node[T] {
	if n.height == 0 {
		leaf := &node[T]{height: 0, size: 1, hasLeaf: true, leaf: v, hash: hasher(v)}
		return leaf
	}
	capacity := uint64(1) << n.height
	half := capacity / 2
	if idx < half {
		newLeft := updateAt(n.left, idx, v, hasher)
		return &node[T]{height: n.height, size: n.size, left: newLeft, right: n.right, hash: combineNode(newLeft, n.right)}
	}
	newRight := updateAt(n.right, idx-half, v, hasher)
	return &node[T]{height: n.height, size: n.size, left: n.left, right: newRight, hash: combineNode(n.left, newRight)}
}

// MFold iterates leaves in ascending index order (spec §4.3 "mfold").
func (t *Tree[T]) MFold(f func(Index, T) error) error {
	return mfold(t.root, 0, f)
}

func mfold[T any](n *node[T], base Index, f func(Index, T) error) error {
	if n == nil {
		return nil
	}
	if n.height == 0 {
		return f(base, n.leaf)
	}
	half := Index(1) << (n.height - 1)
	if err := mfold(n.left, base, f); err != nil {
		return err
	}
	return mfold(n.right, base+half, f)
}

// MFoldDesc iterates leaves in descending index order (spec §4.3
// "mfold_desc").
func (t *Tree[T]) MFoldDesc(f func(Index, T) error) error {
	return mfoldDesc(t.root, 0, f)
}

func mfoldDesc[T any](n *node[T], base Index, f func(Index, T) error) error {
	if n == nil {
		return nil
	}
	if n.height == 0 {
		return f(base, n.leaf)
	}
	half := Index(1) << (n.height - 1)
	if err := mfoldDesc(n.right, base+half, f); err != nil {
		return err
	}
	return mfoldDesc(n.left, base, f)
}
