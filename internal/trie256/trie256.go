// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package trie256 implements the persistent byte-keyed 256-ary trie used
// for credential-ID to index lookups, the baker set, and aggregation keys
// (spec §4.4). Nodes are one of Branch (256 optional children), Stem (a
// shared path prefix plus one child), or Tip (a value).
package trie256

import (
	"fmt"

	"github.com/luxfi/konsensus/internal/merkle"
)

// Alteration controls what alterM writes back so that no-op alterations do
// not cause disk writes (spec §4.4).
type Alteration[V any] struct {
	kind  alterationKind
	value V
}

type alterationKind uint8

const (
	NoChange alterationKind = iota
	Remove
	Insert
)

// KeepUnchanged signals alterM to leave the trie as-is.
func KeepUnchanged[V any]() Alteration[V] { return Alteration[V]{kind: NoChange} }

// DeleteKey signals alterM to remove the key.
func DeleteKey[V any]() Alteration[V] { return Alteration[V]{kind: Remove} }

// SetValue signals alterM to insert or overwrite the key with v.
func SetValue[V any](v V) Alteration[V] { return Alteration[V]{kind: Insert, value: v} }

// Hasher computes the Merkle hash of a leaf value.
type Hasher[V any] func(V) merkle.Hash

type kind uint8

const (
	kindBranch kind = iota
	kindStem
	kindTip
)

// node is an immutable trie node.
type node[V any] struct {
	kind kind

	// branch
	children [256]*node[V]

	// stem
	stemPath []byte
	stemNext *node[V]

	// tip
	value V

	hash   merkle.Hash
	hasher Hasher[V]
}

func newTip[V any](v V, hasher Hasher[V]) *node[V] {
	return &node[V]{kind: kindTip, value: v, hash: hasher(v), hasher: hasher}
}

func newStem[V any](path []byte, next *node[V]) *node[V] {
	n := &node[V]{kind: kindStem, stemPath: path, stemNext: next, hasher: next.hasher}
	n.hash = merkle.Combine(merkle.HashBytes(path), next.hash)
	return n
}

func newBranch[V any](children [256]*node[V], hasher Hasher[V]) *node[V] {
	n := &node[V]{kind: kindBranch, children: children, hasher: hasher}
	acc := merkle.Empty
	for _, c := range children {
		if c == nil {
			acc = merkle.Combine(acc, merkle.Empty)
			continue
		}
		acc = merkle.Combine(acc, c.hash)
	}
	n.hash = acc
	return n
}

// Trie is a persistent 256-ary trie over fixed-length byte keys.
type Trie[V any] struct {
	root   *node[V]
	hasher Hasher[V]
}

// New returns an empty trie.
func New[V any](hasher Hasher[V]) *Trie[V] {
	return &Trie[V]{hasher: hasher}
}

// Hash returns the root Merkle hash; the empty trie hashes to merkle.Empty.
func (t *Trie[V]) Hash() merkle.Hash {
	if t.root == nil {
		return merkle.Empty
	}
	return t.root.hash
}

// Lookup returns the value stored at key, if any.
func (t *Trie[V]) Lookup(key []byte) (V, bool) {
	var zero V
	n := t.root
	i := 0
	for n != nil {
		switch n.kind {
		case kindTip:
			if i == len(key) {
				return n.value, true
			}
			return zero, false
		case kindStem:
			if i+len(n.stemPath) > len(key) {
				return zero, false
			}
			for j, b := range n.stemPath {
				if key[i+j] != b {
					return zero, false
				}
			}
			i += len(n.stemPath)
			n = n.stemNext
		case kindBranch:
			if i >= len(key) {
				return zero, false
			}
			n = n.children[key[i]]
			i++
		}
	}
	return zero, false
}

// Insert returns a new trie with key mapped to v.
func (t *Trie[V]) Insert(key []byte, v V) (*Trie[V], error) {
	return t.Alter(key, func(V, bool) Alteration[V] { return SetValue(v) })
}

// Delete returns a new trie with key removed, if present.
func (t *Trie[V]) Delete(key []byte) (*Trie[V], error) {
	return t.Alter(key, func(V, bool) Alteration[V] { return DeleteKey[V]() })
}

// AlterFunc decides the Alteration to apply given the prior value (if any).
type AlterFunc[V any] func(prior V, present bool) Alteration[V]

// Alter walks key and applies f at the terminal position (spec §4.4
// "alterM"), returning a new trie sharing unchanged subtrees.
func (t *Trie[V]) Alter(key []byte, f AlterFunc[V]) (*Trie[V], error) {
	newRoot, err := alter(t.root, key, f, t.hasher)
	if err != nil {
		return nil, err
	}
	return &Trie[V]{root: newRoot, hasher: t.hasher}, nil
}

func alter[V any](n *node[V], key []byte, f AlterFunc[V], hasher Hasher[V]) (*node[V], error) {
	if n == nil {
		var zero V
		alt := f(zero, false)
		switch alt.kind {
		case NoChange, Remove:
			return nil, nil
		case Insert:
			tip := newTip(alt.value, hasher)
			if len(key) == 0 {
				return tip, nil
			}
			return newStem(key, tip), nil
		}
	}

	switch n.kind {
	case kindTip:
		if len(key) != 0 {
			return nil, fmt.Errorf("trie256: key length mismatch at tip")
		}
		alt := f(n.value, true)
		switch alt.kind {
		case NoChange:
			return n, nil
		case Remove:
			return nil, nil
		default:
			return newTip(alt.value, hasher), nil
		}

	case kindStem:
		common := commonPrefixLen(n.stemPath, key)
		switch {
		case common == len(n.stemPath) && common <= len(key):
			child, err := alter(n.stemNext, key[common:], f, hasher)
			if err != nil {
				return nil, err
			}
			if child == nil {
				return nil, nil
			}
			if child == n.stemNext {
				return n, nil
			}
			return newStem(n.stemPath, child), nil

		default:
			// Key diverges partway through the stem, so it is absent: any
			// alteration other than Insert leaves the trie unchanged, and an
			// Insert splits the stem into a branch.
			var zero V
			alt := f(zero, false)
			if alt.kind != Insert {
				return n, nil
			}
			var children [256]*node[V]
			if common < len(n.stemPath) {
				restStem := n.stemPath[common+1:]
				var restNode *node[V]
				if len(restStem) == 0 {
					restNode = n.stemNext
				} else {
					restNode = newStem(restStem, n.stemNext)
				}
				children[n.stemPath[common]] = restNode
			}
			if common < len(key) {
				newTipNode := newTip(alt.value, hasher)
				var newChild *node[V]
				rest := key[common+1:]
				if len(rest) == 0 {
					newChild = newTipNode
				} else {
					newChild = newStem(rest, newTipNode)
				}
				children[key[common]] = newChild
			}
			branch := newBranch(children, hasher)
			if common == 0 {
				return branch, nil
			}
			return newStem(key[:common], branch), nil
		}

	case kindBranch:
		if len(key) == 0 {
			return nil, fmt.Errorf("trie256: key exhausted at branch")
		}
		idx := key[0]
		child, err := alter(n.children[idx], key[1:], f, hasher)
		if err != nil {
			return nil, err
		}
		if child == n.children[idx] {
			return n, nil
		}
		newChildren := n.children
		newChildren[idx] = child
		return collapseOrBranch(newChildren, hasher), nil
	}
	return nil, fmt.Errorf("trie256: unreachable")
}

// collapseOrBranch collapses a branch with exactly one remaining child into
// a stem (spec §4.4 "may collapse a branch with one child into a stem").
func collapseOrBranch[V any](children [256]*node[V], hasher Hasher[V]) *node[V] {
	var (
		count    int
		onlyIdx  byte
		onlyNode *node[V]
	)
	for i, c := range children {
		if c != nil {
			count++
			onlyIdx = byte(i)
			onlyNode = c
		}
	}
	if count == 0 {
		return nil
	}
	if count == 1 {
		path := append([]byte{onlyIdx}, childStemPrefix(onlyNode)...)
		next := childStemTarget(onlyNode)
		return newStem(path, next)
	}
	return newBranch(children, hasher)
}

func childStemPrefix[V any](n *node[V]) []byte {
	if n.kind == kindStem {
		return n.stemPath
	}
	return nil
}

func childStemTarget[V any](n *node[V]) *node[V] {
	if n.kind == kindStem {
		return n.stemNext
	}
	return n
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// TagByte returns the wire tag of a stem node of length stemLen (spec §6).
// In the tag scheme 0 is reserved, 1 is a branch and 2 a tip; TagByte returns
// only stem tags: 3..254 for a stem of length tag-3, 255 as the long-stem
// escape.
func TagByte(stemLen int) byte {
	const (
		tagBranch   = 1
		tagTip      = 2
		tagStemBase = 3
		tagStemMax  = 254
		tagLongStem = 255
	)
	if stemLen+tagStemBase <= tagStemMax {
		return byte(stemLen + tagStemBase)
	}
	return tagLongStem
}
