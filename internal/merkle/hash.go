// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package merkle provides the hash-combination primitives shared by the
// LFMB tree, the 256-ary trie, and block-state composition (spec §3,
// §4.3, §4.4, §4.6). Hashing itself is treated as an opaque operation per
// spec §1 Non-goals; this package only arranges sha256 invocations.
package merkle

import (
	"crypto/sha256"

	"github.com/luxfi/ids"
)

// Hash is a 32-byte Merkle digest.
type Hash = ids.ID

// Empty is the hash of the empty marker used as the base case of LFMB tree
// folding (spec §4.3).
var Empty = HashBytes([]byte("EMPTY"))

// HashBytes hashes an opaque byte string.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// Combine deterministically combines two child hashes into a parent hash,
// used throughout the LFMB tree, trie, and block-state root composition.
func Combine(left, right Hash) Hash {
	buf := make([]byte, 0, 2*len(Hash{}))
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// CombineAll folds Combine left-to-right over hs, seeded by Empty when hs is
// empty.
func CombineAll(hs ...Hash) Hash {
	if len(hs) == 0 {
		return Empty
	}
	acc := hs[0]
	for _, h := range hs[1:] {
		acc = Combine(acc, h)
	}
	return acc
}
