// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package accountmap implements the two-layer account-address index: a
// persistent LMDB-backed store (realized here as github.com/luxfi/database,
// see DESIGN.md) plus a per-block in-memory difference-map chain
// (spec §4.5).
package accountmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/luxfi/database"
)

// AddressLen is the canonical account address length (spec §6 LMDB layout:
// 32-byte key). Equivalence uses the 29-byte prefix (spec GLOSSARY
// "Canonical account address").
const (
	AddressLen          = 32
	canonicalPrefixLen  = 29
)

// Address is a full account address.
type Address [AddressLen]byte

// Canonical returns the 29-byte equivalence-class prefix of addr (spec
// GLOSSARY, §4.5).
func (a Address) Canonical() [canonicalPrefixLen]byte {
	var out [canonicalPrefixLen]byte
	copy(out[:], a[:canonicalPrefixLen])
	return out
}

// Index is a dense account-table position.
type Index = uint64

var accountMapTable = []byte("account_map")

func dbKey(prefix [canonicalPrefixLen]byte) []byte {
	key := make([]byte, 0, len(accountMapTable)+canonicalPrefixLen)
	key = append(key, accountMapTable...)
	key = append(key, prefix[:]...)
	return key
}

// Store is the persistent AccountAddress -> AccountIndex index. It never
// contains an index beyond size-1; callers bounds-check lookups against the
// current account-table size to guard against rollback (spec §4.5
// Invariant).
type Store struct {
	db database.Database
}

// NewStore wraps db as the persistent account-index store.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle, for callers (like
// treestate.State) that batch-write accounts created directly alongside
// this store's own key range (spec §4.5 "write_accounts_created").
func (s *Store) DB() database.Database {
	return s.db
}

// Get returns the index stored for addr's canonical prefix, if present.
func (s *Store) Get(addr Address) (Index, bool, error) {
	raw, err := s.db.Get(dbKey(addr.Canonical()))
	if err != nil {
		if err == database.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("accountmap: get: %w", err)
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Put writes addr's canonical-prefix -> index mapping.
func (s *Store) Put(addr Address, idx Index) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], idx)
	return s.db.Put(dbKey(addr.Canonical()), buf[:])
}

// PopulateFromAccounts is the startup routine: it writes a
// (canonical_address, index) pair for every account that accounts yields, in
// the order yielded, as one batch (spec §4.5 "Startup"). It does not check
// whether the store already holds entries; it writes the pairs in every case.
func PopulateFromAccounts(db database.Database, accounts func(yield func(Index, Address) bool)) error {
	s := NewStore(db)
	batch := db.NewBatch()
	count := 0
	accounts(func(idx Index, addr Address) bool {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], idx)
		if err := batch.Put(dbKey(addr.Canonical()), buf[:]); err != nil {
			return false
		}
		count++
		return true
	})
	_ = s
	if count == 0 {
		return nil
	}
	return batch.Write()
}

// DiffEntry is one addition recorded in a DifferenceMap.
type DiffEntry struct {
	Addr  Address
	Index Index
}

// DifferenceMap is the per-block in-memory layer of additions on top of the
// persistent store (spec §4.5, §3). Its parent link is a shared, atomically
// loaded cell so that concurrent readers observe finalization-driven
// clearing safely.
type DifferenceMap struct {
	mu      sync.RWMutex
	entries map[[canonicalPrefixLen]byte]DiffEntry
	parent  atomic.Pointer[DifferenceMap]
	store   *Store
	size    func() uint64 // current account-table size, for bounds checks
}

// NewDifferenceMap creates a difference map with an optional parent (nil for
// the root of a chain) layered over store.
func NewDifferenceMap(store *Store, parent *DifferenceMap, size func() uint64) *DifferenceMap {
	d := &DifferenceMap{
		entries: make(map[[canonicalPrefixLen]byte]DiffEntry),
		store:   store,
		size:    size,
	}
	d.parent.Store(parent)
	return d
}

// Insert records a new address -> index mapping local to this map.
func (d *DifferenceMap) Insert(addr Address, idx Index) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[addr.Canonical()] = DiffEntry{Addr: addr, Index: idx}
}

// Lookup searches entries, then the parent chain, then the persistent
// store, bounds-checked against the current account-table size (spec §4.5).
func (d *DifferenceMap) Lookup(addr Address) (Index, bool, error) {
	prefix := addr.Canonical()

	d.mu.RLock()
	entry, ok := d.entries[prefix]
	d.mu.RUnlock()
	if ok {
		return d.boundsCheck(entry.Index)
	}

	if parent := d.parent.Load(); parent != nil {
		return parent.Lookup(addr)
	}

	idx, found, err := d.store.Get(addr)
	if err != nil || !found {
		return 0, found, err
	}
	return d.boundsCheck(idx)
}

func (d *DifferenceMap) boundsCheck(idx Index) (Index, bool, error) {
	if d.size != nil && idx >= d.size() {
		return 0, false, nil
	}
	return idx, true, nil
}

// Flatten returns the entries of this map and all ancestors, in ascending
// canonical-address order, child entries shadowing parent entries for the
// same address (spec §4.5 "flatten").
func (d *DifferenceMap) Flatten() []DiffEntry {
	seen := make(map[[canonicalPrefixLen]byte]DiffEntry)
	for cur := d; cur != nil; cur = cur.parent.Load() {
		cur.mu.RLock()
		for k, v := range cur.entries {
			if _, already := seen[k]; !already {
				seen[k] = v
			}
		}
		cur.mu.RUnlock()
	}

	out := make([]DiffEntry, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Addr[:], out[j].Addr[:]) < 0
	})
	return out
}

// Reparent detaches this map from its current parent and attaches parent
// instead. Used when an ancestor's chain is flattened into LMDB and
// cleared: live child maps continue holding their own additions but fall
// through directly to whatever remains of the chain (spec §4.5).
func (d *DifferenceMap) Reparent(parent *DifferenceMap) {
	d.parent.Store(parent)
}

// WriteAccountsCreated atomically inserts the flattened entries into the
// persistent store and clears this map's parent cell (spec §4.5
// "write_accounts_created").
func (d *DifferenceMap) WriteAccountsCreated(db database.Database) error {
	entries := d.Flatten()
	batch := db.NewBatch()
	for _, e := range entries {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], e.Index)
		if err := batch.Put(dbKey(e.Addr.Canonical()), buf[:]); err != nil {
			return fmt.Errorf("accountmap: write accounts created: %w", err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("accountmap: write accounts created: %w", err)
	}
	d.parent.Store(nil)
	d.mu.Lock()
	d.entries = make(map[[canonicalPrefixLen]byte]DiffEntry)
	d.mu.Unlock()
	return nil
}
