// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blobstore implements the append-only, length-prefixed blob file
// backing the persistent block state (spec §4.1, §6).
package blobstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Ref is a stable byte offset of a record's length prefix within the blob
// file. NullRef marks the absence of a reference.
type Ref uint64

// NullRef is the sentinel "no blob" reference (spec §6).
const NullRef Ref = 1<<64 - 1

// Valid reports whether r is not the null reference.
func (r Ref) Valid() bool {
	return r != NullRef
}

// lengthPrefixSize is the size in bytes of the u64-be length prefix.
const lengthPrefixSize = 8

// ErrIO wraps any underlying file error. Per spec §4.1, callers treat these
// as fatal.
var ErrIO = errors.New("blobstore: io error")

// Store is an append-only random-access file of length-prefixed blobs.
// It is safe for concurrent use; all file access is serialized by a single
// process-wide mutex (spec §4.1, §5).
type Store struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	atEnd bool
	end   int64
}

// Open opens or creates the blob file at path.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}
	return &Store{
		f:     f,
		path:  path,
		atEnd: true,
		end:   info.Size(),
	}, nil
}

// Write appends payload as a new length-prefixed record and returns its Ref.
func (s *Store) Write(payload []byte) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.atEnd {
		if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
			return NullRef, s.invalidate(err)
		}
		s.atEnd = true
	}

	ref := Ref(s.end)

	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(payload)))

	if _, err := s.f.Write(hdr[:]); err != nil {
		return NullRef, s.invalidate(err)
	}
	if len(payload) > 0 {
		if _, err := s.f.Write(payload); err != nil {
			return NullRef, s.invalidate(err)
		}
	}

	s.end += int64(lengthPrefixSize + len(payload))
	return ref, nil
}

// invalidate marks the "at end" fast path stale after a failed write, so the
// next write reseeks (spec §4.1), and wraps err for callers.
func (s *Store) invalidate(err error) error {
	s.atEnd = false
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// Read returns the payload previously written at ref.
func (s *Store) Read(ref Ref) ([]byte, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("blobstore: read of null ref")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(int64(ref), io.SeekStart); err != nil {
		s.atEnd = false
		return nil, fmt.Errorf("%w: seek: %w", ErrIO, err)
	}

	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(s.f, hdr[:]); err != nil {
		s.atEnd = false
		return nil, fmt.Errorf("%w: read length prefix: %w", ErrIO, err)
	}
	length := binary.BigEndian.Uint64(hdr[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(s.f, payload); err != nil {
			s.atEnd = false
			return nil, fmt.Errorf("%w: read payload: %w", ErrIO, err)
		}
	}

	s.atEnd = false
	return payload, nil
}

// Flush fsyncs the backing file (spec §4.1).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %w", ErrIO, err)
	}
	return nil
}

// Destroy closes and deletes the backing file.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrIO, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove: %w", ErrIO, err)
	}
	return nil
}

// Close closes the backing file without deleting it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrIO, err)
	}
	return nil
}
