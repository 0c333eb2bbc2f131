// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
)

// Acceptor is implemented when a struct is monitoring if a message is accepted
type Acceptor interface {
	Accept(ctx context.Context, containerID ids.ID, container []byte) error
}

// AcceptorGroup is a group of acceptors for a specific chain
type AcceptorGroup interface {
	// RegisterAcceptor causes [acceptor] to be called when a container is
	// accepted on chain [chainID]. The group returned by NewAcceptorGroup
	// does not use [dieOnError]: an error from Accept is logged and the chain
	// keeps running.
	RegisterAcceptor(chainID ids.ID, acceptorName string, acceptor Acceptor, dieOnError bool) error

	// DeregisterAcceptor removes an acceptor that was previously registered
	DeregisterAcceptor(chainID ids.ID, acceptorName string) error
}

// BasicAcceptor is an in-memory Acceptor that simply records the last
// accepted bytes per container ID. Node uses one registered under name
// "finalized-blocks" to retain the most recently finalized block bytes for
// inspection (spec §4.11).
type BasicAcceptor struct {
	mu       sync.Mutex
	accepted map[ids.ID][]byte
}

// NewBasicAcceptor returns an empty BasicAcceptor.
func NewBasicAcceptor() *BasicAcceptor {
	return &BasicAcceptor{accepted: make(map[ids.ID][]byte)}
}

// Accept records container under containerID, overwriting any prior value.
func (a *BasicAcceptor) Accept(_ context.Context, containerID ids.ID, container []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted[containerID] = container
	return nil
}

// Get returns the last accepted bytes for containerID, if any.
func (a *BasicAcceptor) Get(containerID ids.ID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.accepted[containerID]
	return b, ok
}
