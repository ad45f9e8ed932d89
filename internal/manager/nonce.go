package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource is the part of the RPC client that knows account nonces.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager serializes transaction submission per signer address.
// Nonces are read from the node on every Acquire and never cached, so a
// retry after a stale-nonce rejection always sees the current value.
type NonceManager struct {
	src NonceSource

	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

func NewNonceManager(src NonceSource) *NonceManager {
	return &NonceManager{
		src:   src,
		slots: make(map[common.Address]chan struct{}),
	}
}

func (m *NonceManager) slot(addr common.Address) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[addr]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[addr] = s
	}
	return s
}

// Acquire waits for exclusive submission rights for addr and returns its
// pending nonce. release must be called once the signed transaction has been
// handed to the node or abandoned.
func (m *NonceManager) Acquire(ctx context.Context, addr common.Address) (nonce uint64, release func(), err error) {
	s := m.slot(addr)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}

	var once sync.Once
	release = func() { once.Do(func() { <-s }) }

	nonce, err = m.src.PendingNonceAt(ctx, addr)
	if err != nil {
		release()
		return 0, nil, fmt.Errorf("failed to fetch pending nonce: %w", err)
	}
	return nonce, release, nil
}
