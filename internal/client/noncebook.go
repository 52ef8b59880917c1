// Package client implements the request side of the protocol: the nonce
// book and the matchmaker that discovers executors, signs commitments and
// verifies responses.
package client

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexloom/lloom/internal/store"
)

// NonceBook is the client-local record of the next usable nonce, keyed by
// (client address, verifying contract, chain id). Every transition is
// persisted before it takes effect, so a crash between sign and send can
// never burn or reuse a nonce silently.
type NonceBook struct {
	log      *store.NonceLog
	client   common.Address
	chainID  int64
	contract common.Address

	mu       sync.Mutex
	next     uint64
	reusable map[uint64]struct{}
	pending  map[uint64]struct{}
}

// OpenNonceBook opens the durable log at path and replays it for the given
// (client, contract, chain) key. Events for other keys in the same file
// are preserved but ignored.
func OpenNonceBook(path string, client common.Address, chainID int64, contract common.Address) (*NonceBook, error) {
	log, events, err := store.OpenNonceLog(path)
	if err != nil {
		return nil, err
	}
	nb := &NonceBook{
		log:      log,
		client:   client,
		chainID:  chainID,
		contract: contract,
		reusable: make(map[uint64]struct{}),
		pending:  make(map[uint64]struct{}),
	}
	for _, ev := range events {
		if ev.Client != client || ev.ChainID != chainID || ev.Contract != contract {
			continue
		}
		switch ev.Status {
		case store.NoncePending:
			nb.pending[ev.Nonce] = struct{}{}
			delete(nb.reusable, ev.Nonce)
		case store.NonceCommitted:
			delete(nb.pending, ev.Nonce)
			delete(nb.reusable, ev.Nonce)
			if ev.Nonce >= nb.next {
				nb.next = ev.Nonce + 1
			}
		case store.NonceReusable:
			delete(nb.pending, ev.Nonce)
			nb.reusable[ev.Nonce] = struct{}{}
		}
		if ev.Nonce >= nb.next && ev.Status == store.NoncePending {
			nb.next = ev.Nonce + 1
		}
	}
	// Pending entries with no later transition are in-doubt after a crash.
	// They stay pending until Reconcile consults the chain.
	return nb, nil
}

// Reserve hands out the lowest reusable nonce, or the next fresh one, and
// persists the pending transition before returning.
func (nb *NonceBook) Reserve() (uint64, error) {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	var n uint64
	if len(nb.reusable) > 0 {
		first := true
		for cand := range nb.reusable {
			if first || cand < n {
				n = cand
				first = false
			}
		}
	} else {
		n = nb.next
	}

	if err := nb.append(n, store.NoncePending); err != nil {
		return 0, err
	}
	delete(nb.reusable, n)
	nb.pending[n] = struct{}{}
	if n >= nb.next {
		nb.next = n + 1
	}
	return n, nil
}

// Commit marks a nonce consumed by a verified response.
func (nb *NonceBook) Commit(n uint64) error {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if err := nb.append(n, store.NonceCommitted); err != nil {
		return err
	}
	delete(nb.pending, n)
	delete(nb.reusable, n)
	if n >= nb.next {
		nb.next = n + 1
	}
	return nil
}

// Release frees a nonce whose request never got accepted; the next
// Reserve returns the same value.
func (nb *NonceBook) Release(n uint64) error {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if err := nb.append(n, store.NonceReusable); err != nil {
		return err
	}
	delete(nb.pending, n)
	nb.reusable[n] = struct{}{}
	return nil
}

// Reconcile folds in the chain's clientNonces() value — the next nonce the
// contract expects. Anything below it is settled on-chain regardless of
// what the local log says; in-doubt pending entries at or above it become
// reusable.
func (nb *NonceBook) Reconcile(onchainNext uint64) error {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	for n := range nb.pending {
		if n < onchainNext {
			if err := nb.append(n, store.NonceCommitted); err != nil {
				return err
			}
			delete(nb.pending, n)
		} else {
			if err := nb.append(n, store.NonceReusable); err != nil {
				return err
			}
			delete(nb.pending, n)
			nb.reusable[n] = struct{}{}
		}
	}
	for n := range nb.reusable {
		if n < onchainNext {
			delete(nb.reusable, n)
		}
	}
	if onchainNext > nb.next {
		nb.next = onchainNext
	}
	return nil
}

// Next peeks at the nonce the next Reserve would return.
func (nb *NonceBook) Next() uint64 {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if len(nb.reusable) > 0 {
		var n uint64
		first := true
		for cand := range nb.reusable {
			if first || cand < n {
				n = cand
				first = false
			}
		}
		return n
	}
	return nb.next
}

// Close releases the underlying log.
func (nb *NonceBook) Close() error { return nb.log.Close() }

func (nb *NonceBook) append(n uint64, status store.NonceStatus) error {
	err := nb.log.Append(store.NonceEvent{
		Client:   nb.client,
		ChainID:  nb.chainID,
		Contract: nb.contract,
		Nonce:    n,
		Status:   status,
	})
	if err != nil {
		return fmt.Errorf("client: persist nonce %d %s: %w", n, status, err)
	}
	return nil
}
