// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MarkConflicted records that the given transaction is displaced by a spend
// confirmed in conflictingBlock. If the conflict is not deeper than the
// transaction's current confirmation state the call is a no-op. Otherwise the
// record loses its confirmed position and the conflict propagates over the
// spend graph to everything spending this transaction's outputs. The
// transaction must be recorded; calling this for an unknown hash is a
// programming error.
func (s *Store) MarkConflicted(tip Block, conflictingBlock *BlockMeta,
	txHash chainhash.Hash) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.markConflicted(tip, conflictingBlock, txHash)
}

// markConflicted implements MarkConflicted. It must be called with the store
// mutex held.
func (s *Store) markConflicted(tip Block, conflictingBlock *BlockMeta,
	txHash chainhash.Hash) {

	rec := s.txs[txHash]
	if rec == nil {
		panic(fmt.Sprintf("wtxmgr: conflict marked for unknown "+
			"transaction %v", txHash))
	}

	// A conflict buried N blocks deep counts as -N confirmations. Only a
	// conflict deeper than the record's own confirmation state displaces
	// it.
	conflictConfirms := -(tip.Height - conflictingBlock.Height + 1)
	if conflictConfirms >= rec.confirms(tip.Height) {
		return
	}

	s.propagate(tip, txHash, func(r *txRecord) bool {
		if conflictConfirms >= r.confirms(tip.Height) {
			return false
		}

		blockCopy := *conflictingBlock
		r.conflictsWith = &blockCopy
		r.block = nil
		r.blockIndex = -1
		r.inMempool = false

		log.Infof("Marked transaction %v conflicted by block %v "+
			"(depth %d)", r.hash, conflictingBlock.Hash,
			-conflictConfirms)

		return true
	})
}

// Abandon marks an unconfirmed transaction as no longer expected to confirm
// and propagates the abandonment to everything spending its outputs. It
// fails if the transaction has confirmations or is still in the mempool. The
// transaction must be recorded; calling this for an unknown hash is a
// programming error.
func (s *Store) Abandon(tip Block, txHash chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txs[txHash]
	if rec == nil {
		panic(fmt.Sprintf("wtxmgr: abandon requested for unknown "+
			"transaction %v", txHash))
	}

	if rec.confirms(tip.Height) > 0 {
		return fmt.Errorf("%w: %v has %d confirmations",
			ErrTxConfirmed, txHash, rec.confirms(tip.Height))
	}
	if rec.inMempool {
		return fmt.Errorf("%w: %v", ErrTxInMempool, txHash)
	}

	s.propagate(tip, txHash, func(r *txRecord) bool {
		// Descendants of an unconfirmed transaction cannot be
		// confirmed themselves.
		if r.confirms(tip.Height) > 0 {
			return false
		}

		r.abandoned = true
		r.block = nil
		r.blockIndex = -1
		r.inMempool = false

		log.Infof("Abandoned transaction %v", r.hash)

		return true
	})

	return nil
}

// propagate applies mark to the record for start and, breadth-first, to every
// recorded transaction spending any output of a marked record. A visited set
// guarantees termination even if the spend graph were ever to contain a
// cycle. The store version is bumped once if anything changed. It must be
// called with the store mutex held.
func (s *Store) propagate(tip Block, start chainhash.Hash,
	mark func(*txRecord) bool) {

	visited := fn.NewSet[chainhash.Hash]()
	queue := []chainhash.Hash{start}
	changed := false

	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]

		if visited.Contains(hash) {
			continue
		}
		visited.Add(hash)

		rec := s.txs[hash]
		if rec == nil {
			continue
		}

		if !mark(rec) {
			continue
		}
		changed = true

		// Enqueue every known spender of this record's outputs.
		for i := range rec.msgTx.TxOut {
			op := wire.OutPoint{Hash: rec.hash, Index: uint32(i)}
			queue = append(queue, s.spends[op]...)
		}
	}

	if changed {
		s.version++
	}
}
