// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Credit is a transiently produced view of a spendable output owned by the
// wallet, used as input to coin selection. Credits are snapshots; they are
// never retained by the store.
type Credit struct {
	wire.OutPoint
	BlockMeta

	Amount       btcutil.Amount
	PkScript     []byte
	Received     time.Time
	FromCoinBase bool

	// Confirmations is the output's confirmation depth at the tip the
	// scan was performed against.
	Confirmations int32

	// FromMe is true when the transaction creating this output was
	// originated by this wallet.
	FromMe bool

	// Spendable is true when the wallet can sign for the output.
	Spendable bool

	// Solvable is true when the wallet knows how to construct a witness
	// or signature script for the output's script template.
	Solvable bool

	// Safe is true when the creating transaction passes the balance trust
	// predicate; unsafe outputs are only selected on explicit request.
	Safe bool
}

// TxDetails is a point-in-time snapshot of a tracked transaction's state.
type TxDetails struct {
	Hash         chainhash.Hash
	MsgTx        wire.MsgTx
	SerializedTx []byte
	Received     time.Time
	SmartTime    time.Time

	// Block is the confirming block, or nil.
	Block *BlockMeta

	// BlockIndex is the position within the confirming block, or -1.
	BlockIndex int32

	// Order is the record's insertion order.
	Order uint64

	Conflicted bool
	Abandoned  bool
	InMempool  bool
	FromMe     bool

	Credit btcutil.Amount
	Debit  btcutil.Amount

	// Metadata is a copy of the record's free-form metadata map.
	Metadata map[string]string
}

// TxDetails returns a snapshot of the record for the given hash, or nil if
// the transaction is unknown to the store.
func (s *Store) TxDetails(txHash chainhash.Hash) *TxDetails {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txs[txHash]
	if rec == nil {
		return nil
	}

	return s.details(rec)
}

// TxHistory returns snapshots of every tracked transaction in insertion
// order, suitable for history replay.
func (s *Store) TxHistory() []*TxDetails {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]*TxDetails, 0, len(s.byOrder))
	for _, rec := range s.byOrder {
		history = append(history, s.details(rec))
	}

	return history
}

// details builds a TxDetails snapshot. It must be called with the store
// mutex held.
func (s *Store) details(rec *txRecord) *TxDetails {
	credit, debit := s.creditDebit(rec)

	d := &TxDetails{
		Hash:         rec.hash,
		MsgTx:        rec.msgTx,
		SerializedTx: rec.serialized,
		Received:     rec.received,
		SmartTime:    rec.smartTime,
		BlockIndex:   rec.blockIndex,
		Order:        rec.order,
		Conflicted:   rec.conflictsWith != nil,
		Abandoned:    rec.abandoned,
		InMempool:    rec.inMempool,
		FromMe:       rec.fromMe,
		Credit:       credit,
		Debit:        debit,
		Metadata:     make(map[string]string, len(rec.metadata)),
	}

	if rec.block != nil {
		blockCopy := *rec.block
		d.Block = &blockCopy
	}
	for k, v := range rec.metadata {
		d.Metadata[k] = v
	}

	return d
}

// UnspentOutputs scans the store for candidate coins: owned outputs of
// non-conflicted, non-abandoned transactions with no live spender and no
// active output lock. Immature coinbase outputs are excluded entirely. The
// tip is the caller-resolved current best block.
func (s *Store) UnspentOutputs(tip Block) []Credit {
	s.mu.Lock()
	defer s.mu.Unlock()

	var credits []Credit
	now := s.clock.Now()
	visited := make(map[chainhash.Hash]bool)

	for _, rec := range s.byOrder {
		if rec.abandoned || rec.conflictsWith != nil {
			continue
		}

		depth := rec.confirms(tip.Height)
		coinbase := blockchain.IsCoinBaseTx(&rec.msgTx)
		if coinbase && depth < s.coinbaseMaturity() {
			continue
		}

		safe := s.trusted(rec, tip.Height, visited)

		for i, txOut := range rec.msgTx.TxOut {
			if !s.owner.IsMine(txOut.PkScript) {
				continue
			}

			op := wire.OutPoint{
				Hash:  rec.hash,
				Index: uint32(i),
			}
			if s.isSpent(op) {
				continue
			}
			if _, locked := s.lockedOutput(op, now); locked {
				continue
			}

			solvable := s.owner.IsSolvable(txOut.PkScript)

			cred := Credit{
				OutPoint:      op,
				Amount:        btcutil.Amount(txOut.Value),
				PkScript:      txOut.PkScript,
				Received:      rec.received,
				FromCoinBase:  coinbase,
				Confirmations: depth,
				FromMe:        rec.fromMe,
				Spendable:     solvable,
				Solvable:      solvable,
				Safe:          safe,
			}
			if rec.block != nil {
				cred.BlockMeta = *rec.block
			}

			credits = append(credits, cred)
		}
	}

	return credits
}
