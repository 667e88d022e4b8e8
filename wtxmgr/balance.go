// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Balances summarizes the value of the wallet's unspent owned outputs.
type Balances struct {
	// Total is the value of every unspent owned output that has not been
	// conflicted or abandoned, regardless of trust.
	Total btcutil.Amount

	// Spendable is the value of trusted unspent owned outputs meeting the
	// requested confirmation minimum, excluding immature coinbase reward.
	Spendable btcutil.Amount

	// ImmatureReward is the value of coinbase outputs that have not yet
	// reached maturity.
	ImmatureReward btcutil.Amount
}

// isFinal reports whether the transaction passes locktime finality against
// the given tip.
func (s *Store) isFinal(tx *wire.MsgTx, tipHeight int32) bool {
	if tx.LockTime == 0 {
		return true
	}

	threshold := int64(tx.LockTime)
	if tx.LockTime < txscript.LockTimeThreshold {
		if threshold < int64(tipHeight)+1 {
			return true
		}
	} else if threshold < s.clock.Now().Unix() {
		return true
	}

	// A non-expired locktime is still final if every input opted out of
	// it.
	for _, txIn := range tx.TxIn {
		if txIn.Sequence != wire.MaxTxInSequenceNum {
			return false
		}
	}

	return true
}

// trusted implements the balance trust predicate: a record is trusted if it
// is final and confirmed, or if it is an unconfirmed mempool transaction
// funded exclusively by trusted wallet-owned outputs, recursively. It must
// be called with the store mutex held.
func (s *Store) trusted(rec *txRecord, tipHeight int32,
	visited map[chainhash.Hash]bool) bool {

	if done, ok := visited[rec.hash]; ok {
		return done
	}

	// Guard against self-referential traversal; the spend graph is a DAG
	// by construction, but termination must not depend on it.
	visited[rec.hash] = false

	trusted := s.trustedUncached(rec, tipHeight, visited)
	visited[rec.hash] = trusted

	return trusted
}

func (s *Store) trustedUncached(rec *txRecord, tipHeight int32,
	visited map[chainhash.Hash]bool) bool {

	if !s.isFinal(&rec.msgTx, tipHeight) {
		return false
	}

	depth := rec.confirms(tipHeight)
	if depth >= 1 {
		return true
	}
	if depth < 0 || rec.abandoned {
		return false
	}
	if !rec.inMempool {
		return false
	}

	// An unconfirmed transaction is only trusted when every input spends
	// an owned output of a transaction that is itself trusted.
	for _, txIn := range rec.msgTx.TxIn {
		op := txIn.PreviousOutPoint
		prev := s.txs[op.Hash]
		if prev == nil {
			return false
		}
		if int(op.Index) >= len(prev.msgTx.TxOut) {
			return false
		}
		if !s.owner.IsMine(prev.msgTx.TxOut[op.Index].PkScript) {
			return false
		}
		if !s.trusted(prev, tipHeight, visited) {
			return false
		}
	}

	return true
}

// coinbaseMaturity returns the confirmation depth at which coinbase reward
// becomes spendable.
func (s *Store) coinbaseMaturity() int32 {
	return int32(s.chainParams.CoinbaseMaturity)
}

// Balance computes the wallet balances against the caller-resolved best
// block. minConf applies to the Spendable figure only; unconfirmed trusted
// credit is counted with minConf of zero. The view is derived on demand and
// owns no state.
func (s *Store) Balance(minConf int32, tip Block) Balances {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bals Balances
	visited := make(map[chainhash.Hash]bool)

	for _, rec := range s.byOrder {
		if rec.abandoned || rec.conflictsWith != nil {
			continue
		}

		depth := rec.confirms(tip.Height)
		coinbase := blockchain.IsCoinBaseTx(&rec.msgTx)
		immature := coinbase && depth < s.coinbaseMaturity()
		isTrusted := s.trusted(rec, tip.Height, visited)

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

			amt := btcutil.Amount(txOut.Value)
			bals.Total += amt

			if immature {
				bals.ImmatureReward += amt
				continue
			}
			if isTrusted && depth >= minConf {
				bals.Spendable += amt
			}
		}
	}

	return bals
}
