// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/txengine/unit"
	"github.com/btcsuite/txengine/wtxmgr"
)

// ChainOracle is the engine's view of the current best chain. It is owned by
// the surrounding node integration; the engine never validates blocks itself.
//
// Implementations may take locks of their own. Engine methods always resolve
// chain state through this interface before touching the ledger index, so an
// implementation lock is acquired strictly before the ledger lock.
type ChainOracle interface {
	// BestBlock returns the current chain tip.
	BestBlock(ctx context.Context) (wtxmgr.BlockMeta, error)

	// IsOnBestChain reports whether the given block is part of the
	// current best chain.
	IsOnBestChain(ctx context.Context, block wtxmgr.Block) (bool, error)
}

// MempoolOracle answers questions about the node's mempool for transactions
// the engine is about to create.
type MempoolOracle interface {
	// AncestorCount returns the number of unconfirmed ancestors of the
	// given transaction, itself included.
	AncestorCount(ctx context.Context, txHash chainhash.Hash) (int, error)

	// CheckAcceptance checks if a transaction would be accepted by the
	// mempool without broadcasting, including the unconfirmed
	// ancestor/descendant chain limits.
	CheckAcceptance(ctx context.Context, tx *wire.MsgTx) error
}

// FeeOracle supplies fee rates. Estimation internals are out of scope; the
// engine only consumes the results.
type FeeOracle interface {
	// EstimateFeeRate returns a fee rate targeting confirmation within
	// the given number of blocks.
	EstimateFeeRate(ctx context.Context, confTarget int32) (
		unit.SatPerKVByte, error)

	// RelayFeeRate returns the network's minimum relay fee rate.
	RelayFeeRate() unit.SatPerKVByte

	// DiscardFeeRate returns the rate below which surplus value is not
	// worth keeping as change.
	DiscardFeeRate() unit.SatPerKVByte
}

// Signer produces input witnesses or signature scripts. Key management and
// script signing live outside the engine.
type Signer interface {
	// SignInput populates the witness or signature script of the input at
	// the given index, spending the referenced previous output.
	SignInput(tx *wire.MsgTx, index int, prevOut *wire.TxOut) error
}

// ChangeLease is a reservation of a fresh change script. The lease is held
// for an entire build attempt so concurrent builds never share a change key;
// exactly one of Commit or Release must be called.
type ChangeLease interface {
	// Script returns the reserved change output script.
	Script() []byte

	// ScriptSize returns the serialized size of the change script.
	ScriptSize() int

	// Commit marks the reserved key as used.
	Commit()

	// Release returns the reserved key for reuse.
	Release()
}

// KeyProvider hands out fresh change scripts.
type KeyProvider interface {
	// ReserveChangeScript reserves a fresh change script.
	ReserveChangeScript(ctx context.Context) (ChangeLease, error)
}

// StoredTx is one persisted ledger record: the transaction observation along
// with the context it was recorded under.
type StoredTx struct {
	// Record is the transaction record.
	Record *wtxmgr.TxRecord

	// Meta is the observation context the record was last stored with.
	Meta *wtxmgr.InsertMeta

	// Label is the record's user label, if any.
	Label string
}

// TxStore persists ledger records. Implementations are out of scope; the
// engine appends on commit and reads everything back at startup.
type TxStore interface {
	// PutTx appends or overwrites a transaction record.
	PutTx(ctx context.Context, tx *StoredTx) error

	// ReadAllTxs returns every stored record in original insertion order.
	ReadAllTxs(ctx context.Context) ([]*StoredTx, error)
}

// TxPublisher hands finished transactions to the network layer.
type TxPublisher interface {
	// Broadcast broadcasts a transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx, label string) error
}
