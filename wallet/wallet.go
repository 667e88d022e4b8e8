// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the transaction engine together: the ledger index, the
// coin selector and the transaction builder behind one facade, with every
// external dependency (chain state, mempool, fees, keys, signing, persistence,
// relay) injected as an interface.
//
// Chain state is always resolved through the ChainOracle before any ledger
// operation, so implementations holding their own chain lock acquire it
// strictly before the ledger's lock.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/txengine/wtxmgr"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrTxNotFound is returned when an operation references a
	// transaction the ledger has never seen.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrSigningFailed is returned when the signer collaborator refuses
	// to sign an input of a newly built transaction.
	ErrSigningFailed = errors.New("signing failed")

	// ErrBroadcastFailed is returned when the network layer rejects a
	// committed transaction.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrMissingConfig is returned when a required collaborator is absent
	// from the wallet configuration.
	ErrMissingConfig = errors.New("missing required config")
)

// Config holds the collaborators the engine is assembled from. ChainParams,
// Chain and Owner are required; TxStore and Publisher may be nil for an
// ephemeral, non-broadcasting wallet.
type Config struct {
	// ChainParams identifies the network.
	ChainParams *chaincfg.Params

	// Chain is the best-chain authority.
	Chain ChainOracle

	// Mempool answers mempool queries. Required for transaction creation.
	Mempool MempoolOracle

	// FeeOracle supplies fee rates. Required for transaction creation.
	FeeOracle FeeOracle

	// Signer signs newly built transactions. Required for transaction
	// creation.
	Signer Signer

	// KeyProvider reserves change scripts. Required for transaction
	// creation.
	KeyProvider KeyProvider

	// TxStore persists ledger records. Optional.
	TxStore TxStore

	// Publisher relays committed transactions. Optional.
	Publisher TxPublisher

	// Owner classifies output scripts as wallet-owned.
	Owner wtxmgr.OwnershipFilter

	// Clock is the engine's time source. Optional; defaults to the wall
	// clock.
	Clock clock.Clock
}

// Wallet is the transaction engine facade. All exported methods are safe for
// concurrent use. Reads are served from consistent ledger snapshots under
// the ledger's own lock; every ledger writer additionally holds the engine
// mutex, the same one the whole build-and-commit sequence holds, so a chain
// notification can never spend or conflict a candidate coin between its
// selection and the signing of the transaction built over it.
type Wallet struct {
	cfg    *Config
	clock  clock.Clock
	ledger *wtxmgr.Store

	// mtx serializes ledger mutation with transaction creation and
	// commit. A build snapshot stays valid until the build releases it.
	mtx sync.Mutex
}

// New assembles the engine and, when a TxStore is configured, replays every
// persisted record into the ledger in its original insertion order.
func New(ctx context.Context, cfg *Config) (*Wallet, error) {
	if cfg == nil || cfg.ChainParams == nil || cfg.Chain == nil ||
		cfg.Owner == nil {

		return nil, fmt.Errorf("%w: chain params, chain oracle and "+
			"ownership filter are required", ErrMissingConfig)
	}

	c := cfg.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}

	ledger, err := wtxmgr.New(&wtxmgr.Config{
		ChainParams: cfg.ChainParams,
		Owner:       cfg.Owner,
		Clock:       c,
	})
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:    cfg,
		clock:  c,
		ledger: ledger,
	}

	if cfg.TxStore != nil {
		if err := w.loadLedger(ctx); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// loadLedger replays persisted records into the ledger index. Replay goes
// through the same sync path as live notifications so conflict state is
// rebuilt rather than trusted from disk.
func (w *Wallet) loadLedger(ctx context.Context) error {
	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return err
	}

	stored, err := w.cfg.TxStore.ReadAllTxs(ctx)
	if err != nil {
		return err
	}

	for _, st := range stored {
		meta := st.Meta

		// A confirming block recorded before shutdown may have been
		// reorganized away since. Replay such records as unconfirmed;
		// the next confirmation observation restores them.
		if meta != nil && meta.Block != nil {
			onChain, err := w.cfg.Chain.IsOnBestChain(
				ctx, meta.Block.Block,
			)
			if err != nil {
				return err
			}
			if !onChain {
				log.Infof("Stored confirming block %v for %v "+
					"no longer on best chain, replaying "+
					"as unconfirmed", meta.Block.Hash,
					st.Record.Hash)

				metaCopy := *meta
				metaCopy.Block = nil
				metaCopy.BlockIndex = -1
				meta = &metaCopy
			}
		}

		_, err := w.ledger.SyncFromChain(st.Record, meta, tip.Block)
		if err != nil {
			return fmt.Errorf("replaying tx %v: %w",
				st.Record.Hash, err)
		}

		if st.Label != "" {
			err := w.ledger.PutTxLabel(st.Record.Hash, st.Label)
			if err != nil {
				return err
			}
		}
	}

	log.Infof("Loaded %d transaction record(s) at height %d", len(stored),
		tip.Height)

	return nil
}

// SyncFromChain records an externally observed transaction: a mempool arrival
// when meta.Block is nil, a confirmation otherwise. Other known spenders of
// the same inputs are conflict-checked after the observation is indexed.
func (w *Wallet) SyncFromChain(ctx context.Context, rec *wtxmgr.TxRecord,
	meta *wtxmgr.InsertMeta) (wtxmgr.InsertResult, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return wtxmgr.ResultUnchanged, err
	}

	res, err := w.ledger.SyncFromChain(rec, meta, tip.Block)
	if err != nil {
		return res, err
	}

	if res != wtxmgr.ResultUnchanged && w.cfg.TxStore != nil {
		err := w.cfg.TxStore.PutTx(ctx, &StoredTx{
			Record: rec,
			Meta:   meta,
		})
		if err != nil {
			return res, err
		}
	}

	return res, nil
}

// AbandonTransaction marks an unconfirmed, not-in-mempool transaction as no
// longer expected to confirm, releasing its inputs for reuse. The abandoned
// state propagates to every tracked descendant spending its outputs.
func (w *Wallet) AbandonTransaction(ctx context.Context,
	txHash chainhash.Hash) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.ledger.TxDetails(txHash) == nil {
		return fmt.Errorf("%w: %v", ErrTxNotFound, txHash)
	}

	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return err
	}

	return w.ledger.Abandon(tip.Block, txHash)
}

// MarkConflicted records that a transaction was double spent by a
// transaction in the given block, propagating to descendants. The ledger
// downgrades the record only if the conflict is deeper than its current
// state.
func (w *Wallet) MarkConflicted(ctx context.Context,
	conflictingBlock *wtxmgr.BlockMeta, txHash chainhash.Hash) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.ledger.TxDetails(txHash) == nil {
		return fmt.Errorf("%w: %v", ErrTxNotFound, txHash)
	}

	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return err
	}

	w.ledger.MarkConflicted(tip.Block, conflictingBlock, txHash)

	return nil
}

// Rollback reacts to a chain reorganization by clearing the confirmation
// and conflict state derived from every block at or above the given height,
// returning those transactions to the mempool state.
func (w *Wallet) Rollback(height int32) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.ledger.Rollback(height)
}

// DropFromMempool records that the mempool evicted the given transaction
// without it confirming.
func (w *Wallet) DropFromMempool(txHash chainhash.Hash) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.ledger.DropFromMempool(txHash)
}

// Balance sums the wallet's funds at the current tip: total, spendable under
// the trust predicate at the given minimum confirmation depth, and immature
// coinbase rewards.
func (w *Wallet) Balance(ctx context.Context, minConf int32) (
	wtxmgr.Balances, error) {

	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return wtxmgr.Balances{}, err
	}

	return w.ledger.Balance(minConf, tip.Block), nil
}

// ListTransactions returns a snapshot of every tracked transaction in
// insertion order.
func (w *Wallet) ListTransactions() []*wtxmgr.TxDetails {
	return w.ledger.TxHistory()
}

// GetTransaction returns a snapshot of a single tracked transaction, or
// ErrTxNotFound.
func (w *Wallet) GetTransaction(txHash chainhash.Hash) (*wtxmgr.TxDetails,
	error) {

	details := w.ledger.TxDetails(txHash)
	if details == nil {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txHash)
	}

	return details, nil
}

// GetConflicts returns every other known spender of the transaction's
// inputs.
func (w *Wallet) GetConflicts(txHash chainhash.Hash) ([]chainhash.Hash,
	error) {

	if w.ledger.TxDetails(txHash) == nil {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txHash)
	}

	return w.ledger.GetConflicts(txHash), nil
}

// IsSpent reports whether the outpoint is consumed by a live spender.
func (w *Wallet) IsSpent(op wire.OutPoint) bool {
	return w.ledger.IsSpent(op)
}

// ListUnspent returns the wallet's current candidate coins at the tip.
func (w *Wallet) ListUnspent(ctx context.Context) ([]wtxmgr.Credit, error) {
	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return nil, err
	}

	return w.ledger.UnspentOutputs(tip.Block), nil
}

// LockOutput excludes an output from coin selection until the lease expires
// or it is unlocked by the same lease holder.
func (w *Wallet) LockOutput(id wtxmgr.LockID, op wire.OutPoint,
	duration time.Duration) (time.Time, error) {

	return w.ledger.LockOutput(id, op, duration)
}

// UnlockOutput releases an output lock held by the given lease.
func (w *Wallet) UnlockOutput(id wtxmgr.LockID, op wire.OutPoint) error {
	return w.ledger.UnlockOutput(id, op)
}

// ListLockedOutputs returns all currently locked outputs.
func (w *Wallet) ListLockedOutputs() []*wtxmgr.LockedOutput {
	return w.ledger.ListLockedOutputs()
}

// SetTxLabel attaches a bounded free-form label to a tracked transaction.
func (w *Wallet) SetTxLabel(txHash chainhash.Hash, label string) error {
	return w.ledger.PutTxLabel(txHash, label)
}

// TxLabel fetches a transaction's label.
func (w *Wallet) TxLabel(txHash chainhash.Hash) (string, error) {
	return w.ledger.FetchTxLabel(txHash)
}

// CommitTransaction writes a built transaction into the ledger, persists it,
// and hands it to the network layer. If broadcast fails the record is
// abandoned again so the wallet's coin view stays accurate.
func (w *Wallet) CommitTransaction(ctx context.Context, tx *wire.MsgTx,
	label string) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.commitTransaction(ctx, tx, label)
}

// commitTransaction implements CommitTransaction. It must be called with the
// engine mutex held.
func (w *Wallet) commitTransaction(ctx context.Context, tx *wire.MsgTx,
	label string) error {

	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return err
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, w.clock.Now())
	if err != nil {
		return err
	}

	log.Debugf("Committing transaction %v", rec.Hash)
	log.Tracef("Committed tx: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	meta := &wtxmgr.InsertMeta{
		BlockIndex:  -1,
		FromMe:      true,
		AllowUpdate: true,
	}
	if _, err := w.ledger.SyncFromChain(rec, meta, tip.Block); err != nil {
		return err
	}

	if label != "" {
		if err := w.ledger.PutTxLabel(rec.Hash, label); err != nil {
			return err
		}
	}

	// A replacement spends at least one input of the transaction it
	// replaces; cross-reference the two records.
	for _, conflict := range w.ledger.GetConflicts(rec.Hash) {
		details := w.ledger.TxDetails(conflict)
		if details == nil || details.Block != nil || !details.FromMe {
			continue
		}

		log.Infof("Transaction %v replaces %v", rec.Hash, conflict)
		w.ledger.SetReplacedBy(conflict, rec.Hash)
	}

	if w.cfg.TxStore != nil {
		err := w.cfg.TxStore.PutTx(ctx, &StoredTx{
			Record: rec,
			Meta:   meta,
			Label:  label,
		})
		if err != nil {
			return err
		}
	}

	if w.cfg.Publisher == nil {
		return nil
	}

	if err := w.cfg.Publisher.Broadcast(ctx, tx, label); err != nil {
		log.Errorf("%v: broadcast failed: %v", rec.Hash, err)

		// Neutralize the record so its inputs are spendable again. The
		// transaction never reached the mempool, so clear that state
		// first or the abandon precondition would reject it.
		w.ledger.DropFromMempool(rec.Hash)
		if abandonErr := w.ledger.Abandon(tip.Block, rec.Hash); abandonErr != nil {
			log.Warnf("Unable to abandon %v after failed "+
				"broadcast: %v", rec.Hash, abandonErr)
		}

		return fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	return nil
}
