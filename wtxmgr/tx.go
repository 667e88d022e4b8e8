// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr implements the wallet's ledger index: the authoritative,
// in-memory record of every transaction relevant to the wallet's owned
// outputs, the spend graph linking them, and the conflict/abandon state
// machine layered on top.
//
// All mutable state is owned by the Store and guarded by its internal mutex;
// callers never hold references into the store's records. Methods that accept
// a current best block expect the caller to have resolved it from chain state
// before the call, so any external chain lock is always acquired before the
// store's lock.
package wtxmgr

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

// Block contains the minimum amount of data to uniquely identify any block on
// either the best or side chain.
type Block struct {
	Hash   chainhash.Hash
	Height int32
}

// BlockMeta contains the unique identification for a block and any metadata
// pertaining to the block, currently only the block time from the header.
type BlockMeta struct {
	Block
	Time time.Time
}

// TxRecord represents a transaction observation that may be inserted into the
// store. It carries only immutable, caller-supplied data; the store tracks
// all mutable per-transaction state internally.
type TxRecord struct {
	MsgTx        wire.MsgTx
	Hash         chainhash.Hash
	Received     time.Time
	SerializedTx []byte // Optional: may be nil
}

// NewTxRecord creates a new transaction record that may be inserted into the
// store. It uses memoization to save the transaction hash and the serialized
// transaction.
func NewTxRecord(serializedTx []byte, received time.Time) (*TxRecord, error) {
	rec := &TxRecord{
		Received:     received,
		SerializedTx: serializedTx,
	}
	err := rec.MsgTx.Deserialize(bytes.NewReader(serializedTx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSerializedTx, err)
	}
	rec.Hash = rec.MsgTx.TxHash()

	return rec, nil
}

// NewTxRecordFromMsgTx creates a new transaction record that may be inserted
// into the store.
func NewTxRecordFromMsgTx(msgTx *wire.MsgTx, received time.Time) (*TxRecord,
	error) {

	buf := bytes.NewBuffer(make([]byte, 0, msgTx.SerializeSize()))
	err := msgTx.Serialize(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSerializedTx, err)
	}

	return &TxRecord{
		MsgTx:        *msgTx,
		Received:     received,
		SerializedTx: buf.Bytes(),
		Hash:         msgTx.TxHash(),
	}, nil
}

// OwnershipFilter reports which output scripts the wallet controls. It is
// satisfied by the external key manager; the ledger itself holds no key
// material.
type OwnershipFilter interface {
	// IsMine returns true if the passed output script pays to an address
	// controlled or watched by the wallet.
	IsMine(pkScript []byte) bool

	// IsSolvable returns true if the wallet can produce a valid witness
	// or signature script for the passed output script.
	IsSolvable(pkScript []byte) bool
}

// amountCache memoizes a record's total credit and debit amounts. The cache
// is keyed by the store's version counter, so it is invalidated automatically
// by any store mutation.
type amountCache struct {
	version uint64
	valid   bool
	credit  btcutil.Amount
	debit   btcutil.Amount
}

// txRecord is the store's internal, mutable view of a tracked transaction.
// All fields are guarded by the store's mutex.
type txRecord struct {
	msgTx      wire.MsgTx
	hash       chainhash.Hash
	received   time.Time
	serialized []byte

	// block is the confirming block, or nil while the transaction is
	// unconfirmed or conflicted.
	block *BlockMeta

	// blockIndex is the transaction's position within its confirming
	// block, or -1 while unconfirmed or conflicted.
	blockIndex int32

	// conflictsWith records the block containing a conflicting spend when
	// the transaction has been displaced from the best chain view.
	conflictsWith *BlockMeta

	// order is the record's insertion order. It is assigned exactly once
	// and never reused.
	order uint64

	// smartTime is the record's derived chronological timestamp.
	smartTime time.Time

	inMempool bool
	abandoned bool
	fromMe    bool

	// metadata holds free-form cross-references such as "replaced-by" and
	// the user label. It is never overwritten by re-observation.
	metadata map[string]string

	cache amountCache
}

// confirms returns the record's confirmation depth against the given tip
// height: positive when confirmed, zero when unconfirmed, and negative when
// conflicted (the depth of the conflicting block, negated).
func (r *txRecord) confirms(tipHeight int32) int32 {
	switch {
	case r.block != nil:
		return tipHeight - r.block.Height + 1

	case r.conflictsWith != nil:
		return -(tipHeight - r.conflictsWith.Height + 1)

	default:
		return 0
	}
}

// hasSigs returns whether any input of the transaction carries a signature
// script or witness. Stripped observations (e.g. from compact block filters)
// carry neither.
func hasSigs(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if len(txIn.SignatureScript) > 0 || len(txIn.Witness) > 0 {
			return true
		}
	}

	return false
}

// InsertResult describes the effect an insert had on the store.
type InsertResult uint8

const (
	// ResultUnchanged indicates the transaction was already recorded and
	// nothing observable changed.
	ResultUnchanged InsertResult = iota

	// ResultInserted indicates a new record was created.
	ResultInserted

	// ResultUpdated indicates an existing record had observable fields
	// merged in.
	ResultUpdated
)

// String returns the string representation of an InsertResult.
func (r InsertResult) String() string {
	switch r {
	case ResultUnchanged:
		return "unchanged"

	case ResultInserted:
		return "inserted"

	case ResultUpdated:
		return "updated"

	default:
		return "unknown insert result"
	}
}

// InsertMeta bundles the observation context for an insert: where the
// transaction was seen and how an existing record may be amended.
type InsertMeta struct {
	// Block is the confirming block, or nil for a mempool observation.
	Block *BlockMeta

	// BlockIndex is the transaction's position within Block, or -1 when
	// Block is nil.
	BlockIndex int32

	// FromMe marks the transaction as originated by this wallet.
	FromMe bool

	// AllowUpdate permits merging observable fields into an existing
	// record. Without it a re-observation is reported as unchanged.
	AllowUpdate bool
}

// Config holds the collaborators required to construct a Store. All fields
// are required unless stated otherwise.
type Config struct {
	// ChainParams identifies the network, used for coinbase maturity.
	ChainParams *chaincfg.Params

	// Owner classifies output scripts as wallet-owned and solvable.
	Owner OwnershipFilter

	// Clock is the time source for output lock expiry. Optional; a
	// default wall clock is used if nil.
	Clock clock.Clock
}

// Store implements the ledger index. It is safe for concurrent use; every
// exported method acquires the store's mutex for its full duration.
type Store struct {
	mu sync.Mutex

	chainParams *chaincfg.Params
	owner       OwnershipFilter
	clock       clock.Clock

	// version increments on every mutation and keys all derived caches.
	version uint64

	// nextOrder is the next insertion order to assign.
	nextOrder uint64

	// txs indexes every record by transaction hash.
	txs map[chainhash.Hash]*txRecord

	// byOrder holds every record in insertion order. Records are never
	// removed, matching the append-only history model.
	byOrder []*txRecord

	// spends maps each outpoint to every tracked transaction spending it.
	// More than one entry for the same outpoint signals a conflict.
	spends map[wire.OutPoint][]chainhash.Hash

	// locks holds active output lock leases keyed by outpoint.
	locks map[wire.OutPoint]outputLock
}

// New creates an empty ledger index.
func New(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.ChainParams == nil || cfg.Owner == nil {
		return nil, fmt.Errorf("missing required store config")
	}

	c := cfg.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}

	return &Store{
		chainParams: cfg.ChainParams,
		owner:       cfg.Owner,
		clock:       c,
		txs:         make(map[chainhash.Hash]*txRecord),
		spends:      make(map[wire.OutPoint][]chainhash.Hash),
		locks:       make(map[wire.OutPoint]outputLock),
	}, nil
}

// Version returns the store's current mutation counter. It increases on
// every observable mutation and may be used by callers to invalidate any
// externally cached derived data.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version
}

// InsertTx records a transaction observation. A previously unknown
// transaction is inserted, assigned its insertion order and smart timestamp,
// and has every input indexed as a spend of its previous outpoint. A known
// transaction is merged per meta.AllowUpdate. User metadata is never touched.
func (s *Store) InsertTx(rec *TxRecord, meta *InsertMeta) (InsertResult,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTx(rec, meta)
}

// insertTx implements InsertTx. It must be called with the store mutex held.
func (s *Store) insertTx(rec *TxRecord, meta *InsertMeta) (InsertResult,
	error) {

	if meta == nil {
		meta = &InsertMeta{BlockIndex: -1}
	}

	existing, ok := s.txs[rec.Hash]
	if !ok {
		s.insertNewRecord(rec, meta)
		return ResultInserted, nil
	}

	if !meta.AllowUpdate {
		return ResultUnchanged, nil
	}

	changed := false

	// A confirming block always supersedes an unconfirmed or conflicted
	// state for the same transaction.
	if meta.Block != nil && (existing.block == nil ||
		existing.block.Hash != meta.Block.Hash) {

		blockCopy := *meta.Block
		existing.block = &blockCopy
		existing.blockIndex = meta.BlockIndex
		existing.conflictsWith = nil
		existing.abandoned = false
		existing.inMempool = false
		changed = true

		log.Infof("Transaction %v confirmed in block %v (height %d)",
			rec.Hash, meta.Block.Hash, meta.Block.Height)
	}

	if meta.FromMe && !existing.fromMe {
		existing.fromMe = true
		changed = true
	}

	// Replace a stripped transaction body with a signature-bearing one.
	if !hasSigs(&existing.msgTx) && hasSigs(&rec.MsgTx) {
		existing.msgTx = rec.MsgTx
		existing.serialized = rec.SerializedTx
		changed = true

		log.Debugf("Replaced stripped transaction %v with "+
			"signature-bearing version", rec.Hash)
	}

	if !changed {
		return ResultUnchanged, nil
	}

	s.version++

	return ResultUpdated, nil
}

// insertNewRecord creates and indexes a record for a first-time observation.
// It must be called with the store mutex held.
func (s *Store) insertNewRecord(rec *TxRecord, meta *InsertMeta) {
	r := &txRecord{
		msgTx:      rec.MsgTx,
		hash:       rec.Hash,
		received:   rec.Received,
		serialized: rec.SerializedTx,
		blockIndex: -1,
		order:      s.nextOrder,
		inMempool:  meta.Block == nil,
		fromMe:     meta.FromMe,
		metadata:   make(map[string]string),
	}
	s.nextOrder++

	if meta.Block != nil {
		blockCopy := *meta.Block
		r.block = &blockCopy
		r.blockIndex = meta.BlockIndex
		r.inMempool = false
	}

	// The smart timestamp must be derived before the record joins the
	// ordered history, since it scans previously recorded transactions.
	r.smartTime = s.smartTime(r, meta.Block)

	s.txs[r.hash] = r
	s.byOrder = append(s.byOrder, r)

	for _, txIn := range r.msgTx.TxIn {
		op := txIn.PreviousOutPoint
		s.spends[op] = append(s.spends[op], r.hash)
	}

	s.version++

	log.Infof("Inserting transaction %v (order %d, confirmed=%v)",
		r.hash, r.order, r.block != nil)
	log.Tracef("Inserted record: %v", newLogClosure(func() string {
		return spew.Sdump(rec.MsgTx)
	}))
}

// SyncFromChain is the single entry point driven by external block and
// mempool notifications. The observation is recorded first, and only then is
// every other known spender of the same inputs checked for conflicts, so
// conflict detection always runs against the freshly indexed observation.
// The tip is the caller-resolved current best block.
func (s *Store) SyncFromChain(rec *TxRecord, meta *InsertMeta,
	tip Block) (InsertResult, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.insertTx(rec, meta)
	if err != nil {
		return res, err
	}

	// Conflicts can only be resolved against a confirming block; two
	// unconfirmed double spends coexist until one confirms.
	if meta == nil || meta.Block == nil {
		return res, nil
	}

	for _, txIn := range rec.MsgTx.TxIn {
		spenders := s.spends[txIn.PreviousOutPoint]
		for _, spender := range spenders {
			if spender == rec.Hash {
				continue
			}

			log.Infof("Transaction %v conflicts with %v on "+
				"outpoint %v", spender, rec.Hash,
				txIn.PreviousOutPoint)

			s.markConflicted(tip, meta.Block, spender)
		}
	}

	// The displaced records may carry user metadata the surviving record
	// should inherit; the oldest conflicting record wins.
	s.adoptConflictMetadata(rec.Hash)

	return res, nil
}

// adoptConflictMetadata copies metadata entries from the oldest conflicted
// record sharing inputs with the winner, without overwriting any keys the
// winner already has. It must be called with the store mutex held.
func (s *Store) adoptConflictMetadata(winner chainhash.Hash) {
	rec := s.txs[winner]
	if rec == nil {
		return
	}

	var oldest *txRecord
	for _, txIn := range rec.msgTx.TxIn {
		for _, spender := range s.spends[txIn.PreviousOutPoint] {
			if spender == winner {
				continue
			}

			other := s.txs[spender]
			if other == nil || other.conflictsWith == nil {
				continue
			}
			if oldest == nil || other.order < oldest.order {
				oldest = other
			}
		}
	}
	if oldest == nil {
		return
	}

	for k, v := range oldest.metadata {
		if _, ok := rec.metadata[k]; !ok {
			rec.metadata[k] = v
			s.version++
		}
	}
}

// IsSpent returns whether the outpoint is consumed by a live spender: one
// with positive confirmation depth, or an unconfirmed one that has not been
// abandoned. Conflicted spenders do not count.
func (s *Store) IsSpent(op wire.OutPoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isSpent(op)
}

// isSpent implements IsSpent. It must be called with the store mutex held.
func (s *Store) isSpent(op wire.OutPoint) bool {
	for _, spender := range s.spends[op] {
		rec := s.txs[spender]
		if rec == nil {
			panic(fmt.Sprintf("wtxmgr: spend index references "+
				"unknown transaction %v", spender))
		}

		if rec.conflictsWith != nil || rec.abandoned {
			continue
		}

		// Either confirmed, or unconfirmed and still expected to
		// confirm.
		return true
	}

	return false
}

// GetConflicts returns, for every input of the given transaction, every other
// known spender of the same outpoint. The transaction must be recorded;
// calling this for an unknown hash is a programming error.
func (s *Store) GetConflicts(txHash chainhash.Hash) []chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txs[txHash]
	if rec == nil {
		panic(fmt.Sprintf("wtxmgr: conflicts requested for unknown "+
			"transaction %v", txHash))
	}

	return s.conflictsOf(rec)
}

// conflictsOf implements GetConflicts. It must be called with the store mutex
// held.
func (s *Store) conflictsOf(rec *txRecord) []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{})
	var conflicts []chainhash.Hash

	for _, txIn := range rec.msgTx.TxIn {
		for _, spender := range s.spends[txIn.PreviousOutPoint] {
			if spender == rec.hash {
				continue
			}
			if _, ok := seen[spender]; ok {
				continue
			}
			seen[spender] = struct{}{}
			conflicts = append(conflicts, spender)
		}
	}

	return conflicts
}

// Rollback unconfirms every record mined at or above the given height,
// returning those transactions to the unconfirmed pool. Records displaced by
// a conflicting spend confirmed in a disconnected block lose their conflict
// state the same way: the displacing evidence is gone, so they return to
// plain unconfirmed and compete again. This is driven by block disconnection
// during a chain reorganization.
func (s *Store) Rollback(height int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rolledBack := 0
	for _, rec := range s.byOrder {
		switch {
		case rec.block != nil && rec.block.Height >= height:
			rec.block = nil
			rec.blockIndex = -1
			rec.inMempool = true
			rolledBack++

		case rec.conflictsWith != nil &&
			rec.conflictsWith.Height >= height:

			rec.conflictsWith = nil
			// Abandonment is caller intent and survives the
			// reorg; only the conflict evidence is withdrawn.
			if !rec.abandoned {
				rec.inMempool = true
			}
			rolledBack++
		}
	}

	if rolledBack > 0 {
		s.version++
		log.Infof("Rolled back %d transaction(s) to unconfirmed at "+
			"height %d", rolledBack, height)
	}
}

// DropFromMempool clears the mempool-membership flag for a transaction, for
// example after a mempool eviction notification. Unknown transactions are
// ignored since eviction notices can race wallet pruning of other state.
func (s *Store) DropFromMempool(txHash chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txs[txHash]
	if rec == nil || !rec.inMempool {
		return
	}

	rec.inMempool = false
	s.version++

	log.Debugf("Transaction %v dropped from mempool", txHash)
}

// creditDebit returns the record's total owned-output credit and the total
// value it debits from owned previous outputs. Results are memoized against
// the store version. It must be called with the store mutex held.
func (s *Store) creditDebit(rec *txRecord) (btcutil.Amount, btcutil.Amount) {
	if rec.cache.valid && rec.cache.version == s.version {
		return rec.cache.credit, rec.cache.debit
	}

	var credit, debit btcutil.Amount
	for _, txOut := range rec.msgTx.TxOut {
		if s.owner.IsMine(txOut.PkScript) {
			credit += btcutil.Amount(txOut.Value)
		}
	}

	for _, txIn := range rec.msgTx.TxIn {
		op := txIn.PreviousOutPoint
		prev := s.txs[op.Hash]
		if prev == nil {
			continue
		}
		if int(op.Index) >= len(prev.msgTx.TxOut) {
			continue
		}

		prevOut := prev.msgTx.TxOut[op.Index]
		if s.owner.IsMine(prevOut.PkScript) {
			debit += btcutil.Amount(prevOut.Value)
		}
	}

	rec.cache = amountCache{
		version: s.version,
		valid:   true,
		credit:  credit,
		debit:   debit,
	}

	return credit, debit
}
