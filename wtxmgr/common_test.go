// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// ownScript is the output script the test ownership filter claims.
var ownScript = []byte{0x00, 0x14, 0x01, 0x02, 0x03, 0x04}

// foreignScript is an output script the wallet does not own.
var foreignScript = []byte{0x00, 0x14, 0x0f, 0x0f, 0x0f, 0x0f}

// baseTime anchors all test timestamps.
var baseTime = time.Unix(1_700_000_000, 0)

// scriptOwner owns exactly the scripts registered with it.
type scriptOwner struct {
	scripts map[string]struct{}
}

func newScriptOwner(scripts ...[]byte) *scriptOwner {
	o := &scriptOwner{scripts: make(map[string]struct{})}
	for _, s := range scripts {
		o.scripts[hex.EncodeToString(s)] = struct{}{}
	}
	return o
}

func (o *scriptOwner) IsMine(script []byte) bool {
	_, ok := o.scripts[hex.EncodeToString(script)]
	return ok
}

func (o *scriptOwner) IsSolvable(script []byte) bool {
	return o.IsMine(script)
}

// testStore bundles a store with its injected collaborators.
type testStore struct {
	store *Store
	owner *scriptOwner
	clock *clock.TestClock
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	owner := newScriptOwner(ownScript)
	testClock := clock.NewTestClock(baseTime)

	store, err := New(&Config{
		ChainParams: &chaincfg.RegressionNetParams,
		Owner:       owner,
		Clock:       testClock,
	})
	require.NoError(t, err)

	return &testStore{
		store: store,
		owner: owner,
		clock: testClock,
	}
}

// tipAt returns a tip block at the given height.
func tipAt(height int32) Block {
	return Block{Hash: chainhash.Hash{0xbb, byte(height)}, Height: height}
}

// blockAt returns block metadata for a confirming block at the given height.
func blockAt(height int32) *BlockMeta {
	return &BlockMeta{
		Block: Block{
			Hash:   chainhash.Hash{byte(height), 0xcc},
			Height: height,
		},
		Time: baseTime.Add(time.Duration(height) * 10 * time.Minute),
	}
}

// spendingTx builds a transaction consuming the given outpoints and paying
// each value to the paired script.
func spendingTx(inputs []wire.OutPoint, values []btcutil.Amount,
	scripts [][]byte) *wire.MsgTx {

	tx := &wire.MsgTx{Version: wire.TxVersion}
	for _, op := range inputs {
		tx.TxIn = append(tx.TxIn, &wire.TxIn{
			PreviousOutPoint: op,
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	for i, v := range values {
		tx.TxOut = append(tx.TxOut, wire.NewTxOut(int64(v), scripts[i]))
	}
	return tx
}

// externalFunding builds a transaction paying value to the wallet from an
// untracked input. The salt makes distinct transactions.
func externalFunding(value btcutil.Amount, salt byte) *wire.MsgTx {
	return spendingTx(
		[]wire.OutPoint{{Hash: chainhash.Hash{0xee, salt}, Index: 0}},
		[]btcutil.Amount{value},
		[][]byte{ownScript},
	)
}

// record wraps a transaction into a TxRecord received at the given time.
func record(t *testing.T, tx *wire.MsgTx, received time.Time) *TxRecord {
	t.Helper()

	rec, err := NewTxRecordFromMsgTx(tx, received)
	require.NoError(t, err)

	return rec
}

// mustInsert records a transaction observation, failing the test on error.
func (ts *testStore) mustInsert(t *testing.T, tx *wire.MsgTx,
	meta *InsertMeta) *TxRecord {

	t.Helper()

	rec := record(t, tx, ts.clock.Now())
	_, err := ts.store.InsertTx(rec, meta)
	require.NoError(t, err)

	return rec
}

// mustSync drives a transaction through the chain sync entry point.
func (ts *testStore) mustSync(t *testing.T, tx *wire.MsgTx, meta *InsertMeta,
	tip Block) *TxRecord {

	t.Helper()

	rec := record(t, tx, ts.clock.Now())
	_, err := ts.store.SyncFromChain(rec, meta, tip)
	require.NoError(t, err)

	return rec
}

// confirmedMeta is an InsertMeta for a block observation.
func confirmedMeta(height int32, index int32) *InsertMeta {
	return &InsertMeta{
		Block:       blockAt(height),
		BlockIndex:  index,
		AllowUpdate: true,
	}
}

// mempoolMeta is an InsertMeta for a mempool observation.
func mempoolMeta(fromMe bool) *InsertMeta {
	return &InsertMeta{BlockIndex: -1, FromMe: fromMe, AllowUpdate: true}
}

// coinbaseTx builds a coinbase transaction paying the wallet.
func coinbaseTx(value btcutil.Amount, salt byte) *wire.MsgTx {
	return &wire.MsgTx{
		Version: wire.TxVersion,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{
				Index: 0xffffffff,
			},
			SignatureScript: []byte{salt, 0x01},
			Sequence:        wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{
			wire.NewTxOut(int64(value), ownScript),
		},
	}
}

// outpoint references output index of the given record.
func outpoint(rec *TxRecord, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: rec.Hash, Index: index}
}
