// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/txengine/unit"
	"github.com/btcsuite/txengine/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// mockChain is a ChainOracle pinned to a fixed tip. Blocks listed in stale
// are reported as reorganized away.
type mockChain struct {
	tip   wtxmgr.BlockMeta
	stale map[chainhash.Hash]bool
}

func (m *mockChain) BestBlock(context.Context) (wtxmgr.BlockMeta, error) {
	return m.tip, nil
}

func (m *mockChain) IsOnBestChain(_ context.Context, block wtxmgr.Block) (
	bool, error) {

	return !m.stale[block.Hash] && block.Height <= m.tip.Height, nil
}

// mockMempool is a MempoolOracle with scripted answers. onCheck, when set,
// observes every admission check.
type mockMempool struct {
	ancestors map[chainhash.Hash]int
	acceptErr error
	onCheck   func()
}

func (m *mockMempool) AncestorCount(_ context.Context,
	txHash chainhash.Hash) (int, error) {

	return m.ancestors[txHash], nil
}

func (m *mockMempool) CheckAcceptance(context.Context, *wire.MsgTx) error {
	if m.onCheck != nil {
		m.onCheck()
	}
	return m.acceptErr
}

// mockFeeOracle returns fixed rates. discard defaults to the relay rate.
type mockFeeOracle struct {
	rate    unit.SatPerKVByte
	relay   unit.SatPerKVByte
	discard unit.SatPerKVByte
}

func (m *mockFeeOracle) EstimateFeeRate(context.Context, int32) (
	unit.SatPerKVByte, error) {

	return m.rate, nil
}

func (m *mockFeeOracle) RelayFeeRate() unit.SatPerKVByte {
	return m.relay
}

func (m *mockFeeOracle) DiscardFeeRate() unit.SatPerKVByte {
	if m.discard != 0 {
		return m.discard
	}
	return m.relay
}

// keySigner signs pay-to-witness-pubkey-hash inputs with a real key.
type keySigner struct {
	priv *btcec.PrivateKey
	err  error
}

func (s *keySigner) SignInput(tx *wire.MsgTx, index int,
	prevOut *wire.TxOut) error {

	if s.err != nil {
		return s.err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	witness, err := txscript.WitnessSignature(
		tx, sigHashes, index, prevOut.Value, prevOut.PkScript,
		txscript.SigHashAll, s.priv, true,
	)
	if err != nil {
		return err
	}

	tx.TxIn[index].Witness = witness

	return nil
}

// testLease is a ChangeLease tracking its outcome.
type testLease struct {
	script    []byte
	committed bool
	released  bool
}

func (l *testLease) Script() []byte {
	return l.script
}

func (l *testLease) ScriptSize() int {
	return len(l.script)
}

func (l *testLease) Commit() {
	l.committed = true
}

func (l *testLease) Release() {
	l.released = true
}

// mockKeyProvider hands out the same change script and remembers every lease
// it issued.
type mockKeyProvider struct {
	script []byte
	leases []*testLease
}

func (m *mockKeyProvider) ReserveChangeScript(context.Context) (ChangeLease,
	error) {

	lease := &testLease{script: m.script}
	m.leases = append(m.leases, lease)

	return lease, nil
}

// memTxStore is an in-memory TxStore. onPut, when set, observes every write.
type memTxStore struct {
	mu    sync.Mutex
	byTx  map[chainhash.Hash]int
	txs   []*StoredTx
	fails error
	onPut func()
}

func newMemTxStore() *memTxStore {
	return &memTxStore{byTx: make(map[chainhash.Hash]int)}
}

func (m *memTxStore) PutTx(_ context.Context, tx *StoredTx) error {
	if m.onPut != nil {
		m.onPut()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fails != nil {
		return m.fails
	}

	if i, ok := m.byTx[tx.Record.Hash]; ok {
		m.txs[i] = tx
		return nil
	}
	m.byTx[tx.Record.Hash] = len(m.txs)
	m.txs = append(m.txs, tx)

	return nil
}

func (m *memTxStore) ReadAllTxs(context.Context) ([]*StoredTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*StoredTx, len(m.txs))
	copy(out, m.txs)

	return out, nil
}

// mockPublisher records broadcasts and can be scripted to fail.
type mockPublisher struct {
	broadcast []*wire.MsgTx
	err       error
}

func (m *mockPublisher) Broadcast(_ context.Context, tx *wire.MsgTx,
	label string) error {

	if m.err != nil {
		return m.err
	}
	m.broadcast = append(m.broadcast, tx)

	return nil
}

// scriptSetOwner owns exactly the scripts registered with it.
type scriptSetOwner struct {
	scripts map[string]struct{}
}

func newScriptSetOwner(scripts ...[]byte) *scriptSetOwner {
	o := &scriptSetOwner{scripts: make(map[string]struct{})}
	for _, s := range scripts {
		o.add(s)
	}
	return o
}

func (o *scriptSetOwner) add(script []byte) {
	o.scripts[hex.EncodeToString(script)] = struct{}{}
}

func (o *scriptSetOwner) IsMine(script []byte) bool {
	_, ok := o.scripts[hex.EncodeToString(script)]
	return ok
}

func (o *scriptSetOwner) IsSolvable(script []byte) bool {
	return o.IsMine(script)
}

// testEnv bundles a wallet with all its mock collaborators.
type testEnv struct {
	wallet    *Wallet
	chain     *mockChain
	mempool   *mockMempool
	fees      *mockFeeOracle
	signer    *keySigner
	keys      *mockKeyProvider
	store     *memTxStore
	publisher *mockPublisher
	owner     *scriptSetOwner
	clock     *clock.TestClock

	// ownScript is the p2wpkh script of the signer's key; funding
	// transactions pay to it.
	ownScript []byte
}

// p2wpkhForKey derives the pay-to-witness-pubkey-hash script of a key.
func p2wpkhForKey(t *testing.T, priv *btcec.PrivateKey) []byte {
	t.Helper()

	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(hash).Script()
	require.NoError(t, err)

	return script
}

// newTestEnv creates a wallet wired to mocks, with the tip at the given
// height.
func newTestEnv(t *testing.T, tipHeight int32) *testEnv {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ownScript := p2wpkhForKey(t, priv)

	changePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	changeScript := p2wpkhForKey(t, changePriv)

	env := &testEnv{
		chain: &mockChain{
			tip: wtxmgr.BlockMeta{
				Block: wtxmgr.Block{
					Hash:   chainhash.Hash{0xbb},
					Height: tipHeight,
				},
				Time: time.Unix(1_700_000_000, 0),
			},
		},
		mempool: &mockMempool{
			ancestors: make(map[chainhash.Hash]int),
		},
		fees: &mockFeeOracle{
			rate:  unit.SatPerKVByte(10_000),
			relay: unit.SatPerKVByte(1_000),
		},
		signer:    &keySigner{priv: priv},
		keys:      &mockKeyProvider{script: changeScript},
		store:     newMemTxStore(),
		publisher: &mockPublisher{},
		owner:     newScriptSetOwner(ownScript, changeScript),
		clock: clock.NewTestClock(
			time.Unix(1_700_000_100, 0),
		),
		ownScript: ownScript,
	}

	env.wallet, err = New(context.Background(), &Config{
		ChainParams: &chaincfg.RegressionNetParams,
		Chain:       env.chain,
		Mempool:     env.mempool,
		FeeOracle:   env.fees,
		Signer:      env.signer,
		KeyProvider: env.keys,
		TxStore:     env.store,
		Publisher:   env.publisher,
		Owner:       env.owner,
		Clock:       env.clock,
	})
	require.NoError(t, err)

	return env
}

// fundWallet records a confirmed transaction paying the given amount to the
// wallet's own script and returns the record.
func (env *testEnv) fundWallet(t *testing.T, amount btcutil.Amount,
	height int32, seq uint32) *wtxmgr.TxRecord {

	t.Helper()

	fundingTx := &wire.MsgTx{
		Version: wire.TxVersion,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{0xee},
				Index: seq,
			},
			Sequence: wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{
			wire.NewTxOut(int64(amount), env.ownScript),
		},
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(
		fundingTx, env.clock.Now().Add(-time.Hour),
	)
	require.NoError(t, err)

	_, err = env.wallet.SyncFromChain(
		context.Background(), rec, &wtxmgr.InsertMeta{
			Block: &wtxmgr.BlockMeta{
				Block: wtxmgr.Block{
					Hash:   chainhash.Hash{byte(height)},
					Height: height,
				},
				Time: env.clock.Now().Add(-time.Hour),
			},
			BlockIndex: 1,
		},
	)
	require.NoError(t, err)

	return rec
}

// externalScript returns a deterministic foreign p2wpkh script.
func externalScript(fill byte) []byte {
	script := make([]byte, 22)
	script[1] = 0x14
	for i := 2; i < 22; i++ {
		script[i] = fill
	}
	return script
}

// checkTxConservation asserts the spent inputs equal outputs plus fee.
func checkTxConservation(t *testing.T, env *testEnv, tx *wire.MsgTx,
	fee btcutil.Amount) {

	t.Helper()

	var inputTotal btcutil.Amount
	for _, in := range tx.TxIn {
		details, err := env.wallet.GetTransaction(
			in.PreviousOutPoint.Hash,
		)
		require.NoError(t, err)

		out := details.MsgTx.TxOut[in.PreviousOutPoint.Index]
		inputTotal += btcutil.Amount(out.Value)
	}

	var outputTotal btcutil.Amount
	for _, out := range tx.TxOut {
		outputTotal += btcutil.Amount(out.Value)
	}

	require.Equal(t, inputTotal, outputTotal+fee,
		fmt.Sprintf("conservation violated: in=%v out=%v fee=%v",
			inputTotal, outputTotal, fee))
}
