// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/txengine/coinselect"
	"github.com/btcsuite/txengine/txbuilder"
	"github.com/btcsuite/txengine/unit"
	"github.com/btcsuite/txengine/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// defaultConfTarget is the fee estimation confirmation target used when the
// intent specifies neither a fee rate nor a target.
const defaultConfTarget = 6

// defaultMaxAncestors mirrors the default mempool ancestor chain limit.
const defaultMaxAncestors = 25

// ErrNilTxIntent is returned when a nil TxIntent is provided.
var ErrNilTxIntent = errors.New("nil TxIntent")

// policyTiers are the eligibility tiers coin selection walks through, from
// strictest to most permissive, accepting the first tier that can fund the
// payment. Stricter tiers spend only well-confirmed coins; the loosest one
// admits the wallet's own unconfirmed change.
var policyTiers = []coinselect.Policy{
	{MinConfsMine: 1, MinConfsTheirs: 6},
	{MinConfsMine: 1, MinConfsTheirs: 1},
	{MinConfsTheirs: 1, MaxAncestors: defaultMaxAncestors},
}

// TxIntent represents the user's intent to create a transaction, bundling
// all the parameters required to construct it into a single structure.
type TxIntent struct {
	// Recipients are the payment destinations. Must be non-empty.
	Recipients []txbuilder.Recipient

	// FeeRate is the fee rate to pay. Zero requests an estimate from the
	// fee oracle at ConfTarget.
	FeeRate unit.SatPerKVByte

	// ConfTarget is the confirmation target for fee estimation when
	// FeeRate is zero. Zero selects a default target.
	ConfTarget int32

	// ManualInputs are caller-chosen outpoints that must be spent.
	ManualInputs []wire.OutPoint

	// AllowExtraInputs permits automatic selection to add inputs beyond
	// ManualInputs.
	AllowExtraInputs bool

	// ChangeIndex pins the change output position. Nil randomizes it.
	ChangeIndex *int

	// EnableRBF opts the transaction in to replace-by-fee signaling.
	EnableRBF bool

	// CoinFilter optionally restricts the candidate coins, e.g. to a
	// single script class.
	CoinFilter func(coinselect.Candidate) bool

	// Rand drives selection and placement randomization. Nil selects a
	// non-deterministic source; tests inject a seeded source.
	Rand *rand.Rand
}

// CreateTransaction builds and signs a transaction paying the intent's
// recipients. The result is not committed: the ledger is unchanged and
// nothing is relayed until CommitTransaction is called with the returned
// transaction.
//
// The change key reservation is held for the whole attempt, so two
// concurrent calls can never be handed the same change script.
func (w *Wallet) CreateTransaction(ctx context.Context, intent *TxIntent) (
	*txbuilder.AuthoredTx, error) {

	if intent == nil {
		return nil, ErrNilTxIntent
	}

	if w.cfg.FeeOracle == nil || w.cfg.Signer == nil ||
		w.cfg.KeyProvider == nil {

		return nil, fmt.Errorf("%w: fee oracle, signer and key "+
			"provider are required for transaction creation",
			ErrMissingConfig)
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	feeRate := intent.FeeRate
	if feeRate == 0 {
		confTarget := intent.ConfTarget
		if confTarget == 0 {
			confTarget = defaultConfTarget
		}

		var err error
		feeRate, err = w.cfg.FeeOracle.EstimateFeeRate(ctx, confTarget)
		if err != nil {
			return nil, err
		}

		log.Debugf("Estimated fee rate %s for confirmation target %d",
			feeRate, confTarget)
	}

	// Chain state is resolved before any ledger access.
	tip, err := w.cfg.Chain.BestBlock(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := w.candidateCoins(ctx, tip.Block)
	if err != nil {
		return nil, err
	}

	lease, err := w.cfg.KeyProvider.ReserveChangeScript(ctx)
	if err != nil {
		return nil, err
	}

	atx, err := w.buildAndSign(
		ctx, intent, tip, candidates, lease, feeRate,
	)
	if err != nil {
		lease.Release()
		return nil, err
	}

	// The key is only consumed when the transaction actually pays change
	// to it.
	if atx.ChangeIndex >= 0 {
		lease.Commit()
	} else {
		lease.Release()
	}

	return atx, nil
}

// buildAndSign runs the builder over the policy tiers and signs the result.
// It must be called with the engine mutex held.
func (w *Wallet) buildAndSign(ctx context.Context, intent *TxIntent,
	tip wtxmgr.BlockMeta, candidates []coinselect.Candidate,
	lease ChangeLease, feeRate unit.SatPerKVByte) (*txbuilder.AuthoredTx,
	error) {

	rng := intent.Rand

	manual := fn.NewSet[wire.OutPoint]()
	for _, op := range intent.ManualInputs {
		manual.Add(op)
	}

	// The coin source walks the tiers strictest first. Only when every
	// tier fails is the most permissive tier's error reported, since it
	// had the largest candidate set available.
	selectCoins := func(target btcutil.Amount) ([]coinselect.Coin, error) {
		var lastErr error
		for i := range policyTiers {
			policy := policyTiers[i]
			policy.Manual = manual
			policy.AllowExtraInputs = intent.AllowExtraInputs
			policy.Filter = intent.CoinFilter

			coins, err := coinselect.Select(
				candidates, target, &policy, rng,
			)
			if err == nil {
				if i > 0 {
					log.Debugf("Coin selection succeeded "+
						"at tier %d for target %v", i,
						target)
				}
				return coins, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}

	changeIndex := txbuilder.RandomChangeIndex
	if intent.ChangeIndex != nil {
		changeIndex = *intent.ChangeIndex
	}

	var checkAdmission func(tx *wire.MsgTx) error
	if w.cfg.Mempool != nil {
		checkAdmission = func(tx *wire.MsgTx) error {
			return w.cfg.Mempool.CheckAcceptance(ctx, tx)
		}
	}

	atx, err := txbuilder.Build(&txbuilder.Request{
		Recipients:  intent.Recipients,
		SelectCoins: selectCoins,
		ChangeSource: &txbuilder.ChangeSource{
			NewScript: func() ([]byte, error) {
				return lease.Script(), nil
			},
			ScriptSize: lease.ScriptSize(),
		},
		FeeRate:               feeRate,
		RelayFeeRate:          w.cfg.FeeOracle.RelayFeeRate(),
		DiscardRate:           w.cfg.FeeOracle.DiscardFeeRate(),
		ChangeIndex:           changeIndex,
		TipHeight:             tip.Height,
		EnableRBF:             intent.EnableRBF,
		CheckMempoolAdmission: checkAdmission,
		Rand:                  rng,
	})
	if err != nil {
		return nil, err
	}

	for i := range atx.Tx.TxIn {
		prevOut := &wire.TxOut{
			Value:    int64(atx.PrevInputValues[i]),
			PkScript: atx.PrevScripts[i],
		}
		if err := w.cfg.Signer.SignInput(atx.Tx, i, prevOut); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v",
				ErrSigningFailed, i, err)
		}
	}

	log.Infof("Created transaction %v paying %d recipient(s), fee %v",
		atx.Tx.TxHash(), len(intent.Recipients), atx.Fee)

	return atx, nil
}

// candidateCoins enumerates the wallet's spendable outputs at the tip and
// annotates unconfirmed ones with their mempool ancestry.
func (w *Wallet) candidateCoins(ctx context.Context, tip wtxmgr.Block) (
	[]coinselect.Candidate, error) {

	credits := w.ledger.UnspentOutputs(tip)

	candidates := make([]coinselect.Candidate, 0, len(credits))
	for _, cred := range credits {
		if !cred.Spendable {
			continue
		}

		candidate := coinselect.Candidate{
			Coin: coinselect.Coin{
				TxOut: wire.TxOut{
					Value:    int64(cred.Amount),
					PkScript: cred.PkScript,
				},
				OutPoint: cred.OutPoint,
			},
			Confirmations: cred.Confirmations,
			FromMe:        cred.FromMe,
			Safe:          cred.Safe,
		}

		if cred.Confirmations == 0 && w.cfg.Mempool != nil {
			ancestors, err := w.cfg.Mempool.AncestorCount(
				ctx, cred.OutPoint.Hash,
			)
			if err != nil {
				return nil, err
			}
			candidate.Ancestors = ancestors
		}

		candidates = append(candidates, candidate)
	}

	return candidates, nil
}
