// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder assembles fee-correct, signed-ready transactions. Given a
// recipient list and a coin source it runs an iterative fee/size fixed point:
// estimate the worst-case signed size with placeholder signatures, derive the
// required fee for that size, and reselect until the budgeted fee covers the
// requirement. The builder never mutates wallet state; committing the result
// is the caller's concern.
package txbuilder

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/txengine/coinselect"
	"github.com/btcsuite/txengine/unit"
)

const (
	// RandomChangeIndex requests a randomized change output position so an
	// observer cannot tell which output returns value to the sender.
	RandomChangeIndex = -1

	// maxStandardVSize is the standardness ceiling on a transaction's
	// virtual size, in vbytes.
	maxStandardVSize = unit.VByte(100_000)

	// lockTimeBackdateChance is the denominator of the probability that
	// the anti-fee-sniping lock time is backdated instead of set to the
	// current tip height.
	lockTimeBackdateChance = 10

	// lockTimeBackdateRange is the maximum number of blocks a backdated
	// lock time reaches into the past.
	lockTimeBackdateRange = 100
)

// DefaultMaxFeeRate is the default maximum fee rate the builder will consider
// sane. This is currently set to 1000 sat/vb.
var DefaultMaxFeeRate = unit.SatPerVByte(1_000).FeePerKVByte()

// Recipient describes one payment destination: where the value goes, how much,
// and whether this output carries a share of the transaction fee.
type Recipient struct {
	// PkScript is the destination output script.
	PkScript []byte

	// Amount is the requested payment value.
	Amount btcutil.Amount

	// SubtractFee indicates the fee is deducted from this output rather
	// than added on top of it. When multiple recipients opt in, the fee is
	// split evenly among them.
	SubtractFee bool
}

// CoinSourceFunc returns coins whose total value is at least target, or a
// selection error such as *coinselect.InsufficientFundsError. The builder
// calls it once per fixed-point iteration with an updated target.
type CoinSourceFunc func(target btcutil.Amount) ([]coinselect.Coin, error)

// ChangeSource provides change output scripts for transaction creation.
type ChangeSource struct {
	// NewScript is a closure that produces unique change output scripts
	// per invocation.
	NewScript func() ([]byte, error)

	// ScriptSize is the size in bytes of scripts produced by NewScript.
	ScriptSize int
}

// Request bundles everything one build attempt needs. The zero value is not
// usable; Recipients, SelectCoins, ChangeSource and FeeRate are required.
type Request struct {
	// Recipients are the payment destinations. Must be non-empty.
	Recipients []Recipient

	// SelectCoins funds the transaction.
	SelectCoins CoinSourceFunc

	// ChangeSource produces the script receiving any non-dust surplus.
	ChangeSource *ChangeSource

	// FeeRate is the fee rate the transaction pays.
	FeeRate unit.SatPerKVByte

	// RelayFeeRate is the network's minimum relay fee rate, used for dust
	// thresholds and as the floor of the computed fee. Zero selects the
	// default relay rate.
	RelayFeeRate unit.SatPerKVByte

	// DiscardRate is the rate below which a potential change output is
	// not worth creating and its value is folded into the fee instead.
	// Zero selects RelayFeeRate.
	DiscardRate unit.SatPerKVByte

	// MaxFeeRate caps FeeRate as a fat-finger guard. Zero selects
	// DefaultMaxFeeRate.
	MaxFeeRate unit.SatPerKVByte

	// ChangeIndex pins the change output to a fixed position in the
	// output list, or randomizes it when set to RandomChangeIndex.
	ChangeIndex int

	// TipHeight is the current best chain height, used to compute the
	// anti-fee-sniping lock time. Zero disables lock time selection.
	TipHeight int32

	// EnableRBF opts the transaction in to replace-by-fee signaling.
	EnableRBF bool

	// CheckMempoolAdmission, when non-nil, is consulted with the final
	// transaction and may reject it, e.g. when unconfirmed ancestor
	// limits would be exceeded. Its error aborts the build unmodified.
	CheckMempoolAdmission func(tx *wire.MsgTx) error

	// Rand drives change position and lock time randomization. Nil
	// selects a non-deterministic source.
	Rand *rand.Rand
}

// AuthoredTx holds a newly-built transaction along with the metadata a signer
// needs: the previous output scripts and values of every input, in input
// order.
type AuthoredTx struct {
	// Tx is the unsigned transaction.
	Tx *wire.MsgTx

	// PrevScripts holds the previous output script of each input.
	PrevScripts [][]byte

	// PrevInputValues holds the previous output value of each input.
	PrevInputValues []btcutil.Amount

	// TotalInput is the sum of all input values.
	TotalInput btcutil.Amount

	// Fee is the exact fee the transaction pays; TotalInput equals the
	// sum of the output values plus Fee.
	Fee btcutil.Amount

	// ChangeIndex is the position of the change output, or negative when
	// the transaction has no change output.
	ChangeIndex int
}

// validate rejects malformed requests before any selection work happens.
func (req *Request) validate() error {
	if len(req.Recipients) == 0 {
		return ErrNoRecipients
	}

	var total btcutil.Amount
	for _, r := range req.Recipients {
		if r.Amount < 0 {
			return fmt.Errorf("%w: negative amount %v",
				ErrInvalidAmount, r.Amount)
		}
		total += r.Amount
		if total > btcutil.MaxSatoshi {
			return fmt.Errorf("%w: output total overflows max "+
				"money", ErrInvalidAmount)
		}
	}

	if req.SelectCoins == nil {
		return ErrMissingCoinSource
	}
	if req.ChangeSource == nil {
		return ErrMissingChangeSource
	}

	if req.FeeRate <= 0 {
		return ErrMissingFeeRate
	}
	maxRate := req.MaxFeeRate
	if maxRate == 0 {
		maxRate = DefaultMaxFeeRate
	}
	if req.FeeRate > maxRate {
		return fmt.Errorf("%w: fee rate of %s is too high, max sane "+
			"fee rate is %s", ErrFeeRateTooLarge, req.FeeRate,
			maxRate)
	}

	return nil
}

// Build assembles an unsigned transaction paying the request's recipients.
//
// The fee and input set are converged together: each iteration deducts the
// current fee budget from fee-subtracting recipients, selects coins covering
// the outputs (plus the fee when no recipient absorbs it), estimates the
// worst-case signed virtual size, and derives the fee that size requires at
// the requested rate. A shortfall raises the budget and repeats; once the
// budget suffices it is shrunk back to the exact requirement, with any
// remaining surplus paid to a change output, or folded into the fee when the
// surplus is dust.
func Build(req *Request) (*AuthoredTx, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	rng := req.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	relayRate := req.RelayFeeRate
	if relayRate == 0 {
		relayRate = unit.SatPerKVByte(txrules.DefaultRelayFeePerKb)
	}
	discardRate := req.DiscardRate
	if discardRate == 0 {
		discardRate = relayRate
	}

	changeScript, err := req.ChangeSource.NewScript()
	if err != nil {
		return nil, err
	}
	changeScriptSize := req.ChangeSource.ScriptSize

	var (
		targetAmount  btcutil.Amount
		subtractCount int
	)
	for _, r := range req.Recipients {
		targetAmount += r.Amount
		if r.SubtractFee {
			subtractCount++
		}
	}

	// Seed the budget with the fee for a transaction spending a single
	// witness input. The loop below raises it as real inputs arrive.
	initialOutputs, err := recipientOutputs(
		req.Recipients, 0, subtractCount, relayRate,
	)
	if err != nil {
		return nil, err
	}
	initialSize := txsizes.EstimateVirtualSize(
		0, 0, 1, 0, initialOutputs, changeScriptSize,
	)
	fee := req.FeeRate.FeeForVSize(unit.VByte(initialSize))

	for {
		outputs, err := recipientOutputs(
			req.Recipients, fee, subtractCount, relayRate,
		)
		if err != nil {
			return nil, err
		}

		selectionTarget := targetAmount
		if subtractCount == 0 {
			selectionTarget += fee
		}

		coins, err := req.SelectCoins(selectionTarget)
		if err != nil {
			return nil, err
		}

		var inputTotal btcutil.Amount
		for _, c := range coins {
			inputTotal += btcutil.Amount(c.Value)
		}

		p2pkh, p2tr, p2wpkh, nested, err := countInputScripts(coins)
		if err != nil {
			return nil, err
		}

		maxSignedSize := unit.VByte(txsizes.EstimateVirtualSize(
			p2pkh, p2tr, p2wpkh, nested, outputs,
			changeScriptSize,
		))

		requiredFee := req.FeeRate.FeeForVSize(maxSignedSize)
		if relayFee := relayRate.FeeForVSize(maxSignedSize); requiredFee < relayFee {
			requiredFee = relayFee
		}

		if fee < requiredFee {
			log.Debugf("Budgeted fee %v below %v required for %v "+
				"vbytes, raising and reselecting", fee,
				requiredFee, maxSignedSize)
			fee = requiredFee
			continue
		}

		if fee > requiredFee {
			// Shrink back to the exact requirement. Rebuilding the
			// outputs refunds any over-deduction to
			// fee-subtracting recipients; without fee subtraction
			// the surplus flows into change below. The previously
			// selected inputs still cover the smaller target.
			fee = requiredFee
			outputs, err = recipientOutputs(
				req.Recipients, fee, subtractCount, relayRate,
			)
			if err != nil {
				return nil, err
			}
		}

		return finalize(
			req, rng, coins, outputs, changeScript,
			changeScriptSize, discardRate, inputTotal, fee,
			maxSignedSize,
		)
	}
}

// finalize turns a converged selection into the final transaction: change
// placement or dust folding, input sequences, lock time, and the size and
// mempool ceilings.
func finalize(req *Request, rng *rand.Rand, coins []coinselect.Coin,
	outputs []*wire.TxOut, changeScript []byte, changeScriptSize int,
	discardRate unit.SatPerKVByte, inputTotal, fee btcutil.Amount,
	maxSignedSize unit.VByte) (*AuthoredTx, error) {

	var outputTotal btcutil.Amount
	for _, out := range outputs {
		outputTotal += btcutil.Amount(out.Value)
	}

	// The selection target guarantees the inputs cover the outputs plus
	// the converged fee.
	surplus := inputTotal - outputTotal - fee
	if surplus < 0 {
		panic(fmt.Sprintf("selected input total %v below output "+
			"total %v plus fee %v", inputTotal, outputTotal, fee))
	}

	changeIndex := -1
	switch {
	case surplus == 0:

	case txrules.IsDustAmount(surplus, changeScriptSize, btcutil.Amount(discardRate)):
		// A surplus below the discard threshold is not worth an output
		// of its own; paying it to the miners is cheaper than carrying
		// it.
		log.Debugf("Folding dust surplus %v into fee", surplus)
		fee += surplus

	default:
		idx := req.ChangeIndex
		if idx == RandomChangeIndex {
			idx = rng.Intn(len(outputs) + 1)
		}
		if idx < 0 || idx > len(outputs) {
			return nil, fmt.Errorf("%w: index %d with %d "+
				"outputs", ErrChangeIndexOutOfRange, idx,
				len(outputs))
		}

		change := wire.NewTxOut(int64(surplus), changeScript)
		outputs = append(outputs, nil)
		copy(outputs[idx+1:], outputs[idx:])
		outputs[idx] = change
		changeIndex = idx
	}

	if maxSignedSize > maxStandardVSize {
		return nil, fmt.Errorf("%w: estimated signed size %v exceeds "+
			"%v", ErrTxTooLarge, maxSignedSize, maxStandardVSize)
	}

	// Enabling lock time requires at least one input sequence below the
	// maximum; opting in to replacement requires one below max-1.
	sequence := uint32(wire.MaxTxInSequenceNum - 1)
	if req.EnableRBF {
		sequence = wire.MaxTxInSequenceNum - 2
	}

	txIn := make([]*wire.TxIn, 0, len(coins))
	prevScripts := make([][]byte, 0, len(coins))
	prevValues := make([]btcutil.Amount, 0, len(coins))
	for i := range coins {
		in := wire.NewTxIn(&coins[i].OutPoint, nil, nil)
		in.Sequence = sequence
		txIn = append(txIn, in)
		prevScripts = append(prevScripts, coins[i].PkScript)
		prevValues = append(prevValues, btcutil.Amount(coins[i].Value))
	}

	tx := &wire.MsgTx{
		Version:  wire.TxVersion,
		TxIn:     txIn,
		TxOut:    outputs,
		LockTime: lockTimeForTip(rng, req.TipHeight),
	}

	if req.CheckMempoolAdmission != nil {
		if err := req.CheckMempoolAdmission(tx); err != nil {
			return nil, err
		}
	}

	log.Infof("Built transaction with %d input(s), %d output(s), fee %v "+
		"(change index %d)", len(txIn), len(outputs), fee, changeIndex)

	return &AuthoredTx{
		Tx:              tx,
		PrevScripts:     prevScripts,
		PrevInputValues: prevValues,
		TotalInput:      inputTotal,
		Fee:             fee,
		ChangeIndex:     changeIndex,
	}, nil
}

// recipientOutputs materializes the recipient list with the given fee budget
// deducted from fee-subtracting recipients. The fee share is split evenly;
// the first such recipient additionally absorbs the division remainder. An
// output that becomes dust after deduction fails the build.
func recipientOutputs(recipients []Recipient, fee btcutil.Amount,
	subtractCount int, relayRate unit.SatPerKVByte) ([]*wire.TxOut, error) {

	var share, remainder btcutil.Amount
	if subtractCount > 0 {
		share = fee / btcutil.Amount(subtractCount)
		remainder = fee % btcutil.Amount(subtractCount)
	}

	outputs := make([]*wire.TxOut, 0, len(recipients))
	first := true
	for _, r := range recipients {
		amount := r.Amount
		if r.SubtractFee {
			amount -= share
			if first {
				amount -= remainder
				first = false
			}
		}
		if amount < 0 {
			return nil, fmt.Errorf("%w: amount %v cannot carry "+
				"fee share %v", ErrDustOutput, r.Amount,
				r.Amount-amount)
		}

		out := wire.NewTxOut(int64(amount), r.PkScript)
		if txrules.IsDustOutput(out, btcutil.Amount(relayRate)) {
			return nil, fmt.Errorf("%w: output of %v after fee "+
				"adjustment", ErrDustOutput, amount)
		}
		outputs = append(outputs, out)
	}

	return outputs, nil
}

// countInputScripts classifies each coin's previous output script into the
// spendable classes the size estimator knows worst-case signature sizes for.
// Bare P2SH is assumed to nest a P2WPKH redeem.
func countInputScripts(coins []coinselect.Coin) (p2pkh, p2tr, p2wpkh,
	nested int, err error) {

	for i := range coins {
		switch txscript.GetScriptClass(coins[i].PkScript) {
		case txscript.PubKeyHashTy:
			p2pkh++
		case txscript.WitnessV1TaprootTy:
			p2tr++
		case txscript.WitnessV0PubKeyHashTy:
			p2wpkh++
		case txscript.ScriptHashTy:
			nested++
		default:
			return 0, 0, 0, 0, fmt.Errorf("%w: %x",
				ErrUnsupportedScript, coins[i].PkScript)
		}
	}

	return p2pkh, p2tr, p2wpkh, nested, nil
}

// lockTimeForTip picks the transaction lock time discouraging fee sniping:
// usually the current tip height so the transaction is only valid in the next
// block, occasionally backdated so chain reorganizations do not reveal which
// transactions were authored at the tip.
func lockTimeForTip(rng *rand.Rand, tipHeight int32) uint32 {
	if tipHeight <= 0 {
		return 0
	}

	lockTime := uint32(tipHeight)
	if rng.Intn(lockTimeBackdateChance) == 0 {
		back := uint32(rng.Intn(lockTimeBackdateRange))
		if back > lockTime {
			back = lockTime
		}
		lockTime -= back
	}

	if lockTime >= txscript.LockTimeThreshold {
		// Heights at or beyond the threshold would be interpreted as
		// timestamps.
		return 0
	}

	return lockTime
}
