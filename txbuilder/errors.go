// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"errors"
)

var (
	// ErrNoRecipients is returned when a transaction is requested without
	// any recipients.
	ErrNoRecipients = errors.New("transaction has no recipients")

	// ErrInvalidAmount is returned when a recipient amount is negative or
	// the output total overflows the valid amount range.
	ErrInvalidAmount = errors.New("invalid output amount")

	// ErrDustOutput is returned when a recipient output, after any fee
	// subtraction, falls below the network's spendability threshold.
	ErrDustOutput = errors.New("output amount is dust")

	// ErrChangeIndexOutOfRange is returned when the caller pins the change
	// output to a position that does not exist in the final transaction.
	ErrChangeIndexOutOfRange = errors.New("change index out of range")

	// ErrTxTooLarge is returned when the assembled transaction exceeds the
	// standardness size ceiling.
	ErrTxTooLarge = errors.New("transaction too large")

	// ErrMempoolChainTooLong is returned when the transaction would exceed
	// the mempool's unconfirmed ancestor or descendant limits.
	ErrMempoolChainTooLong = errors.New("mempool chain too long")

	// ErrMissingFeeRate is returned when a transaction is created without
	// a fee rate.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrFeeRateTooLarge is returned when the requested fee rate exceeds
	// the configured sanity ceiling.
	ErrFeeRateTooLarge = errors.New("fee rate too large")

	// ErrUnsupportedScript is returned when a selected coin's previous
	// output script is not one of the spendable classes the size
	// estimator understands.
	ErrUnsupportedScript = errors.New("unsupported previous output script")

	// ErrMissingChangeSource is returned when no change script source is
	// provided.
	ErrMissingChangeSource = errors.New("missing change source")

	// ErrMissingCoinSource is returned when no coin source is provided.
	ErrMissingCoinSource = errors.New("missing coin source")
)
