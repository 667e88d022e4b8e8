// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import "errors"

var (
	// ErrTxConfirmed is returned when an attempt is made to abandon a
	// transaction that has already confirmed in a block.
	ErrTxConfirmed = errors.New("transaction has confirmations")

	// ErrTxInMempool is returned when an attempt is made to abandon a
	// transaction that is still present in the mempool.
	ErrTxInMempool = errors.New("transaction is in the mempool")

	// ErrEmptyLabel is returned when an attempt to write a label that is
	// empty is made.
	ErrEmptyLabel = errors.New("empty transaction label not allowed")

	// ErrLabelTooLong is returned when an attempt to write a label that is
	// too long is made.
	ErrLabelTooLong = errors.New("transaction label exceeds limit")

	// ErrTxLabelNotFound is returned when no label is found for a
	// transaction hash.
	ErrTxLabelNotFound = errors.New("label for transaction not found")

	// ErrUnknownOutput is an error returned when an output not known to
	// the store is attempted to be locked.
	ErrUnknownOutput = errors.New("unknown output")

	// ErrOutputAlreadyLocked is an error returned when an output has
	// already been locked to a different ID.
	ErrOutputAlreadyLocked = errors.New("output already locked")

	// ErrOutputUnlockNotAllowed is an error returned when an output unlock
	// is attempted with a different ID than the one which locked it.
	ErrOutputUnlockNotAllowed = errors.New("output unlock not allowed")

	// ErrInvalidSerializedTx is returned when a raw transaction cannot be
	// deserialized into a record.
	ErrInvalidSerializedTx = errors.New("invalid serialized transaction")
)
