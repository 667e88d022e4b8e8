// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// TxLabelLimit is the length limit we impose on transaction labels.
	TxLabelLimit = 500

	// metaKeyLabel is the metadata key holding the user label.
	metaKeyLabel = "label"

	// metaKeyReplacedBy is the metadata key cross-referencing the
	// transaction that replaced this one via replace-by-fee.
	metaKeyReplacedBy = "replaced-by"

	// metaKeyReplaces is the metadata key cross-referencing the
	// transaction this one replaced via replace-by-fee.
	metaKeyReplaces = "replaces"
)

// PutTxLabel validates a transaction label and stores it in the record's
// metadata if it is non-empty and within the label length limit. The
// transaction must be recorded; labeling an unknown hash is a programming
// error.
func (s *Store) PutTxLabel(txHash chainhash.Hash, label string) error {
	if len(label) == 0 {
		return ErrEmptyLabel
	}
	if len(label) > TxLabelLimit {
		return ErrLabelTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txs[txHash]
	if rec == nil {
		panic(fmt.Sprintf("wtxmgr: label put for unknown "+
			"transaction %v", txHash))
	}

	rec.metadata[metaKeyLabel] = label
	s.version++

	return nil
}

// FetchTxLabel reads a transaction label from the record's metadata. If no
// label has been stored for the transaction, ErrTxLabelNotFound is returned.
func (s *Store) FetchTxLabel(txHash chainhash.Hash) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txs[txHash]
	if rec == nil {
		return "", ErrTxLabelNotFound
	}

	label, ok := rec.metadata[metaKeyLabel]
	if !ok {
		return "", ErrTxLabelNotFound
	}

	return label, nil
}

// SetReplacedBy records the replace-by-fee relationship between two tracked
// transactions in both records' metadata maps. Both transactions must be
// recorded; cross-referencing unknown hashes is a programming error.
func (s *Store) SetReplacedBy(replaced, replacement chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldRec := s.txs[replaced]
	newRec := s.txs[replacement]
	if oldRec == nil || newRec == nil {
		panic(fmt.Sprintf("wtxmgr: replacement link between unknown "+
			"transactions %v and %v", replaced, replacement))
	}

	oldRec.metadata[metaKeyReplacedBy] = replacement.String()
	newRec.metadata[metaKeyReplaces] = replaced.String()
	s.version++

	log.Infof("Transaction %v replaced by %v", replaced, replacement)
}
