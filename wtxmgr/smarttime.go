// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import "time"

// maxClockSkew bounds how far a transaction's first-seen time may run ahead
// of previously recorded wallet history before it is clamped.
const maxClockSkew = 5 * time.Minute

// smartTime derives the record's position in chronological wallet history
// independent of wall-clock skew. An unconfirmed transaction keeps its
// first-seen time. A confirmed transaction is timestamped at
// min(block time, first-seen time), but never earlier than the most recent
// previously recorded transaction whose own smart time is within the skew
// bound of this one's first-seen time. It must be called with the store
// mutex held, before the record joins the ordered history.
func (s *Store) smartTime(rec *txRecord, block *BlockMeta) time.Time {
	if block == nil {
		return rec.received
	}

	// Walk history newest-first for the latest record whose smart time
	// does not exceed the skew bound.
	limit := rec.received.Add(maxClockSkew)
	var floor time.Time
	for i := len(s.byOrder) - 1; i >= 0; i-- {
		prev := s.byOrder[i]
		if !prev.smartTime.After(limit) {
			floor = prev.smartTime
			break
		}
	}

	smart := rec.received
	if block.Time.Before(smart) {
		smart = block.Time
	}

	// Keep history monotonically consistent: never timestamp this record
	// before the floor established by prior observations.
	if smart.Before(floor) {
		smart = floor
	}

	return smart
}
