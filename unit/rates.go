// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unit provides types for expressing transaction sizes and fee
// rates without confusing the many per-size denominations in use.
package unit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// VByte expresses a transaction size in virtual bytes. One virtual byte is
// 1/4th of a weight unit.
type VByte uint64

// String returns a human-readable string of the size.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(v))
}

// WeightUnit expresses a transaction size in weight units. The tx weight is
// calculated using `Base tx size * 3 + Total tx size`.
type WeightUnit uint64

// ToVB converts the weight to virtual bytes, rounding up.
func (w WeightUnit) ToVB() VByte {
	return VByte((uint64(w) + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor)
}

// String returns a human-readable string of the weight.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(w))
}

// SatPerVByte represents a fee rate in sat/vbyte.
type SatPerVByte btcutil.Amount

// NewSatPerVByte creates a new fee rate from a fee paid for a given size.
func NewSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	if vb == 0 {
		return 0
	}
	return SatPerVByte(fee.MulF64(1 / float64(vb)))
}

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%v sat/vb", int64(s))
}

// SatPerKVByte represents a fee rate in sat/kvb.
type SatPerKVByte btcutil.Amount

// NewSatPerKVByte creates a new fee rate from a fee paid for a given size in
// kilo-virtual-bytes.
func NewSatPerKVByte(fee btcutil.Amount, kvb VByte) SatPerKVByte {
	if kvb == 0 {
		return 0
	}
	return SatPerKVByte(fee.MulF64(1000 / float64(kvb)))
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes.
func (s SatPerKVByte) FeeForVSize(vbytes VByte) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(vbytes) / 1000
}

// FeePerVByte converts the current fee rate from sat/kvb to sat/vb.
func (s SatPerKVByte) FeePerVByte() SatPerVByte {
	return SatPerVByte(s / 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%v sat/kvb", int64(s))
}
