// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinselect chooses which unspent outputs fund a payment. Given a
// candidate set and a target value it returns a subset whose sum meets the
// target while minimizing excess value, using a deterministic priority of
// strategies followed by a randomized approximate subset-sum search. The
// random source is injectable so selection is reproducible under test.
package coinselect

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MinChange is the threshold below which surplus is not worth keeping
	// as a distinct change output during selection. Coins smaller than
	// target+MinChange participate in the subset-sum search.
	MinChange = btcutil.Amount(1_000_000)

	// searchIterations bounds the randomized subset-sum search.
	searchIterations = 1000
)

// Coin is an input candidate reduced to the fields selection arithmetic
// needs: its outpoint, value and previous output script.
type Coin struct {
	wire.TxOut
	wire.OutPoint
}

// Candidate couples a Coin with the ledger context the eligibility policy
// filters on.
type Candidate struct {
	Coin

	// Confirmations is the coin's confirmation depth; zero when
	// unconfirmed.
	Confirmations int32

	// FromMe is true when the coin was created by one of the wallet's own
	// transactions.
	FromMe bool

	// Ancestors is the length of the coin's unconfirmed ancestor chain.
	// Always zero for confirmed coins.
	Ancestors int

	// Safe is true when the creating transaction is trusted.
	Safe bool
}

// Policy constrains which candidates are eligible and how manual selection
// interacts with the automatic search.
type Policy struct {
	// MinConfsMine is the minimum confirmation depth for coins created by
	// the wallet's own transactions.
	MinConfsMine int32

	// MinConfsTheirs is the minimum confirmation depth for coins received
	// from others.
	MinConfsTheirs int32

	// MaxAncestors caps the unconfirmed ancestor chain length of an
	// eligible coin. Zero means unconfirmed ancestry is not allowed.
	MaxAncestors int

	// IncludeUnsafe permits selection of coins whose creating transaction
	// is not trusted.
	IncludeUnsafe bool

	// Manual is the caller's pre-selected outpoint set.
	Manual fn.Set[wire.OutPoint]

	// AllowExtraInputs permits the automatic search to add inputs beyond
	// the manual set. When false and Manual is non-empty, exactly the
	// manual set is returned or selection fails.
	AllowExtraInputs bool

	// Filter is an optional additional candidate predicate, e.g. for
	// restricting selection to one script class. Candidates failing the
	// predicate are ineligible. Manual coins bypass the filter.
	Filter func(Candidate) bool
}

// InsufficientFundsError describes a selection failure: no eligible subset
// reaches the target.
type InsufficientFundsError struct {
	// Target is the value the selection had to reach.
	Target btcutil.Amount

	// Available is the total value of all eligible candidates.
	Available btcutil.Amount
}

// Error returns a human-readable description of the shortfall.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: target %v, available %v, "+
		"short %v", e.Target, e.Available, e.Target-e.Available)
}

// eligible applies the policy's confirmation, ancestor, safety and custom
// constraints to a candidate.
func (p *Policy) eligible(c Candidate) bool {
	minConfs := p.MinConfsTheirs
	if c.FromMe {
		minConfs = p.MinConfsMine
	}
	if c.Confirmations < minConfs {
		return false
	}

	if c.Confirmations == 0 && c.Ancestors > p.MaxAncestors {
		return false
	}

	if !c.Safe && !p.IncludeUnsafe {
		return false
	}

	if p.Filter != nil && !p.Filter(c) {
		return false
	}

	return true
}

// Select returns a subset of the candidates whose sum is at least target. The
// strategies are tried in priority order: the caller's manual set alone, a
// single exact-value coin, the exact sum of all sub-threshold coins, a single
// smallest coin above target when the small coins cannot cover it, and
// finally a randomized approximate subset-sum search compared against the
// single-larger-coin fallback. A nil rng selects non-deterministically.
func Select(candidates []Candidate, target btcutil.Amount, policy *Policy,
	rng *rand.Rand) ([]Coin, error) {

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	// Partition out the caller's manual picks; they bypass eligibility.
	var (
		forced      []Coin
		forcedTotal btcutil.Amount
	)
	for _, c := range candidates {
		if policy.Manual.Contains(c.OutPoint) {
			forced = append(forced, c.Coin)
			forcedTotal += btcutil.Amount(c.Value)
		}
	}

	if len(forced) > 0 && !policy.AllowExtraInputs {
		if forcedTotal >= target {
			return forced, nil
		}
		return nil, &InsufficientFundsError{
			Target:    target,
			Available: forcedTotal,
		}
	}

	// The manual picks are always spent; the automatic search only has
	// to cover the remainder.
	remaining := target - forcedTotal
	if remaining <= 0 {
		return forced, nil
	}

	var (
		eligible []Candidate
		total    btcutil.Amount
	)
	for _, c := range candidates {
		if policy.Manual.Contains(c.OutPoint) {
			continue
		}
		if !policy.eligible(c) {
			continue
		}
		eligible = append(eligible, c)
		total += btcutil.Amount(c.Value)
	}

	selected, err := selectEligible(eligible, total, remaining, rng)
	if err != nil {
		return nil, err
	}

	return append(forced, selected...), nil
}

// selectEligible runs the value-driven strategies over the already-filtered
// candidate set.
func selectEligible(eligible []Candidate, total, target btcutil.Amount,
	rng *rand.Rand) ([]Coin, error) {

	var (
		small       []Coin
		smallTotal  btcutil.Amount
		lowestLarge *Coin
	)

	for i := range eligible {
		c := eligible[i].Coin
		amt := btcutil.Amount(c.Value)

		switch {
		// A coin matching the target exactly is always the best
		// possible selection.
		case amt == target:
			log.Debugf("Selected single exact-value coin %v",
				c.OutPoint)
			return []Coin{c}, nil

		case amt < target+MinChange:
			small = append(small, c)
			smallTotal += amt

		case lowestLarge == nil ||
			amt < btcutil.Amount(lowestLarge.Value):

			cc := c
			lowestLarge = &cc
		}
	}

	// All sub-threshold coins together hitting the target exactly is as
	// good as a single exact match.
	if smallTotal == target {
		log.Debugf("Selected all %d sub-threshold coins summing "+
			"exactly to target %v", len(small), target)
		return small, nil
	}

	if smallTotal < target {
		if lowestLarge != nil {
			log.Debugf("Selected single larger coin %v",
				lowestLarge.OutPoint)
			return []Coin{*lowestLarge}, nil
		}
		return nil, &InsufficientFundsError{
			Target:    target,
			Available: total,
		}
	}

	// The small coins overshoot the target; search for a subset close to
	// it. Sorting descending lets the two-pass search settle large coins
	// first.
	sort.Slice(small, func(i, j int) bool {
		return small[i].Value > small[j].Value
	})

	bestIncluded, bestTotal := approximateBestSubset(
		small, smallTotal, target, rng,
	)

	// If an exact hit was not found, retry once against a target padded
	// by the minimal-change threshold so the eventual change output is
	// worth creating.
	if bestTotal != target && smallTotal >= target+MinChange {
		bestIncluded, bestTotal = approximateBestSubset(
			small, smallTotal, target+MinChange, rng,
		)
	}

	// Prefer the single larger coin when the subset either failed to land
	// in the acceptable window or carries no less excess value; a single
	// input makes for a simpler transaction.
	useLarge := lowestLarge != nil &&
		((bestTotal != target && bestTotal < target+MinChange) ||
			btcutil.Amount(lowestLarge.Value) <= bestTotal)
	if useLarge {
		log.Debugf("Selected single larger coin %v over subset "+
			"of %v", lowestLarge.OutPoint, bestTotal)
		return []Coin{*lowestLarge}, nil
	}

	var selected []Coin
	for i, use := range bestIncluded {
		if use {
			selected = append(selected, small[i])
		}
	}

	log.Debugf("Selected %d coin(s) totaling %v for target %v",
		len(selected), bestTotal, target)

	return selected, nil
}

// approximateBestSubset performs the randomized two-pass subset-sum search
// over coins sorted descending by value: the first pass includes each coin
// with even probability, the second deterministically fills with whatever
// the first pass skipped, and every time the running total reaches the
// target the best total is updated and the last coin backed out to keep
// probing for tighter subsets.
func approximateBestSubset(coins []Coin, total, target btcutil.Amount,
	rng *rand.Rand) ([]bool, btcutil.Amount) {

	bestIncluded := make([]bool, len(coins))
	for i := range bestIncluded {
		bestIncluded[i] = true
	}
	bestTotal := total

	included := make([]bool, len(coins))
	for rep := 0; rep < searchIterations && bestTotal != target; rep++ {
		for i := range included {
			included[i] = false
		}

		var reached bool
		var current btcutil.Amount
		for pass := 0; pass < 2 && !reached; pass++ {
			for i := range coins {
				var use bool
				if pass == 0 {
					use = rng.Intn(2) == 1
				} else {
					use = !included[i]
				}
				if !use {
					continue
				}

				current += btcutil.Amount(coins[i].Value)
				included[i] = true

				if current < target {
					continue
				}

				reached = true
				if current < bestTotal {
					bestTotal = current
					copy(bestIncluded, included)
				}

				// Back this coin out and keep going; a
				// smaller remaining coin may fit tighter.
				current -= btcutil.Amount(coins[i].Value)
				included[i] = false
			}
		}
	}

	return bestIncluded, bestTotal
}
