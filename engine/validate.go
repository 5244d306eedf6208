package engine

import (
	"math"
	"math/big"

	"github.com/DemocracyEarth/ubi-ledger/models"
)

// validateWindow runs the three capacity-validator checks for a proposed
// delegation window, in order: recipient exclusivity, circularity, capacity.
// Each scan is O(active delegation count), which the delegation cap bounds.
// proposedStop is already normalized: math.MaxInt64 for an open-ended flow.
func (e *Engine) validateWindow(sender string, outgoing []*models.Delegation, recipient string, rate *big.Int, proposedStart, proposedStop int64) error {
	// A recipient may hold only one active delegation from a given sender
	// per time window.
	for _, d := range outgoing {
		if d.Recipient != recipient {
			continue
		}
		if windowsOverlap(d.Start, stopOrMax(d.Stop), proposedStart, proposedStop) {
			return errf(KindOverlappingToSameRecipient,
				"delegation %d to %s already covers an overlapping window", d.ID, recipient)
		}
	}

	// The recipient must not be delegating the same window back to the
	// sender: no circular double-funding within one instant.
	recipientOutgoing, err := e.activeOutgoing(recipient)
	if err != nil {
		return err
	}
	for _, d := range recipientOutgoing {
		if d.Recipient != sender {
			continue
		}
		if windowsOverlap(d.Start, stopOrMax(d.Stop), proposedStart, proposedStop) {
			return errf(KindCircularDelegation,
				"recipient %s delegates back to %s over an overlapping window (delegation %d)", recipient, sender, d.ID)
		}
	}

	// The sender's committed rate across every delegation overlapping the
	// proposed window, plus the proposed rate, must fit under the base rate.
	committed := big.NewInt(0)
	for _, d := range outgoing {
		if windowsOverlap(d.Start, stopOrMax(d.Stop), proposedStart, proposedStop) {
			committed.Add(committed, d.RatePerSecond)
		}
	}
	committed.Add(committed, rate)
	if committed.Cmp(e.cfg.RatePerSecond) > 0 {
		return errf(KindInsufficientCapacity,
			"committed rate %s would exceed base accrual rate %s over the proposed window", committed, e.cfg.RatePerSecond)
	}
	return nil
}

// windowsOverlap is boundary-inclusive: windows that merely touch count as
// overlapping. Back-to-back scheduling relies on this exact test.
func windowsOverlap(a0, a1, b0, b1 int64) bool {
	return a0 <= b1 && a1 >= b0
}

// stopOrMax maps the open-ended flow stop (0) to the far future for window
// comparisons.
func stopOrMax(stop int64) int64 {
	if stop == 0 {
		return math.MaxInt64
	}
	return stop
}
