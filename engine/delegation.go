package engine

import (
	"math/big"

	"go.uber.org/zap"

	"github.com/DemocracyEarth/ubi-ledger/logger"
	"github.com/DemocracyEarth/ubi-ledger/models"
)

// CreateDelegationRequest is the input to CreateDelegation. Stop is ignored
// for the flow kind, which has no fixed stop. An empty kind means stream.
type CreateDelegationRequest struct {
	Sender        string
	Recipient     string
	RatePerSecond *big.Int
	Start         int64
	Stop          int64
	Cancellable   bool
	Kind          models.DelegationKind
}

// WithdrawalResult reports the amount paid out for one delegation id.
type WithdrawalResult struct {
	ID     uint64   `json:"id"`
	Amount *big.Int `json:"amount"`
}

// CreateDelegation redirects part of the sender's accrual rate to a
// recipient for a time window. Preconditions are checked in a fixed order,
// each with its own rejection kind, before anything is written.
func (e *Engine) CreateDelegation(req CreateDelegationRequest) (uint64, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	now := e.clock.Now()
	kind := req.Kind
	if kind == "" {
		kind = models.KindStream
	}
	if kind != models.KindStream && kind != models.KindFlow {
		return 0, errf(KindInvalidWindow, "unknown delegation kind %q", req.Kind)
	}

	sender, err := e.loadAccount(req.Sender)
	if err != nil {
		return 0, err
	}
	if !e.registry.IsVerified(req.Sender) || !sender.Accruing() {
		return 0, errf(KindNotEligible, "sender %s must be verified and accruing", req.Sender)
	}
	if req.Recipient == "" || req.Recipient == req.Sender {
		return 0, errf(KindInvalidRecipient, "recipient %q is not a valid delegation target", req.Recipient)
	}
	if req.RatePerSecond == nil || req.RatePerSecond.Sign() <= 0 {
		return 0, errf(KindZeroRate, "delegation rate must be positive")
	}
	if req.Start < now {
		return 0, errf(KindStartsInPast, "start %d is before now %d", req.Start, now)
	}
	if kind == models.KindStream && req.Stop <= req.Start {
		return 0, errf(KindInvalidWindow, "stop %d must be after start %d", req.Stop, req.Start)
	}
	if req.RatePerSecond.Cmp(e.cfg.RatePerSecond) > 0 {
		return 0, errf(KindRateExceedsBase, "rate %s exceeds base accrual rate %s", req.RatePerSecond, e.cfg.RatePerSecond)
	}

	outgoing, err := e.activeOutgoing(req.Sender)
	if err != nil {
		return 0, err
	}
	max, err := e.maxDelegations()
	if err != nil {
		return 0, err
	}
	if len(outgoing) >= max {
		return 0, errf(KindTooManyDelegations, "sender %s already has %d active delegations (cap %d)", req.Sender, len(outgoing), max)
	}

	stop := req.Stop
	if kind == models.KindFlow {
		stop = 0
	}
	if err := e.validateWindow(req.Sender, outgoing, req.Recipient, req.RatePerSecond, req.Start, stopOrMax(stop)); err != nil {
		return 0, err
	}

	id, err := e.repo.NextDelegationID()
	if err != nil {
		return 0, errf(KindInternal, "allocate delegation id: %v", err)
	}
	d := &models.Delegation{
		ID:            id,
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		RatePerSecond: new(big.Int).Set(req.RatePerSecond),
		Start:         req.Start,
		Stop:          stop,
		Withdrawn:     big.NewInt(0),
		Cancellable:   req.Cancellable,
		Kind:          kind,
		Status:        models.StatusActive,
		CreatedAt:     now,
	}
	if err := e.repo.PutDelegation(d); err != nil {
		return 0, errf(KindInternal, "store delegation: %v", err)
	}
	if err := e.appendToIndex(true, req.Sender, id); err != nil {
		return 0, err
	}
	if err := e.appendToIndex(false, req.Recipient, id); err != nil {
		return 0, err
	}
	if err := e.repo.AppendEvent(&models.Event{
		Type:         models.EventDelegationCreated,
		DelegationID: id,
		Sender:       req.Sender,
		Recipient:    req.Recipient,
		Rate:         new(big.Int).Set(req.RatePerSecond),
		Start:        req.Start,
		Stop:         stop,
		Timestamp:    now,
	}); err != nil {
		return 0, errf(KindInternal, "append event: %v", err)
	}

	logger.Logger.Info("Delegation created",
		zap.Uint64("id", id),
		zap.String("sender", req.Sender),
		zap.String("recipient", req.Recipient),
		zap.String("rate", req.RatePerSecond.String()),
		zap.Int64("start", req.Start),
		zap.Int64("stop", stop))
	return id, nil
}

// GetDelegation returns the record for an id, in whatever definite state it
// is in (active, settled or cancelled). Unknown ids return NotFound.
func (e *Engine) GetDelegation(id uint64) (*models.Delegation, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	return e.getDelegation(id)
}

// BalanceOfDelegation returns the unwithdrawn accrued value of a delegation.
// Settled and cancelled records report zero. asOf == 0 means now.
func (e *Engine) BalanceOfDelegation(id uint64, asOf int64) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if asOf == 0 {
		asOf = e.clock.Now()
	}
	d, err := e.getDelegation(id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.StatusActive {
		return big.NewInt(0), nil
	}
	return e.delegationAvailable(d, asOf)
}

// Withdraw pays out the full available balance of each delegation to its
// recipient. The caller must be the recipient of every id; everything is
// validated before the first payout so a bad id leaves no partial state.
func (e *Engine) Withdraw(ids []uint64, caller string) ([]WithdrawalResult, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	return e.withdraw(ids, caller, nil)
}

// WithdrawAmount pays out an explicit amount from a single delegation.
func (e *Engine) WithdrawAmount(id uint64, caller string, amount *big.Int) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if amount == nil || amount.Sign() <= 0 {
		return nil, errf(KindInvalidAmount, "withdrawal amount must be positive")
	}
	results, err := e.withdraw([]uint64{id}, caller, amount)
	if err != nil {
		return nil, err
	}
	return results[0].Amount, nil
}

func (e *Engine) withdraw(ids []uint64, caller string, amount *big.Int) ([]WithdrawalResult, error) {
	now := e.clock.Now()

	if len(ids) == 0 {
		return nil, errf(KindInvalidAmount, "no delegation ids given")
	}

	// Validation pass: load everything and compute payouts before any write.
	delegations := make([]*models.Delegation, 0, len(ids))
	available := make([]*big.Int, 0, len(ids))
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, errf(KindInvalidAmount, "delegation %d appears twice in the batch", id)
		}
		seen[id] = true
		d, err := e.getDelegation(id)
		if err != nil {
			return nil, err
		}
		if d.Recipient != caller {
			return nil, errf(KindUnauthorized, "caller %s is not the recipient of delegation %d", caller, id)
		}
		if d.Status != models.StatusActive {
			return nil, errf(KindAmountExceedsAvailable, "delegation %d is already settled", id)
		}
		avail, err := e.delegationAvailable(d, now)
		if err != nil {
			return nil, err
		}
		if avail.Sign() <= 0 {
			return nil, errf(KindAmountExceedsAvailable, "delegation %d has nothing to withdraw", id)
		}
		if amount != nil {
			if amount.Cmp(avail) > 0 {
				return nil, errf(KindAmountExceedsAvailable, "amount %s exceeds available %s on delegation %d", amount, avail, id)
			}
			avail = new(big.Int).Set(amount)
		}
		delegations = append(delegations, d)
		available = append(available, avail)
	}

	results := make([]WithdrawalResult, 0, len(ids))
	for i, d := range delegations {
		payout := available[i]

		// Consolidate the sender's own accrual against the same now before
		// paying out, so no stale accrual start is in play.
		sender, err := e.loadAccount(d.Sender)
		if err != nil {
			return nil, err
		}
		if err := e.consolidate(sender, now); err != nil {
			return nil, err
		}
		if err := e.repo.PutAccount(sender); err != nil {
			return nil, errf(KindInternal, "store account: %v", err)
		}

		recipient, err := e.loadAccount(d.Recipient)
		if err != nil {
			return nil, err
		}
		recipient.Balance.Add(recipient.Balance, payout)
		if err := e.repo.PutAccount(recipient); err != nil {
			return nil, errf(KindInternal, "store account: %v", err)
		}

		d.Withdrawn.Add(d.Withdrawn, payout)

		// A bounded delegation fully drained past its stop is done: remove
		// it from the active indices and tombstone the record.
		remaining := e.delegationAccrued(d, now)
		remaining.Sub(remaining, d.Withdrawn)
		if d.Bounded() && now >= d.Stop && remaining.Sign() == 0 {
			d.Status = models.StatusSettled
			if err := e.removeFromOutgoingIndex(d.Sender, d.ID); err != nil {
				return nil, err
			}
			if err := e.removeFromIncomingIndex(d.Recipient, d.ID); err != nil {
				return nil, err
			}
		}
		if err := e.repo.PutDelegation(d); err != nil {
			return nil, errf(KindInternal, "store delegation: %v", err)
		}
		if err := e.repo.AppendEvent(&models.Event{
			Type:         models.EventDelegationWithdrawn,
			DelegationID: d.ID,
			Sender:       d.Sender,
			Recipient:    d.Recipient,
			Amount:       new(big.Int).Set(payout),
			Timestamp:    now,
		}); err != nil {
			return nil, errf(KindInternal, "append event: %v", err)
		}

		logger.Logger.Info("Delegation withdrawn",
			zap.Uint64("id", d.ID),
			zap.String("recipient", d.Recipient),
			zap.String("amount", payout.String()))
		results = append(results, WithdrawalResult{ID: d.ID, Amount: payout})
	}
	return results, nil
}

// CancelDelegation tombstones a cancellable delegation. Mid-window, the
// recipient's pro-rata share and the sender's own accrual are both settled
// against the same now snapshot, so the freed capacity and the paid-out
// value agree to the second.
func (e *Engine) CancelDelegation(id uint64, caller string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	now := e.clock.Now()
	d, err := e.getDelegation(id)
	if err != nil {
		return err
	}
	if d.Status != models.StatusActive {
		return errf(KindNotFound, "delegation %d is already settled", id)
	}
	if caller != d.Sender && caller != d.Recipient {
		return errf(KindUnauthorized, "caller %s is neither sender nor recipient of delegation %d", caller, id)
	}
	if !d.Cancellable {
		return errf(KindNotCancellable, "delegation %d is not cancellable", id)
	}

	payout := big.NewInt(0)
	if now > d.Start {
		// An unverified sender's window is frozen until someone reports the
		// removal, which pays the recipient in full; cancelling now would
		// settle value the frozen window still accounts for.
		if !e.registry.IsVerified(d.Sender) {
			return errf(KindNotEligible, "sender %s is unverified; the delegation settles through removal reporting", d.Sender)
		}

		// Settle the sender's base first, while the delegation still counts
		// against its outgoing rate, then pay the recipient's share.
		sender, err := e.loadAccount(d.Sender)
		if err != nil {
			return err
		}
		if err := e.consolidate(sender, now); err != nil {
			return err
		}
		if err := e.repo.PutAccount(sender); err != nil {
			return errf(KindInternal, "store account: %v", err)
		}

		payout = e.delegationAccrued(d, now)
		payout.Sub(payout, d.Withdrawn)
		if payout.Sign() > 0 {
			recipient, err := e.loadAccount(d.Recipient)
			if err != nil {
				return err
			}
			recipient.Balance.Add(recipient.Balance, payout)
			if err := e.repo.PutAccount(recipient); err != nil {
				return errf(KindInternal, "store account: %v", err)
			}
			d.Withdrawn.Add(d.Withdrawn, payout)
		}
	}

	d.Status = models.StatusCancelled
	if err := e.repo.PutDelegation(d); err != nil {
		return errf(KindInternal, "store delegation: %v", err)
	}
	if err := e.removeFromOutgoingIndex(d.Sender, d.ID); err != nil {
		return err
	}
	if err := e.removeFromIncomingIndex(d.Recipient, d.ID); err != nil {
		return err
	}
	if err := e.repo.AppendEvent(&models.Event{
		Type:         models.EventDelegationCancelled,
		DelegationID: d.ID,
		Sender:       d.Sender,
		Recipient:    d.Recipient,
		Amount:       payout,
		Timestamp:    now,
	}); err != nil {
		return errf(KindInternal, "append event: %v", err)
	}

	logger.Logger.Info("Delegation cancelled",
		zap.Uint64("id", d.ID),
		zap.String("caller", caller),
		zap.String("settled", payout.String()))
	return nil
}

// GetActiveDelegationsOf returns the active outgoing delegation ids of an
// account.
func (e *Engine) GetActiveDelegationsOf(address string) ([]uint64, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	ids, err := e.repo.GetOutgoingIndex(address)
	if err != nil {
		return nil, errf(KindInternal, "load outgoing index: %v", err)
	}
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out, nil
}

// GetOutgoingAccruedTotal sums the unwithdrawn accrued value across all of
// an account's active outgoing delegations, as of now.
func (e *Engine) GetOutgoingAccruedTotal(address string) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	now := e.clock.Now()
	delegations, err := e.activeOutgoing(address)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, d := range delegations {
		avail, err := e.delegationAvailable(d, now)
		if err != nil {
			return nil, err
		}
		total.Add(total, avail)
	}
	return total, nil
}

// SetMaxDelegationsAllowed persists a new per-sender delegation cap.
// Privileged: access control happens at the API surface.
func (e *Engine) SetMaxDelegationsAllowed(n int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if n <= 0 {
		return errf(KindInvalidAmount, "delegation cap must be positive")
	}
	if err := e.repo.PutMaxDelegations(n); err != nil {
		return errf(KindInternal, "store delegation cap: %v", err)
	}
	logger.Logger.Info("Delegation cap updated", zap.Int("max_delegations", n))
	return nil
}

// MaxDelegationsAllowed returns the effective per-sender delegation cap.
func (e *Engine) MaxDelegationsAllowed() (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()
	return e.maxDelegations()
}

// GetEvents returns up to limit events after the given sequence number.
func (e *Engine) GetEvents(afterSeq uint64, limit int) ([]*models.Event, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	events, err := e.repo.GetEvents(afterSeq, limit)
	if err != nil {
		return nil, errf(KindInternal, "load events: %v", err)
	}
	return events, nil
}

func (e *Engine) getDelegation(id uint64) (*models.Delegation, error) {
	d, err := e.repo.GetDelegation(id)
	if err != nil {
		return nil, errf(KindInternal, "load delegation %d: %v", id, err)
	}
	if d == nil {
		return nil, errf(KindNotFound, "delegation %d does not exist", id)
	}
	if d.RatePerSecond == nil {
		d.RatePerSecond = big.NewInt(0)
	}
	if d.Withdrawn == nil {
		d.Withdrawn = big.NewInt(0)
	}
	return d, nil
}

// delegationAccrued is the total value the delegation has accrued up to
// asOf, ignoring withdrawals and the verification gate.
func (e *Engine) delegationAccrued(d *models.Delegation, asOf int64) *big.Int {
	stop := d.StopOr(asOf)
	if stop > asOf {
		stop = asOf
	}
	secs := stop - d.Start
	if secs <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(d.RatePerSecond, big.NewInt(secs))
}

// delegationAvailable is the unwithdrawn accrued value, gated on the sender
// currently being verified and accruing: while the sender is unverified the
// delegation reads zero, the same freeze the base accrual has. ReportRemoval
// settles recipients, so nothing is stranded behind this gate.
func (e *Engine) delegationAvailable(d *models.Delegation, asOf int64) (*big.Int, error) {
	sender, err := e.loadAccount(d.Sender)
	if err != nil {
		return nil, err
	}
	if !sender.Accruing() || !e.registry.IsVerified(d.Sender) {
		return big.NewInt(0), nil
	}
	avail := e.delegationAccrued(d, asOf)
	avail.Sub(avail, d.Withdrawn)
	if avail.Sign() < 0 {
		avail.SetInt64(0)
	}
	return avail, nil
}

// activeOutgoing loads the sender's active outgoing delegation records.
func (e *Engine) activeOutgoing(address string) ([]*models.Delegation, error) {
	ids, err := e.repo.GetOutgoingIndex(address)
	if err != nil {
		return nil, errf(KindInternal, "load outgoing index: %v", err)
	}
	delegations := make([]*models.Delegation, 0, len(ids))
	for _, id := range ids {
		d, err := e.repo.GetDelegation(id)
		if err != nil {
			return nil, errf(KindInternal, "load delegation %d: %v", id, err)
		}
		if d == nil || d.Status != models.StatusActive {
			continue
		}
		delegations = append(delegations, d)
	}
	return delegations, nil
}

func (e *Engine) maxDelegations() (int, error) {
	n, ok, err := e.repo.GetMaxDelegations()
	if err != nil {
		return 0, errf(KindInternal, "load delegation cap: %v", err)
	}
	if !ok {
		return e.cfg.MaxDelegations, nil
	}
	return n, nil
}

func (e *Engine) appendToIndex(outgoing bool, address string, id uint64) error {
	var ids []uint64
	var err error
	if outgoing {
		ids, err = e.repo.GetOutgoingIndex(address)
	} else {
		ids, err = e.repo.GetIncomingIndex(address)
	}
	if err != nil {
		return errf(KindInternal, "load index: %v", err)
	}
	ids = append(ids, id)
	if outgoing {
		err = e.repo.PutOutgoingIndex(address, ids)
	} else {
		err = e.repo.PutIncomingIndex(address, ids)
	}
	if err != nil {
		return errf(KindInternal, "store index: %v", err)
	}
	return nil
}

// removeFromOutgoingIndex drops an id with the swap-with-last-and-pop trick,
// keeping removal O(1) amortized over the unordered list.
func (e *Engine) removeFromOutgoingIndex(address string, id uint64) error {
	ids, err := e.repo.GetOutgoingIndex(address)
	if err != nil {
		return errf(KindInternal, "load outgoing index: %v", err)
	}
	if err := e.repo.PutOutgoingIndex(address, swapPop(ids, id)); err != nil {
		return errf(KindInternal, "store outgoing index: %v", err)
	}
	return nil
}

func (e *Engine) removeFromIncomingIndex(address string, id uint64) error {
	ids, err := e.repo.GetIncomingIndex(address)
	if err != nil {
		return errf(KindInternal, "load incoming index: %v", err)
	}
	if err := e.repo.PutIncomingIndex(address, swapPop(ids, id)); err != nil {
		return errf(KindInternal, "store incoming index: %v", err)
	}
	return nil
}

func swapPop(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			ids[i] = ids[len(ids)-1]
			return ids[:len(ids)-1]
		}
	}
	return ids
}
