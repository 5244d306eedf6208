package engine

import (
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/DemocracyEarth/ubi-ledger/logger"
	"github.com/DemocracyEarth/ubi-ledger/models"
	"github.com/DemocracyEarth/ubi-ledger/registry"
	"github.com/DemocracyEarth/ubi-ledger/repository"
)

// Config carries the global accounting parameters.
type Config struct {
	// RatePerSecond is the base accrual rate R for every verified human.
	RatePerSecond *big.Int
	// MaxDelegations bounds the per-sender active delegation count, and with
	// it the cost of the overlap/capacity scans. Used until an explicit cap
	// is persisted via SetMaxDelegationsAllowed.
	MaxDelegations int
}

// Engine implements the accrual and delegation accounting over a repository.
// Operations are serialized by a single mutex; balances are computed lazily
// from elapsed time and only consolidated into stored balances when a
// mutation needs an exact number.
type Engine struct {
	repo     repository.LedgerRepositoryInterface
	registry registry.Gateway
	clock    Clock
	cfg      Config

	mux sync.Mutex
	// inProgress models the re-entrancy lock: it is set for the duration of
	// every top-level operation and checked at every entry point, so a
	// nested call cannot mutate state mid-operation even if it somehow
	// bypasses the mutex.
	inProgress bool
}

func NewEngine(repo repository.LedgerRepositoryInterface, gw registry.Gateway, clock Clock, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{repo: repo, registry: gw, clock: clock, cfg: cfg}
}

func (e *Engine) begin() error {
	e.mux.Lock()
	if e.inProgress {
		e.mux.Unlock()
		return errf(KindReentrantCall, "operation already in progress")
	}
	e.inProgress = true
	return nil
}

func (e *Engine) end() {
	e.inProgress = false
	e.mux.Unlock()
}

// RatePerSecond returns the global base accrual rate.
func (e *Engine) RatePerSecond() *big.Int {
	return new(big.Int).Set(e.cfg.RatePerSecond)
}

// StartAccruing opens the accrual window for a registry-verified account.
func (e *Engine) StartAccruing(address string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	now := e.clock.Now()
	account, err := e.loadAccount(address)
	if err != nil {
		return err
	}
	if account.Accruing() {
		return errf(KindAlreadyAccruing, "account %s is already accruing", address)
	}
	if !e.registry.IsVerified(address) {
		return errf(KindNotVerified, "account %s is not a verified human", address)
	}

	account.AccrualStart = now
	if err := e.repo.PutAccount(account); err != nil {
		return errf(KindInternal, "store account: %v", err)
	}
	if err := e.repo.AppendEvent(&models.Event{
		Type:      models.EventAccrualStarted,
		Sender:    address,
		Timestamp: now,
	}); err != nil {
		return errf(KindInternal, "append event: %v", err)
	}

	logger.Logger.Info("Accrual started", zap.String("address", address), zap.Int64("start", now))
	return nil
}

// ReportRemoval handles an account that lost registry verification. Every
// active outgoing delegation is settled into its recipient's balance and
// tombstoned, and the remaining unconsolidated base accrual goes to the
// reporter as the reward for reporting. The removed account stops accruing.
func (e *Engine) ReportRemoval(address, reporter string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	now := e.clock.Now()
	if e.registry.IsVerified(address) {
		return errf(KindStillVerified, "account %s is still verified", address)
	}
	account, err := e.loadAccount(address)
	if err != nil {
		return err
	}
	if !account.Accruing() {
		return errf(KindNotAccruing, "account %s is not accruing", address)
	}

	outgoing, err := e.repo.GetOutgoingIndex(address)
	if err != nil {
		return errf(KindInternal, "load outgoing index: %v", err)
	}

	// Delegated spans inside the unconsolidated window reduce the reporter's
	// reward; they belong to the recipients.
	delegated := big.NewInt(0)
	for _, id := range outgoing {
		d, err := e.repo.GetDelegation(id)
		if err != nil {
			return errf(KindInternal, "load delegation %d: %v", id, err)
		}
		if d == nil || d.Status != models.StatusActive {
			continue
		}

		span := overlapSeconds(d.Start, d.StopOr(now), account.AccrualStart, now)
		delegated.Add(delegated, new(big.Int).Mul(d.RatePerSecond, big.NewInt(span)))

		// Pay out the recipient's full unwithdrawn share up to now and
		// tombstone the delegation; accrual freezes here.
		share := e.delegationAccrued(d, now)
		share.Sub(share, d.Withdrawn)
		if share.Sign() < 0 {
			share.SetInt64(0)
		}
		if share.Sign() > 0 {
			recipient, err := e.loadAccount(d.Recipient)
			if err != nil {
				return err
			}
			recipient.Balance.Add(recipient.Balance, share)
			if err := e.repo.PutAccount(recipient); err != nil {
				return errf(KindInternal, "store account: %v", err)
			}
			d.Withdrawn.Add(d.Withdrawn, share)
		}
		d.Status = models.StatusSettled
		if err := e.repo.PutDelegation(d); err != nil {
			return errf(KindInternal, "store delegation: %v", err)
		}
		if err := e.removeFromIncomingIndex(d.Recipient, d.ID); err != nil {
			return err
		}
		if err := e.repo.AppendEvent(&models.Event{
			Type:         models.EventDelegationWithdrawn,
			DelegationID: d.ID,
			Sender:       d.Sender,
			Recipient:    d.Recipient,
			Amount:       share,
			Timestamp:    now,
		}); err != nil {
			return errf(KindInternal, "append event: %v", err)
		}
	}
	if len(outgoing) > 0 {
		if err := e.repo.PutOutgoingIndex(address, nil); err != nil {
			return errf(KindInternal, "store outgoing index: %v", err)
		}
	}

	// Whatever the removed account accrued but never consolidated, minus the
	// delegated spans, is forfeited to the reporter.
	reward := new(big.Int).Mul(e.cfg.RatePerSecond, big.NewInt(now-account.AccrualStart))
	reward.Sub(reward, delegated)
	if reward.Sign() < 0 {
		reward.SetInt64(0)
	}

	account.AccrualStart = 0
	if err := e.repo.PutAccount(account); err != nil {
		return errf(KindInternal, "store account: %v", err)
	}
	if reward.Sign() > 0 {
		rep, err := e.loadAccount(reporter)
		if err != nil {
			return err
		}
		rep.Balance.Add(rep.Balance, reward)
		if err := e.repo.PutAccount(rep); err != nil {
			return errf(KindInternal, "store account: %v", err)
		}
	}
	if err := e.repo.AppendEvent(&models.Event{
		Type:      models.EventRemovalReported,
		Sender:    address,
		Recipient: reporter,
		Amount:    reward,
		Timestamp: now,
	}); err != nil {
		return errf(KindInternal, "append event: %v", err)
	}

	logger.Logger.Info("Removal reported",
		zap.String("address", address),
		zap.String("reporter", reporter),
		zap.String("reward", reward.String()))
	return nil
}

// GetAccruedValue returns the base accrual since the account's accrual start,
// before delegation adjustments. Zero while the account is not accruing or
// not currently verified. asOf == 0 means now.
func (e *Engine) GetAccruedValue(address string, asOf int64) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if asOf == 0 {
		asOf = e.clock.Now()
	}
	account, err := e.loadAccount(address)
	if err != nil {
		return nil, err
	}
	return e.baseAccrued(account, asOf)
}

// GetBalance returns the effective balance: settled value, plus live base
// accrual net of outgoing delegated spans, plus the unwithdrawn balances of
// incoming active delegations. asOf == 0 means now.
func (e *Engine) GetBalance(address string, asOf int64) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if asOf == 0 {
		asOf = e.clock.Now()
	}
	account, err := e.loadAccount(address)
	if err != nil {
		return nil, err
	}

	total := new(big.Int).Set(account.Balance)

	net, err := e.netAccrued(account, asOf)
	if err != nil {
		return nil, err
	}
	total.Add(total, net)

	incoming, err := e.repo.GetIncomingIndex(address)
	if err != nil {
		return nil, errf(KindInternal, "load incoming index: %v", err)
	}
	for _, id := range incoming {
		d, err := e.repo.GetDelegation(id)
		if err != nil {
			return nil, errf(KindInternal, "load delegation %d: %v", id, err)
		}
		if d == nil || d.Status != models.StatusActive {
			continue
		}
		avail, err := e.delegationAvailable(d, asOf)
		if err != nil {
			return nil, err
		}
		total.Add(total, avail)
	}
	return total, nil
}

// Transfer moves settled value between accounts, consolidating the sender's
// accrual first so the exact balance is known.
func (e *Engine) Transfer(from, to string, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	now := e.clock.Now()
	if amount == nil || amount.Sign() <= 0 {
		return errf(KindInvalidAmount, "transfer amount must be positive")
	}
	if to == "" {
		return errf(KindInvalidRecipient, "transfer to the zero address")
	}

	sender, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if err := e.consolidate(sender, now); err != nil {
		return err
	}
	if sender.Balance.Cmp(amount) < 0 {
		return errf(KindInsufficientBalance, "balance %s below transfer amount %s", sender.Balance, amount)
	}

	if from != to {
		sender.Balance.Sub(sender.Balance, amount)
	}
	if err := e.repo.PutAccount(sender); err != nil {
		return errf(KindInternal, "store account: %v", err)
	}
	if from != to {
		recipient, err := e.loadAccount(to)
		if err != nil {
			return err
		}
		recipient.Balance.Add(recipient.Balance, amount)
		if err := e.repo.PutAccount(recipient); err != nil {
			return errf(KindInternal, "store account: %v", err)
		}
	}
	if err := e.repo.AppendEvent(&models.Event{
		Type:      models.EventTransfer,
		Sender:    from,
		Recipient: to,
		Amount:    new(big.Int).Set(amount),
		Timestamp: now,
	}); err != nil {
		return errf(KindInternal, "append event: %v", err)
	}

	logger.Logger.Info("Transfer",
		zap.String("from", from), zap.String("to", to), zap.String("amount", amount.String()))
	return nil
}

// Burn destroys settled value, consolidating first.
func (e *Engine) Burn(from string, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	now := e.clock.Now()
	if amount == nil || amount.Sign() <= 0 {
		return errf(KindInvalidAmount, "burn amount must be positive")
	}

	account, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if err := e.consolidate(account, now); err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return errf(KindInsufficientBalance, "balance %s below burn amount %s", account.Balance, amount)
	}

	account.Balance.Sub(account.Balance, amount)
	if err := e.repo.PutAccount(account); err != nil {
		return errf(KindInternal, "store account: %v", err)
	}
	if err := e.repo.AppendEvent(&models.Event{
		Type:      models.EventBurn,
		Sender:    from,
		Amount:    new(big.Int).Set(amount),
		Timestamp: now,
	}); err != nil {
		return errf(KindInternal, "append event: %v", err)
	}

	logger.Logger.Info("Burn", zap.String("from", from), zap.String("amount", amount.String()))
	return nil
}

// loadAccount fetches an account, supplying a zeroed record for an address
// the ledger has never written.
func (e *Engine) loadAccount(address string) (*models.Account, error) {
	account, err := e.repo.GetAccount(address)
	if err != nil {
		return nil, errf(KindInternal, "load account %s: %v", address, err)
	}
	if account == nil {
		account = models.NewAccount(address)
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// baseAccrued computes R * elapsed for the account's open accrual window.
// Returns zero while not accruing or not currently verified: value never
// silently accumulates for an unverified address.
func (e *Engine) baseAccrued(account *models.Account, asOf int64) (*big.Int, error) {
	if !account.Accruing() || !e.registry.IsVerified(account.Address) {
		return big.NewInt(0), nil
	}
	if asOf < account.AccrualStart {
		return nil, errf(KindInvalidWindow, "asOf %d precedes accrual start %d", asOf, account.AccrualStart)
	}
	return new(big.Int).Mul(e.cfg.RatePerSecond, big.NewInt(asOf-account.AccrualStart)), nil
}

// netAccrued is baseAccrued minus the outgoing delegated spans inside the
// unconsolidated window [AccrualStart, asOf]. Spans before AccrualStart were
// already deducted by an earlier consolidation.
func (e *Engine) netAccrued(account *models.Account, asOf int64) (*big.Int, error) {
	base, err := e.baseAccrued(account, asOf)
	if err != nil {
		return nil, err
	}
	if base.Sign() == 0 {
		return base, nil
	}

	outgoing, err := e.repo.GetOutgoingIndex(account.Address)
	if err != nil {
		return nil, errf(KindInternal, "load outgoing index: %v", err)
	}
	for _, id := range outgoing {
		d, err := e.repo.GetDelegation(id)
		if err != nil {
			return nil, errf(KindInternal, "load delegation %d: %v", id, err)
		}
		if d == nil || d.Status != models.StatusActive {
			continue
		}
		span := overlapSeconds(d.Start, d.StopOr(asOf), account.AccrualStart, asOf)
		base.Sub(base, new(big.Int).Mul(d.RatePerSecond, big.NewInt(span)))
	}
	// The capacity invariant keeps this non-negative; clamp anyway so a
	// broken index can never surface a negative balance.
	if base.Sign() < 0 {
		base.SetInt64(0)
	}
	return base, nil
}

// consolidate folds the net accrued value into the in-memory balance and
// restarts the accrual window at now. The caller persists the account once
// its own preconditions pass, so a rejected mutation leaves no consolidation
// behind. Skipped entirely while the account is unverified: the frozen
// window must stay intact for ReportRemoval to pay out.
func (e *Engine) consolidate(account *models.Account, now int64) error {
	if !account.Accruing() || !e.registry.IsVerified(account.Address) {
		return nil
	}
	net, err := e.netAccrued(account, now)
	if err != nil {
		return err
	}
	account.Balance.Add(account.Balance, net)
	account.AccrualStart = now
	return nil
}

// overlapSeconds returns the length of the intersection of [a0, a1] and
// [b0, b1], zero if they do not intersect.
func overlapSeconds(a0, a1, b0, b1 int64) int64 {
	lo := a0
	if b0 > lo {
		lo = b0
	}
	hi := a1
	if b1 < hi {
		hi = b1
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}
