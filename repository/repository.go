package repository

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/DemocracyEarth/ubi-ledger/db"
	"github.com/DemocracyEarth/ubi-ledger/models"
)

// Key prefixes. Delegation and event keys embed a zero-padded id so prefix
// iteration yields records in id order.
const (
	accountPrefix    = "account:"
	delegationPrefix = "delegation:"
	outgoingPrefix   = "out:"
	incomingPrefix   = "in:"
	eventPrefix      = "event:"
	keyDelegationSeq = "meta:delegation_seq"
	keyEventSeq      = "meta:event_seq"
	keyMaxDelegation = "meta:max_delegations"
)

// LedgerRepositoryInterface abstracts the storage layer from the accounting
// logic
type LedgerRepositoryInterface interface {
	GetAccount(address string) (*models.Account, error)
	PutAccount(account *models.Account) error
	GetDelegation(id uint64) (*models.Delegation, error)
	PutDelegation(d *models.Delegation) error
	NextDelegationID() (uint64, error)
	GetOutgoingIndex(address string) ([]uint64, error)
	PutOutgoingIndex(address string, ids []uint64) error
	GetIncomingIndex(address string) ([]uint64, error)
	PutIncomingIndex(address string, ids []uint64) error
	AppendEvent(ev *models.Event) error
	GetEvents(afterSeq uint64, limit int) ([]*models.Event, error)
	GetMaxDelegations() (int, bool, error)
	PutMaxDelegations(n int) error
}

// LedgerRepository implements the LedgerRepositoryInterface using LevelDB as
// the storage backend
type LedgerRepository struct {
	db *db.LevelDB
}

// NewLedgerRepository creates and returns a new LedgerRepository instance
func NewLedgerRepository(db *db.LevelDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetAccount retrieves an account by address. An address the ledger has never
// written returns (nil, nil); the engine treats that as a zeroed account.
func (r *LedgerRepository) GetAccount(address string) (*models.Account, error) {
	data, err := r.db.Get([]byte(accountPrefix + address))
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var account models.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// PutAccount stores an account record
func (r *LedgerRepository) PutAccount(account *models.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(accountPrefix+account.Address), data)
}

// GetDelegation retrieves a delegation by id, (nil, nil) if never created
func (r *LedgerRepository) GetDelegation(id uint64) (*models.Delegation, error) {
	data, err := r.db.Get(delegationKey(id))
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var d models.Delegation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PutDelegation stores a delegation record
func (r *LedgerRepository) PutDelegation(d *models.Delegation) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.db.Put(delegationKey(d.ID), data)
}

// NextDelegationID advances and returns the monotonic id counter. Ids start
// at 1 and are never reused, even after the record is settled.
func (r *LedgerRepository) NextDelegationID() (uint64, error) {
	return r.nextSeq(keyDelegationSeq)
}

// GetOutgoingIndex returns the active delegation ids for a sender
func (r *LedgerRepository) GetOutgoingIndex(address string) ([]uint64, error) {
	return r.getIndex(outgoingPrefix + address)
}

// PutOutgoingIndex replaces the active delegation ids for a sender
func (r *LedgerRepository) PutOutgoingIndex(address string, ids []uint64) error {
	return r.putIndex(outgoingPrefix+address, ids)
}

// GetIncomingIndex returns the active delegation ids pointing at a recipient
func (r *LedgerRepository) GetIncomingIndex(address string) ([]uint64, error) {
	return r.getIndex(incomingPrefix + address)
}

// PutIncomingIndex replaces the active delegation ids pointing at a recipient
func (r *LedgerRepository) PutIncomingIndex(address string, ids []uint64) error {
	return r.putIndex(incomingPrefix+address, ids)
}

// AppendEvent assigns the next sequence number and stores the event
func (r *LedgerRepository) AppendEvent(ev *models.Event) error {
	seq, err := r.nextSeq(keyEventSeq)
	if err != nil {
		return err
	}
	ev.Seq = seq
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(fmt.Sprintf("%s%020d", eventPrefix, seq)), data)
}

// GetEvents returns up to limit events with Seq > afterSeq, in order
func (r *LedgerRepository) GetEvents(afterSeq uint64, limit int) ([]*models.Event, error) {
	iter := r.db.NewPrefixIterator([]byte(eventPrefix))
	defer iter.Release()

	var events []*models.Event
	for iter.Next() {
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, err
		}
		if ev.Seq <= afterSeq {
			continue
		}
		events = append(events, &ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, iter.Error()
}

// GetMaxDelegations returns the persisted delegation cap; ok is false when no
// cap has been stored yet and the configured default applies
func (r *LedgerRepository) GetMaxDelegations() (int, bool, error) {
	data, err := r.db.Get([]byte(keyMaxDelegation))
	if err != nil {
		if db.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// PutMaxDelegations persists the delegation cap
func (r *LedgerRepository) PutMaxDelegations(n int) error {
	return r.db.Put([]byte(keyMaxDelegation), []byte(strconv.Itoa(n)))
}

func (r *LedgerRepository) nextSeq(key string) (uint64, error) {
	var seq uint64
	data, err := r.db.Get([]byte(key))
	if err != nil {
		if !db.IsNotFound(err) {
			return 0, err
		}
	} else {
		seq, err = strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return 0, err
		}
	}
	seq++
	if err := r.db.Put([]byte(key), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *LedgerRepository) getIndex(key string) ([]uint64, error) {
	data, err := r.db.Get([]byte(key))
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *LedgerRepository) putIndex(key string, ids []uint64) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(key), data)
}

func delegationKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", delegationPrefix, id))
}
