package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

// Memory is an in-process Store with the same invariants as the database
// implementation. Tests and the CLI dry-run path use it.
type Memory struct {
	mu sync.Mutex

	accounts      map[string]models.BankAccount // id -> account
	transactions  map[string]models.BankTransaction
	txnNatural    map[string]string // bankAccountID+"/"+externalID -> txn id
	balances      map[string]models.BankAccountBalance
	payments      map[string]models.DailyPaymentRecord
	matches       map[string]models.Match
	activeTxn     map[string]string // bankTransactionID -> match id
	activePayment map[string]string // paymentKey -> match id
	periods       map[string]models.ReconciliationPeriod
	discrepancies map[string]models.Discrepancy
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]models.BankAccount),
		transactions:  make(map[string]models.BankTransaction),
		txnNatural:    make(map[string]string),
		balances:      make(map[string]models.BankAccountBalance),
		payments:      make(map[string]models.DailyPaymentRecord),
		matches:       make(map[string]models.Match),
		activeTxn:     make(map[string]string),
		activePayment: make(map[string]string),
		periods:       make(map[string]models.ReconciliationPeriod),
		discrepancies: make(map[string]models.Discrepancy),
	}
}

// SeedAccount registers a bank account for resolution. Test setup helper.
func (s *Memory) SeedAccount(a models.BankAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.accounts[a.ID] = a
}

// SeedDailyPayment registers a payment record. Test setup helper; the core
// never writes these.
func (s *Memory) SeedDailyPayment(r models.DailyPaymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.payments[r.ID] = r
}

func (s *Memory) ResolveAccount(_ context.Context, accountNumber, routingNumber string) (models.BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.AccountNumber == accountNumber && a.RoutingNumber == routingNumber {
			return a, nil
		}
	}
	return models.BankAccount{}, ErrAccountNotFound
}

func (s *Memory) UpsertBalance(_ context.Context, bal models.BankAccountBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal.UpdatedAt = time.Now()
	s.balances[bal.BankAccountID+"/"+bal.AsOfDate.Format("20060102")] = bal
	return nil
}

func (s *Memory) InsertTransactions(_ context.Context, txns []models.BankTransaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, txn := range txns {
		key := txn.BankAccountID + "/" + txn.ExternalID
		if _, exists := s.txnNatural[key]; exists {
			continue
		}
		if txn.ID == "" {
			txn.ID = uuid.NewString()
		}
		txn.CreatedAt = time.Now()
		s.transactions[txn.ID] = txn
		s.txnNatural[key] = txn.ID
		inserted++
	}
	return inserted, nil
}

func (s *Memory) ListTransactions(_ context.Context, bankAccountID string, from, to time.Time) ([]models.BankTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BankTransaction
	for _, txn := range s.transactions {
		if txn.BankAccountID != bankAccountID {
			continue
		}
		if txn.PostedDate.Before(from) || !txn.PostedDate.Before(to) {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedDate.Equal(out[j].PostedDate) {
			return out[i].ExternalID < out[j].ExternalID
		}
		return out[i].PostedDate.Before(out[j].PostedDate)
	})
	return out, nil
}

func (s *Memory) GetTransaction(_ context.Context, id string) (models.BankTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok {
		return models.BankTransaction{}, ErrNotFound
	}
	return txn, nil
}

func (s *Memory) ListDailyPayments(_ context.Context, facilityID string, from, to time.Time) ([]models.DailyPaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DailyPaymentRecord
	for _, r := range s.payments {
		if r.FacilityID != facilityID {
			continue
		}
		if r.BusinessDate.Before(from) || !r.BusinessDate.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessDate.Before(out[j].BusinessDate) })
	return out, nil
}

func (s *Memory) GetDailyPayment(_ context.Context, id string) (models.DailyPaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.payments[id]
	if !ok {
		return models.DailyPaymentRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *Memory) CreateMatch(_ context.Context, m models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := paymentKey(m.DailyPaymentRecordID, m.Channel)
	if _, taken := s.activeTxn[m.BankTransactionID]; taken {
		return ErrMatchConflict
	}
	if _, taken := s.activePayment[pk]; taken {
		return ErrMatchConflict
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	txnKey := m.BankTransactionID
	m.ActiveTxnKey = &txnKey
	pkCopy := pk
	m.ActivePaymentKey = &pkCopy
	s.matches[m.ID] = m
	s.activeTxn[m.BankTransactionID] = m.ID
	s.activePayment[pk] = m.ID
	return nil
}

func (s *Memory) GetMatch(_ context.Context, id string) (models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return models.Match{}, ErrNotFound
	}
	return m, nil
}

func (s *Memory) ReverseMatch(_ context.Context, matchID, reversedBy string) (models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return models.Match{}, ErrNotFound
	}
	if m.Reversed {
		return models.Match{}, ErrStaleTransition
	}

	now := time.Now()
	m.Reversed = true
	m.ReversedBy = &reversedBy
	m.ReversedAt = &now
	m.ActiveTxnKey = nil
	m.ActivePaymentKey = nil
	s.matches[matchID] = m
	delete(s.activeTxn, m.BankTransactionID)
	delete(s.activePayment, paymentKey(m.DailyPaymentRecordID, m.Channel))
	return m, nil
}

func (s *Memory) ListMatches(_ context.Context, periodID string) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Match
	for _, m := range s.matches {
		if m.ReconciliationPeriodID == periodID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.Before(out[j].MatchedAt) })
	return out, nil
}

func (s *Memory) GetOrCreatePeriod(_ context.Context, facilityID, bankAccountID string, month, year int) (models.ReconciliationPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.periods {
		if p.BankAccountID == bankAccountID && p.Month == month && p.Year == year {
			return p, nil
		}
	}
	p := models.ReconciliationPeriod{
		ID:            uuid.NewString(),
		FacilityID:    facilityID,
		BankAccountID: bankAccountID,
		Month:         month,
		Year:          year,
		Status:        models.PeriodOpen,
	}
	s.periods[p.ID] = p
	return p, nil
}

func (s *Memory) GetPeriod(_ context.Context, periodID string) (models.ReconciliationPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return models.ReconciliationPeriod{}, ErrNotFound
	}
	return p, nil
}

func (s *Memory) ClosePeriod(_ context.Context, periodID, closedBy string) (models.ReconciliationPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return models.ReconciliationPeriod{}, ErrNotFound
	}
	if p.Status != models.PeriodOpen {
		return models.ReconciliationPeriod{}, ErrStaleTransition
	}
	now := time.Now()
	p.Status = models.PeriodClosed
	p.ClosedBy = &closedBy
	p.ClosedAt = &now
	s.periods[periodID] = p
	return p, nil
}

func (s *Memory) CreateDiscrepancy(_ context.Context, d models.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discrepancies[d.ID] = d
	return nil
}

func (s *Memory) GetDiscrepancy(_ context.Context, id string) (models.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discrepancies[id]
	if !ok {
		return models.Discrepancy{}, ErrNotFound
	}
	return d, nil
}

func (s *Memory) TransitionDiscrepancy(_ context.Context, d models.Discrepancy, from models.DiscrepancyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.discrepancies[d.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != from {
		return ErrStaleTransition
	}
	s.discrepancies[d.ID] = d
	return nil
}

func (s *Memory) ListDiscrepancies(_ context.Context, periodID string) ([]models.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Discrepancy
	for _, d := range s.discrepancies {
		if d.ReconciliationPeriodID == periodID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
