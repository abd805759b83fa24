// Package matcher pairs bank deposits against daily point-of-sale payment
// totals for a facility and period. Matching is greedy by posted date and
// one-to-one: a payment record's tender bucket, once consumed, is never
// reused. Whatever is left over on either side comes back as unmatched
// remainders for the discrepancy workflow, not as failures.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

// ErrPeriodNotOpen is returned when a matching write targets a period that is
// no longer open. A closed period's totals are settled; reopening is a manual
// operation, not a side effect of matching.
var ErrPeriodNotOpen = errors.New("matcher: period is not open")

// Config holds the matching tolerances. The window and tolerance defaults are
// working values; they should be calibrated against real reconciliation
// history before anyone treats them as business rules.
type Config struct {
	// WindowDays is how many days before a deposit's posted date a payment
	// record may fall and still be a candidate. Absorbs bank processing lag
	// and weekend batching.
	WindowDays int
	// AmountTolerance is the largest amount difference a near match may have.
	AmountTolerance decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		WindowDays:      2,
		AmountTolerance: decimal.NewFromInt(5),
	}
}

// Storage is the slice of the store the matcher reads and writes.
type Storage interface {
	ListTransactions(ctx context.Context, bankAccountID string, from, to time.Time) ([]models.BankTransaction, error)
	GetTransaction(ctx context.Context, id string) (models.BankTransaction, error)
	ListDailyPayments(ctx context.Context, facilityID string, from, to time.Time) ([]models.DailyPaymentRecord, error)
	GetDailyPayment(ctx context.Context, id string) (models.DailyPaymentRecord, error)
	CreateMatch(ctx context.Context, m models.Match) error
	GetMatch(ctx context.Context, id string) (models.Match, error)
	ReverseMatch(ctx context.Context, matchID, reversedBy string) (models.Match, error)
	ListMatches(ctx context.Context, periodID string) ([]models.Match, error)
	GetOrCreatePeriod(ctx context.Context, facilityID, bankAccountID string, month, year int) (models.ReconciliationPeriod, error)
	GetPeriod(ctx context.Context, periodID string) (models.ReconciliationPeriod, error)
}

// Matcher runs automatic matching and records manual matches. Runs for the
// same period are serialized by a per-period lock; the matched-once guarantee
// itself lives in the store's conditional write, the lock just keeps
// concurrent runs from burning work on conflicts.
type Matcher struct {
	storage Storage
	cfg     Config

	mu          sync.Mutex
	periodLocks map[string]*sync.Mutex
}

func New(storage Storage, cfg Config) *Matcher {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig().WindowDays
	}
	if cfg.AmountTolerance.IsZero() {
		cfg.AmountTolerance = DefaultConfig().AmountTolerance
	}
	return &Matcher{storage: storage, cfg: cfg, periodLocks: make(map[string]*sync.Mutex)}
}

// Match reconciles one facility/account/month and returns the full picture:
// every active match for the period plus both unmatched remainders.
func (m *Matcher) Match(ctx context.Context, facilityID, bankAccountID string, month, year int) (*models.MatchResult, error) {
	period, err := m.storage.GetOrCreatePeriod(ctx, facilityID, bankAccountID, month, year)
	if err != nil {
		return nil, err
	}
	if period.Status != models.PeriodOpen {
		return nil, fmt.Errorf("%w: period %s is %s", ErrPeriodNotOpen, period.ID, period.Status)
	}

	lock := m.periodLock(period.ID)
	lock.Lock()
	defer lock.Unlock()

	txns, err := m.storage.ListTransactions(ctx, bankAccountID, period.Start(), period.End())
	if err != nil {
		return nil, err
	}

	// Payments are loaded back past the period start by the window so
	// deposits posted in the first days of the month can still see the prior
	// days' takings.
	paymentFrom := period.Start().AddDate(0, 0, -m.cfg.WindowDays)
	payments, err := m.storage.ListDailyPayments(ctx, facilityID, paymentFrom, period.End())
	if err != nil {
		return nil, err
	}

	existing, err := m.storage.ListMatches(ctx, period.ID)
	if err != nil {
		return nil, err
	}

	matchedTxns := make(map[string]bool)
	consumed := make(map[string]bool) // paymentRecordID + "/" + channel
	for _, prior := range existing {
		if prior.Reversed {
			continue
		}
		matchedTxns[prior.BankTransactionID] = true
		consumed[bucketKey(prior.DailyPaymentRecordID, prior.Channel)] = true
	}

	byDate := indexByDate(payments)

	result := &models.MatchResult{Period: period}
	for _, prior := range existing {
		if !prior.Reversed {
			result.Matches = append(result.Matches, prior)
		}
	}

	for _, txn := range txns {
		if matchedTxns[txn.ID] {
			continue
		}
		record, diff, ok := m.findCandidate(txn, byDate, consumed)
		if !ok {
			result.UnmatchedBankTransactions = append(result.UnmatchedBankTransactions, txn)
			continue
		}

		match := models.Match{
			ID:                     uuid.NewString(),
			ReconciliationPeriodID: period.ID,
			BankTransactionID:      txn.ID,
			DailyPaymentRecordID:   record.ID,
			Channel:                txn.Channel,
			Amount:                 txn.Amount,
			DifferenceFromExpected: diff,
			MatchType:              models.MatchAutomatic,
			Confidence:             confidence(txn.Amount, diff),
			MatchedBy:              "matcher",
			MatchedAt:              time.Now(),
		}
		if err := m.storage.CreateMatch(ctx, match); err != nil {
			return nil, fmt.Errorf("match bank transaction %s: %w", txn.ID, err)
		}
		consumed[bucketKey(record.ID, txn.Channel)] = true
		result.Matches = append(result.Matches, match)
	}

	// Only records inside the period itself count as unmatched remainders;
	// the pre-window days belong to the previous period's run.
	for _, record := range payments {
		if record.BusinessDate.Before(period.Start()) {
			continue
		}
		for _, ch := range []models.Channel{models.ChannelCash, models.ChannelCard} {
			if record.BucketTotal(ch).IsPositive() && !consumed[bucketKey(record.ID, ch)] {
				result.UnmatchedDailyPayments = append(result.UnmatchedDailyPayments, record)
				break
			}
		}
	}

	return result, nil
}

// findCandidate searches the date window (posted day and the WindowDays
// preceding days) for a tender-compatible bucket. An exact amount anywhere in
// the window wins, nearest day first; otherwise the closest bucket within the
// amount tolerance. diff is transaction amount minus bucket total, so a
// positive diff means the bank received more than the till recorded.
func (m *Matcher) findCandidate(txn models.BankTransaction, byDate map[string][]models.DailyPaymentRecord, consumed map[string]bool) (models.DailyPaymentRecord, decimal.Decimal, bool) {
	// Exact pass.
	for offset := 0; offset <= m.cfg.WindowDays; offset++ {
		day := txn.PostedDate.AddDate(0, 0, -offset)
		for _, record := range byDate[dateKey(day)] {
			if consumed[bucketKey(record.ID, txn.Channel)] {
				continue
			}
			bucket := record.BucketTotal(txn.Channel)
			if bucket.IsPositive() && bucket.Equal(txn.Amount) {
				return record, decimal.Zero, true
			}
		}
	}

	// Tolerance pass: closest remaining bucket across the whole window.
	var best models.DailyPaymentRecord
	var bestDiff decimal.Decimal
	found := false
	for offset := 0; offset <= m.cfg.WindowDays; offset++ {
		day := txn.PostedDate.AddDate(0, 0, -offset)
		for _, record := range byDate[dateKey(day)] {
			if consumed[bucketKey(record.ID, txn.Channel)] {
				continue
			}
			bucket := record.BucketTotal(txn.Channel)
			if !bucket.IsPositive() {
				continue
			}
			diff := txn.Amount.Sub(bucket)
			if diff.Abs().GreaterThan(m.cfg.AmountTolerance) {
				continue
			}
			if !found || diff.Abs().LessThan(bestDiff.Abs()) {
				best, bestDiff, found = record, diff, true
			}
		}
	}
	return best, bestDiff, found
}

// Manual records a reviewer-entered match directly, bypassing the candidate
// search but not the atomic matched-once guarantee.
func (m *Matcher) Manual(ctx context.Context, bankTransactionID, dailyPaymentRecordID, matchedBy string) (models.Match, error) {
	txn, err := m.storage.GetTransaction(ctx, bankTransactionID)
	if err != nil {
		return models.Match{}, err
	}
	record, err := m.storage.GetDailyPayment(ctx, dailyPaymentRecordID)
	if err != nil {
		return models.Match{}, err
	}

	period, err := m.storage.GetOrCreatePeriod(ctx, record.FacilityID, txn.BankAccountID,
		int(txn.PostedDate.Month()), txn.PostedDate.Year())
	if err != nil {
		return models.Match{}, err
	}
	if period.Status != models.PeriodOpen {
		return models.Match{}, fmt.Errorf("%w: period %s is %s", ErrPeriodNotOpen, period.ID, period.Status)
	}

	match := models.Match{
		ID:                     uuid.NewString(),
		ReconciliationPeriodID: period.ID,
		BankTransactionID:      txn.ID,
		DailyPaymentRecordID:   record.ID,
		Channel:                txn.Channel,
		Amount:                 txn.Amount,
		DifferenceFromExpected: txn.Amount.Sub(record.BucketTotal(txn.Channel)),
		MatchType:              models.MatchManual,
		Confidence:             1.0,
		MatchedBy:              matchedBy,
		MatchedAt:              time.Now(),
	}
	if err := m.storage.CreateMatch(ctx, match); err != nil {
		return models.Match{}, err
	}
	return match, nil
}

// Reverse retires an active match so its participants can be rematched. The
// match's period must still be open; a closed period's accounting is settled.
func (m *Matcher) Reverse(ctx context.Context, matchID, reversedBy string) (models.Match, error) {
	match, err := m.storage.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	period, err := m.storage.GetPeriod(ctx, match.ReconciliationPeriodID)
	if err != nil {
		return models.Match{}, err
	}
	if period.Status != models.PeriodOpen {
		return models.Match{}, fmt.Errorf("%w: period %s is %s", ErrPeriodNotOpen, period.ID, period.Status)
	}
	return m.storage.ReverseMatch(ctx, matchID, reversedBy)
}

// confidence is 1.0 for exact matches and scales down by the difference
// relative to the transaction amount for near matches.
func confidence(amount, diff decimal.Decimal) float64 {
	if diff.IsZero() {
		return 1.0
	}
	if !amount.IsPositive() {
		return 0
	}
	c := decimal.NewFromInt(1).Sub(diff.Abs().Div(amount)).InexactFloat64()
	if c < 0 {
		return 0
	}
	return c
}

func (m *Matcher) periodLock(periodID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.periodLocks[periodID]
	if !ok {
		lock = &sync.Mutex{}
		m.periodLocks[periodID] = lock
	}
	return lock
}

func bucketKey(recordID string, ch models.Channel) string {
	return recordID + "/" + string(ch)
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// indexByDate groups records by business date, stable by ID within a day so
// matching order is deterministic.
func indexByDate(records []models.DailyPaymentRecord) map[string][]models.DailyPaymentRecord {
	byDate := make(map[string][]models.DailyPaymentRecord)
	for _, r := range records {
		key := dateKey(r.BusinessDate)
		byDate[key] = append(byDate[key], r)
	}
	for _, day := range byDate {
		sort.Slice(day, func(i, j int) bool { return day[i].ID < day[j].ID })
	}
	return byDate
}
