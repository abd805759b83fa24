// Package store is the persistence boundary of the reconciliation core. The
// core only speaks to these interfaces; Gorm provides the durable
// implementation and Memory backs tests and dry runs. Both enforce the same
// invariants: natural-key idempotent ingestion writes, and at most one active
// match per bank transaction and per payment-record tender bucket, enforced
// as a single conditional write rather than check-then-insert.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAccountNotFound is returned when no bank account matches a
	// statement's (account number, routing number) identity.
	ErrAccountNotFound = errors.New("store: bank account not found")

	// ErrMatchConflict is returned when a match write loses the race for a
	// participant that already has an active match. The caller reverses the
	// prior match first or reports the conflict.
	ErrMatchConflict = errors.New("store: participant already has an active match")

	// ErrStaleTransition is returned when a conditional state update finds
	// the row no longer in the expected state.
	ErrStaleTransition = errors.New("store: state changed since read")
)

// Store is everything the ingestion pipeline, matcher and workflow need from
// persistence.
type Store interface {
	// ResolveAccount maps a statement identity to an internal account.
	// Returns ErrAccountNotFound when there is no match.
	ResolveAccount(ctx context.Context, accountNumber, routingNumber string) (models.BankAccount, error)

	// UpsertBalance inserts or replaces the balance row keyed by
	// (bankAccountID, asOfDate).
	UpsertBalance(ctx context.Context, bal models.BankAccountBalance) error

	// InsertTransactions inserts transactions keyed by (bankAccountID,
	// externalID), silently skipping rows that already exist. Returns the
	// number of rows actually inserted.
	InsertTransactions(ctx context.Context, txns []models.BankTransaction) (int, error)

	// ListTransactions returns an account's transactions with
	// from <= postedDate < to, posted date ascending.
	ListTransactions(ctx context.Context, bankAccountID string, from, to time.Time) ([]models.BankTransaction, error)

	// GetTransaction looks up one bank transaction by ID.
	GetTransaction(ctx context.Context, id string) (models.BankTransaction, error)

	// ListDailyPayments returns a facility's payment records with
	// from <= businessDate < to. Read-only; the records are owned elsewhere.
	ListDailyPayments(ctx context.Context, facilityID string, from, to time.Time) ([]models.DailyPaymentRecord, error)

	// GetDailyPayment looks up one daily payment record by ID.
	GetDailyPayment(ctx context.Context, id string) (models.DailyPaymentRecord, error)

	// CreateMatch records a match atomically. Returns ErrMatchConflict when
	// the bank transaction or the payment record's bucket already has an
	// active match.
	CreateMatch(ctx context.Context, m models.Match) error

	// GetMatch looks up one match by ID.
	GetMatch(ctx context.Context, id string) (models.Match, error)

	// ReverseMatch retires an active match, freeing both participants.
	// Returns ErrStaleTransition if the match is already reversed.
	ReverseMatch(ctx context.Context, matchID, reversedBy string) (models.Match, error)

	// ListMatches returns all matches for a period, active and reversed.
	ListMatches(ctx context.Context, periodID string) ([]models.Match, error)

	// GetOrCreatePeriod returns the period row for (bankAccountID, month,
	// year), creating it open if absent.
	GetOrCreatePeriod(ctx context.Context, facilityID, bankAccountID string, month, year int) (models.ReconciliationPeriod, error)

	// GetPeriod looks up one period by ID.
	GetPeriod(ctx context.Context, periodID string) (models.ReconciliationPeriod, error)

	// ClosePeriod transitions a period open -> closed. Returns
	// ErrStaleTransition if it is not open.
	ClosePeriod(ctx context.Context, periodID, closedBy string) (models.ReconciliationPeriod, error)

	// CreateDiscrepancy persists a newly raised discrepancy.
	CreateDiscrepancy(ctx context.Context, d models.Discrepancy) error

	// GetDiscrepancy looks up one discrepancy by ID.
	GetDiscrepancy(ctx context.Context, id string) (models.Discrepancy, error)

	// TransitionDiscrepancy writes d only if the stored row is still in the
	// from state; otherwise ErrStaleTransition.
	TransitionDiscrepancy(ctx context.Context, d models.Discrepancy, from models.DiscrepancyStatus) error

	// ListDiscrepancies returns all discrepancies raised against a period.
	ListDiscrepancies(ctx context.Context, periodID string) ([]models.Discrepancy, error)
}

// paymentKey is the bucket identity an active match locks: one record can be
// matched once per channel side.
func paymentKey(recordID string, ch models.Channel) string {
	return recordID + "/" + string(ch)
}
