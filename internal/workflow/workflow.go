// Package workflow handles the human side of reconciliation: raising
// discrepancy explanations for money the matcher could not pair, walking them
// through approval, and closing out a period once every dollar is accounted
// for. State transitions are conditional writes; two reviewers acting on the
// same discrepancy cannot both win.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/models"
	"github.com/clearledger/deposit-reconciler/internal/store"
)

var (
	// ErrNotAuthorized is returned when an approval action arrives without a
	// grant naming the acting reviewer.
	ErrNotAuthorized = errors.New("workflow: approval requires a reviewer grant")

	// ErrMissingRejectionReason is returned when a rejection carries no notes.
	// A rejected explanation with no reason is useless to the next reviewer.
	ErrMissingRejectionReason = errors.New("workflow: rejection requires notes")

	// ErrPeriodNotCloseable is returned when a close is attempted while
	// discrepancies are pending or the period does not balance.
	ErrPeriodNotCloseable = errors.New("workflow: period not closeable")
)

// InvalidStateTransitionError reports an attempted move the discrepancy state
// machine does not allow.
type InvalidStateTransitionError struct {
	DiscrepancyID string
	From          models.DiscrepancyStatus
	To            models.DiscrepancyStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("workflow: discrepancy %s cannot move %s -> %s", e.DiscrepancyID, e.From, e.To)
}

// ApprovalGrant is an explicit capability to resolve discrepancies, handed to
// the workflow by the caller rather than inferred from an ambient role.
type ApprovalGrant struct {
	Reviewer  string
	GrantedBy string
}

func (g ApprovalGrant) valid() bool { return g.Reviewer != "" }

// Storage is the slice of the store the workflow needs.
type Storage interface {
	GetPeriod(ctx context.Context, periodID string) (models.ReconciliationPeriod, error)
	ClosePeriod(ctx context.Context, periodID, closedBy string) (models.ReconciliationPeriod, error)
	CreateDiscrepancy(ctx context.Context, d models.Discrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (models.Discrepancy, error)
	TransitionDiscrepancy(ctx context.Context, d models.Discrepancy, from models.DiscrepancyStatus) error
	ListDiscrepancies(ctx context.Context, periodID string) ([]models.Discrepancy, error)
	ListMatches(ctx context.Context, periodID string) ([]models.Match, error)
	ListTransactions(ctx context.Context, bankAccountID string, from, to time.Time) ([]models.BankTransaction, error)
}

// Workflow coordinates discrepancy review and period close.
type Workflow struct {
	storage Storage
}

func New(storage Storage) *Workflow {
	return &Workflow{storage: storage}
}

// RaiseInput is everything a reviewer supplies when explaining a variance.
type RaiseInput struct {
	PeriodID     string
	Kind         models.DiscrepancyKind
	Amount       decimal.Decimal
	Description  string
	Evidence     string
	SupersedesID string
	RaisedBy     string
}

// Raise records a new pending discrepancy against an open period. When
// SupersedesID is set the referenced discrepancy must already be rejected;
// raising a replacement is the only way forward after a rejection.
func (w *Workflow) Raise(ctx context.Context, in RaiseInput) (models.Discrepancy, error) {
	if !models.ValidDiscrepancyKind(in.Kind) {
		return models.Discrepancy{}, fmt.Errorf("workflow: unknown discrepancy kind %q", in.Kind)
	}
	if !in.Amount.IsPositive() {
		return models.Discrepancy{}, errors.New("workflow: discrepancy amount must be positive")
	}
	if in.Description == "" {
		return models.Discrepancy{}, errors.New("workflow: description is required")
	}
	if in.RaisedBy == "" {
		return models.Discrepancy{}, errors.New("workflow: raisedBy is required")
	}

	period, err := w.storage.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return models.Discrepancy{}, err
	}
	if period.Status != models.PeriodOpen {
		return models.Discrepancy{}, fmt.Errorf("workflow: period %s is %s, discrepancies can only be raised on open periods", period.ID, period.Status)
	}

	d := models.Discrepancy{
		ID:                     uuid.NewString(),
		ReconciliationPeriodID: in.PeriodID,
		Kind:                   in.Kind,
		Description:            in.Description,
		Amount:                 in.Amount,
		Status:                 models.DiscrepancyPending,
		Evidence:               in.Evidence,
		CreatedBy:              in.RaisedBy,
		CreatedAt:              time.Now(),
	}
	if in.SupersedesID != "" {
		prior, err := w.storage.GetDiscrepancy(ctx, in.SupersedesID)
		if err != nil {
			return models.Discrepancy{}, err
		}
		if prior.Status != models.DiscrepancyRejected {
			return models.Discrepancy{}, fmt.Errorf("workflow: discrepancy %s is %s, only rejected discrepancies can be superseded", prior.ID, prior.Status)
		}
		d.SupersedesID = &in.SupersedesID
	}

	if err := w.storage.CreateDiscrepancy(ctx, d); err != nil {
		return models.Discrepancy{}, err
	}
	return d, nil
}

// Approve moves a pending discrepancy to approved. Notes are optional.
func (w *Workflow) Approve(ctx context.Context, id string, grant ApprovalGrant, notes string) (models.Discrepancy, error) {
	return w.resolve(ctx, id, grant, notes, models.DiscrepancyApproved)
}

// Reject moves a pending discrepancy to rejected. Notes are mandatory; the
// rejection reason is what the replacement discrepancy is written against.
func (w *Workflow) Reject(ctx context.Context, id string, grant ApprovalGrant, notes string) (models.Discrepancy, error) {
	if notes == "" {
		return models.Discrepancy{}, ErrMissingRejectionReason
	}
	return w.resolve(ctx, id, grant, notes, models.DiscrepancyRejected)
}

func (w *Workflow) resolve(ctx context.Context, id string, grant ApprovalGrant, notes string, to models.DiscrepancyStatus) (models.Discrepancy, error) {
	if !grant.valid() {
		return models.Discrepancy{}, ErrNotAuthorized
	}

	d, err := w.storage.GetDiscrepancy(ctx, id)
	if err != nil {
		return models.Discrepancy{}, err
	}
	if d.Status != models.DiscrepancyPending {
		return models.Discrepancy{}, &InvalidStateTransitionError{DiscrepancyID: id, From: d.Status, To: to}
	}

	now := time.Now()
	d.Status = to
	d.ResolvedBy = &grant.Reviewer
	d.ResolvedAt = &now
	if notes != "" {
		d.ApprovalNotes = &notes
	}
	if err := w.storage.TransitionDiscrepancy(ctx, d, models.DiscrepancyPending); err != nil {
		return models.Discrepancy{}, err
	}
	return d, nil
}

// CloseCheck is the accounting picture behind a close decision. A period
// balances when matched deposits plus approved discrepancy amounts cover the
// period's bank deposit total exactly.
type CloseCheck struct {
	DepositTotal             decimal.Decimal
	MatchedTotal             decimal.Decimal
	ApprovedDiscrepancyTotal decimal.Decimal
	PendingDiscrepancies     int
	Balanced                 bool
	Closeable                bool
}

// Check computes whether a period is closeable without changing anything.
func (w *Workflow) Check(ctx context.Context, periodID string) (CloseCheck, error) {
	period, err := w.storage.GetPeriod(ctx, periodID)
	if err != nil {
		return CloseCheck{}, err
	}

	txns, err := w.storage.ListTransactions(ctx, period.BankAccountID, period.Start(), period.End())
	if err != nil {
		return CloseCheck{}, err
	}
	matches, err := w.storage.ListMatches(ctx, periodID)
	if err != nil {
		return CloseCheck{}, err
	}
	discrepancies, err := w.storage.ListDiscrepancies(ctx, periodID)
	if err != nil {
		return CloseCheck{}, err
	}

	var check CloseCheck
	for _, t := range txns {
		check.DepositTotal = check.DepositTotal.Add(t.Amount)
	}
	for _, m := range matches {
		if !m.Reversed {
			check.MatchedTotal = check.MatchedTotal.Add(m.Amount)
		}
	}
	for _, d := range discrepancies {
		switch d.Status {
		case models.DiscrepancyApproved:
			check.ApprovedDiscrepancyTotal = check.ApprovedDiscrepancyTotal.Add(d.Amount)
		case models.DiscrepancyPending:
			check.PendingDiscrepancies++
		}
	}

	check.Balanced = check.MatchedTotal.Add(check.ApprovedDiscrepancyTotal).Equal(check.DepositTotal)
	check.Closeable = check.Balanced && check.PendingDiscrepancies == 0 && period.Status == models.PeriodOpen
	return check, nil
}

// Close verifies the period balances and every discrepancy is terminal, then
// closes it. The store's conditional update catches a concurrent close.
func (w *Workflow) Close(ctx context.Context, periodID, closedBy string) (models.ReconciliationPeriod, error) {
	check, err := w.Check(ctx, periodID)
	if err != nil {
		return models.ReconciliationPeriod{}, err
	}
	if !check.Closeable {
		return models.ReconciliationPeriod{}, fmt.Errorf("%w: %d pending discrepancies, deposits %s, matched %s, approved %s",
			ErrPeriodNotCloseable, check.PendingDiscrepancies,
			check.DepositTotal, check.MatchedTotal, check.ApprovedDiscrepancyTotal)
	}
	period, err := w.storage.ClosePeriod(ctx, periodID, closedBy)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return models.ReconciliationPeriod{}, fmt.Errorf("%w: period already closed", ErrPeriodNotCloseable)
		}
		return models.ReconciliationPeriod{}, err
	}
	return period, nil
}
