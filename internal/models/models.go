package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the payment channel a deposit is attributed to. Statement-level
// classification only distinguishes card settlements from everything else;
// cash, check and ACH all land in ChannelCash.
type Channel string

const (
	ChannelCard Channel = "card"
	ChannelCash Channel = "cash"
)

// RawStatementFile is an uploaded statement blob. It exists only for the
// duration of an ingestion run.
type RawStatementFile struct {
	Filename string
	Data     []byte
}

// RawTransaction is one line item from a statement file. Channel is empty
// until the classifier has labeled it.
type RawTransaction struct {
	ExternalID string
	Amount     decimal.Decimal
	PostedDate time.Time
	Memo       string
	Name       string
	Channel    Channel
}

// ParsedStatement is the typed result of parsing one statement file.
// Header carries the raw colon-delimited header attributes for diagnostics.
type ParsedStatement struct {
	AccountNumber string
	RoutingNumber string
	Balance       decimal.Decimal
	BalanceAsOf   time.Time
	Transactions  []RawTransaction
	Header        map[string]string
}

// BankAccount maps a statement's (account number, routing number) identity to
// an internal account and the facility it belongs to.
type BankAccount struct {
	ID            string `gorm:"type:varchar(36);primaryKey"`
	FacilityID    string `gorm:"type:varchar(36);index"`
	AccountNumber string `gorm:"size:34;uniqueIndex:idx_account_identity"`
	RoutingNumber string `gorm:"size:12;uniqueIndex:idx_account_identity"`
	CreatedAt     time.Time
}

// BankTransaction is a persisted statement line item. (BankAccountID,
// ExternalID) is the natural key; re-ingesting the same file is a no-op.
type BankTransaction struct {
	ID            string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	BankAccountID string          `gorm:"type:varchar(36);uniqueIndex:idx_txn_natural" json:"bankAccountId"`
	ExternalID    string          `gorm:"size:64;uniqueIndex:idx_txn_natural" json:"externalId"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	PostedDate    time.Time       `gorm:"index" json:"postedDate"`
	Channel       Channel         `gorm:"size:10" json:"channel"`
	Memo          string          `gorm:"size:255" json:"memo"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// BankAccountBalance is the bank-reported ledger balance, upserted by
// (BankAccountID, AsOfDate).
type BankAccountBalance struct {
	BankAccountID string          `gorm:"type:varchar(36);primaryKey"`
	AsOfDate      time.Time       `gorm:"primaryKey"`
	Balance       decimal.Decimal `gorm:"type:decimal(20,2)"`
	UpdatedAt     time.Time
}

// DailyPaymentRecord is the point-of-sale side: per-facility, per-date totals
// broken out by tender. This core only reads these rows.
type DailyPaymentRecord struct {
	ID              string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	FacilityID      string          `gorm:"type:varchar(36);index" json:"facilityId"`
	BusinessDate    time.Time       `gorm:"index" json:"businessDate"`
	CashTotal       decimal.Decimal `gorm:"type:decimal(20,2)" json:"cashTotal"`
	CheckTotal      decimal.Decimal `gorm:"type:decimal(20,2)" json:"checkTotal"`
	VisaTotal       decimal.Decimal `gorm:"type:decimal(20,2)" json:"visaTotal"`
	MastercardTotal decimal.Decimal `gorm:"type:decimal(20,2)" json:"mastercardTotal"`
	AmexTotal       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amexTotal"`
	DiscoverTotal   decimal.Decimal `gorm:"type:decimal(20,2)" json:"discoverTotal"`
}

// BucketTotal returns the tender bucket a channel draws from: cash deposits
// cover cash and checks, card deposits cover every card brand.
func (r DailyPaymentRecord) BucketTotal(ch Channel) decimal.Decimal {
	if ch == ChannelCard {
		return r.VisaTotal.Add(r.MastercardTotal).Add(r.AmexTotal).Add(r.DiscoverTotal)
	}
	return r.CashTotal.Add(r.CheckTotal)
}

// MatchType distinguishes matcher-produced pairings from reviewer-entered ones.
type MatchType string

const (
	MatchAutomatic MatchType = "automatic"
	MatchManual    MatchType = "manual"
)

// Match pairs one bank transaction with one daily payment record's tender
// bucket. ActiveTxnKey and ActivePaymentKey mirror the participant IDs while
// the match is active and are nulled on reversal; the unique indexes on them
// enforce at-most-one active match per participant inside the database.
type Match struct {
	ID                     string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReconciliationPeriodID string          `gorm:"type:varchar(36);index" json:"reconciliationPeriodId"`
	BankTransactionID      string          `gorm:"type:varchar(36)" json:"bankTransactionId"`
	DailyPaymentRecordID   string          `gorm:"type:varchar(36)" json:"dailyPaymentRecordId"`
	Channel                Channel         `gorm:"size:10" json:"channel"`
	Amount                 decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	DifferenceFromExpected decimal.Decimal `gorm:"type:decimal(20,2)" json:"differenceFromExpected"`
	MatchType              MatchType       `gorm:"size:10" json:"matchType"`
	Confidence             float64         `json:"confidence"`
	MatchedBy              string          `gorm:"size:64" json:"matchedBy"`
	MatchedAt              time.Time       `json:"matchedAt"`
	Reversed               bool            `json:"reversed"`
	ReversedBy             *string         `gorm:"size:64" json:"reversedBy,omitempty"`
	ReversedAt             *time.Time      `json:"reversedAt,omitempty"`
	ActiveTxnKey           *string         `gorm:"size:36;uniqueIndex" json:"-"`
	ActivePaymentKey       *string         `gorm:"size:48;uniqueIndex" json:"-"`
}

// DiscrepancyKind is the closed set of explanations a reviewer can raise.
type DiscrepancyKind string

const (
	DiscrepancyTimingDifference    DiscrepancyKind = "timing_difference"
	DiscrepancyBankFee             DiscrepancyKind = "bank_fee"
	DiscrepancyMultiDayCombination DiscrepancyKind = "multi_day_combination"
	DiscrepancyUnexplainedVariance DiscrepancyKind = "unexplained_variance"
)

// ValidDiscrepancyKind reports whether k is one of the closed kind set.
func ValidDiscrepancyKind(k DiscrepancyKind) bool {
	switch k {
	case DiscrepancyTimingDifference, DiscrepancyBankFee,
		DiscrepancyMultiDayCombination, DiscrepancyUnexplainedVariance:
		return true
	}
	return false
}

// DiscrepancyStatus is the approval state machine. Both terminal states are
// final; a rejected discrepancy is superseded, never reopened.
type DiscrepancyStatus string

const (
	DiscrepancyPending  DiscrepancyStatus = "pending_approval"
	DiscrepancyApproved DiscrepancyStatus = "approved"
	DiscrepancyRejected DiscrepancyStatus = "rejected"
)

// Discrepancy is a human-reviewable explanation for money the matcher could
// not reconcile.
type Discrepancy struct {
	ID                     string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReconciliationPeriodID string            `gorm:"type:varchar(36);index" json:"reconciliationPeriodId"`
	Kind                   DiscrepancyKind   `gorm:"size:32" json:"kind"`
	Description            string            `gorm:"size:255" json:"description"`
	Amount                 decimal.Decimal   `gorm:"type:decimal(20,2)" json:"amount"`
	Status                 DiscrepancyStatus `gorm:"size:20" json:"status"`
	Evidence               string            `gorm:"size:1024" json:"evidence,omitempty"`
	SupersedesID           *string           `gorm:"type:varchar(36)" json:"supersedesId,omitempty"`
	CreatedBy              string            `gorm:"size:64" json:"createdBy"`
	CreatedAt              time.Time         `json:"createdAt"`
	ApprovalNotes          *string           `gorm:"size:1024" json:"approvalNotes,omitempty"`
	ResolvedBy             *string           `gorm:"size:64" json:"resolvedBy,omitempty"`
	ResolvedAt             *time.Time        `json:"resolvedAt,omitempty"`
}

// Terminal reports whether the discrepancy has left pending_approval.
func (d Discrepancy) Terminal() bool {
	return d.Status == DiscrepancyApproved || d.Status == DiscrepancyRejected
}

// PeriodStatus tracks the reviewer-facing lifecycle of a reconciliation period.
type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "open"
	PeriodClosed PeriodStatus = "closed"
)

// ReconciliationPeriod is the facility + bank account + month unit of work a
// reviewer closes out.
type ReconciliationPeriod struct {
	ID            string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	FacilityID    string       `gorm:"type:varchar(36);index" json:"facilityId"`
	BankAccountID string       `gorm:"type:varchar(36);uniqueIndex:idx_period_natural" json:"bankAccountId"`
	Month         int          `gorm:"uniqueIndex:idx_period_natural" json:"month"`
	Year          int          `gorm:"uniqueIndex:idx_period_natural" json:"year"`
	Status        PeriodStatus `gorm:"size:10" json:"status"`
	ClosedBy      *string      `gorm:"size:64" json:"closedBy,omitempty"`
	ClosedAt      *time.Time   `json:"closedAt,omitempty"`
}

// Start returns the first instant of the period's month (UTC).
func (p ReconciliationPeriod) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month (exclusive bound).
func (p ReconciliationPeriod) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// MatchResult is what a matching run hands to the review surface.
type MatchResult struct {
	Period                    ReconciliationPeriod `json:"period"`
	Matches                   []Match              `json:"matches"`
	UnmatchedBankTransactions []BankTransaction    `json:"unmatchedBankTransactions"`
	UnmatchedDailyPayments    []DailyPaymentRecord `json:"unmatchedDailyPayments"`
}
