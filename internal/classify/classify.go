package classify

import (
	"log"
	"strings"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

// ChannelPolicy decides which payment channel a statement transaction belongs
// to. The default is substring-marker matching, but banks and payment
// aggregators change their descriptors often enough that the rule is kept
// swappable.
type ChannelPolicy interface {
	Channel(txn models.RawTransaction) models.Channel
}

// DefaultCardMarkers are descriptor substrings that identify card-settlement
// deposits across the processors seen in real statements. Extend via config,
// not here.
var DefaultCardMarkers = []string{
	"BANKCARD",
	"MERCH",
	"MTOT DEP",
	"CLOVER",
	"SQUARE",
	"STRIPE",
	"ELAVON",
	"WORLDPAY",
	"AMEX",
	"DISCOVER",
}

// MarkerPolicy labels a transaction as card when its memo or counterparty
// name contains any marker, case-insensitively. Everything else is cash:
// cash, check and ACH deposits are indistinguishable at the statement level.
type MarkerPolicy struct {
	Markers []string
}

func NewMarkerPolicy(markers []string) *MarkerPolicy {
	if len(markers) == 0 {
		markers = DefaultCardMarkers
	}
	return &MarkerPolicy{Markers: markers}
}

func (p *MarkerPolicy) Channel(txn models.RawTransaction) models.Channel {
	haystack := strings.ToUpper(txn.Memo + " " + txn.Name)
	for _, marker := range p.Markers {
		if strings.Contains(haystack, strings.ToUpper(marker)) {
			return models.ChannelCard
		}
	}
	return models.ChannelCash
}

// Classifier filters a parsed transaction list down to deposits and attaches
// a channel label to each.
type Classifier struct {
	policy ChannelPolicy
	logger *log.Logger
}

// New builds a classifier. A nil policy falls back to the default marker
// policy; a nil logger falls back to the standard logger.
func New(policy ChannelPolicy, logger *log.Logger) *Classifier {
	if policy == nil {
		policy = NewMarkerPolicy(nil)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Classifier{policy: policy, logger: logger}
}

// Deposits returns only positive-amount transactions with their channel set.
// Withdrawals and fees are out of scope for deposit reconciliation. A
// transaction without a usable posted date is dropped with a diagnostic:
// defaulting its date would silently place money in the wrong period.
func (c *Classifier) Deposits(txns []models.RawTransaction) []models.RawTransaction {
	var deposits []models.RawTransaction
	for _, txn := range txns {
		if !txn.Amount.IsPositive() {
			continue
		}
		if txn.PostedDate.IsZero() {
			c.logger.Printf("dropping transaction %q: missing or unparseable posted date", txn.ExternalID)
			continue
		}
		txn.Channel = c.policy.Channel(txn)
		deposits = append(deposits, txn)
	}
	return deposits
}
