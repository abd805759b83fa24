// Package export renders reconciliation results for reviewers outside the
// system, currently as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

// CSVWriter writes a matching run's results to CSV format.
type CSVWriter struct {
	IncludeHeader bool
}

// WriteToFile writes a match result to a CSV file at the given path.
func (w *CSVWriter) WriteToFile(path string, result *models.MatchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %q: %w", path, err)
	}
	defer f.Close()

	return w.Write(f, result)
}

// Write writes a match result in CSV format to the given writer. Matches come
// first, then unmatched deposits, then unmatched payment-record buckets, all
// in one table distinguished by the Row Type column.
func (w *CSVWriter) Write(out io.Writer, result *models.MatchResult) error {
	writer := csv.NewWriter(out)
	defer writer.Flush()

	// Write metadata as comments (CSV header rows)
	if w.IncludeHeader {
		writer.Write([]string{"# Facility", result.Period.FacilityID})
		writer.Write([]string{"# Bank Account", result.Period.BankAccountID})
		writer.Write([]string{"# Period", fmt.Sprintf("%04d-%02d", result.Period.Year, result.Period.Month)})
		writer.Write([]string{"# Status", string(result.Period.Status)})
	}

	header := []string{"Row Type", "Date", "Channel", "Amount", "Difference", "Match Type", "Confidence", "Matched By", "Bank Transaction", "Payment Record"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, m := range result.Matches {
		row := []string{
			"match",
			m.MatchedAt.Format("2006-01-02"),
			string(m.Channel),
			formatAmount(m.Amount),
			formatAmount(m.DifferenceFromExpected),
			string(m.MatchType),
			strconv.FormatFloat(m.Confidence, 'f', 4, 64),
			m.MatchedBy,
			m.BankTransactionID,
			m.DailyPaymentRecordID,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	for _, txn := range result.UnmatchedBankTransactions {
		row := []string{
			"unmatched_deposit",
			txn.PostedDate.Format("2006-01-02"),
			string(txn.Channel),
			formatAmount(txn.Amount),
			"", "", "", "",
			txn.ID,
			"",
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	// A record can sit in the unmatched list with one of its two buckets
	// consumed; only print the buckets no active match claimed.
	consumed := make(map[string]bool)
	for _, m := range result.Matches {
		if !m.Reversed {
			consumed[m.DailyPaymentRecordID+"/"+string(m.Channel)] = true
		}
	}
	for _, record := range result.UnmatchedDailyPayments {
		for _, ch := range []models.Channel{models.ChannelCash, models.ChannelCard} {
			bucket := record.BucketTotal(ch)
			if !bucket.IsPositive() || consumed[record.ID+"/"+string(ch)] {
				continue
			}
			row := []string{
				"unmatched_payment",
				record.BusinessDate.Format("2006-01-02"),
				string(ch),
				formatAmount(bucket),
				"", "", "", "",
				"",
				record.ID,
			}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	return nil
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}
