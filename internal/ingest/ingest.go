package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/clearledger/deposit-reconciler/internal/classify"
	"github.com/clearledger/deposit-reconciler/internal/extractor"
	"github.com/clearledger/deposit-reconciler/internal/models"
	"github.com/clearledger/deposit-reconciler/internal/ofx"
	"github.com/clearledger/deposit-reconciler/internal/store"
)

// UnknownBankAccountError means a statement parsed fine but its account
// identity resolves to no known account. Surfaced per file; it never aborts
// the batch.
type UnknownBankAccountError struct {
	AccountNumber string
	RoutingNumber string
}

func (e *UnknownBankAccountError) Error() string {
	return fmt.Sprintf("no bank account for account number %q, routing number %q",
		e.AccountNumber, e.RoutingNumber)
}

// Storage is the slice of the store the pipeline writes through.
type Storage interface {
	ResolveAccount(ctx context.Context, accountNumber, routingNumber string) (models.BankAccount, error)
	UpsertBalance(ctx context.Context, bal models.BankAccountBalance) error
	InsertTransactions(ctx context.Context, txns []models.BankTransaction) (int, error)
}

// Result is the outcome for one uploaded file. Err is nil on success;
// re-uploading an already-ingested file is a success with zero inserts.
type Result struct {
	Filename      string
	BankAccountID string
	FacilityID    string
	Deposits      int
	Inserted      int
	Err           error
}

// Pipeline drives files through extract -> parse -> classify -> persist.
type Pipeline struct {
	storage    Storage
	classifier *classify.Classifier
	logger     *log.Logger

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// New builds a pipeline. A nil classifier gets the default marker policy.
func New(storage Storage, classifier *classify.Classifier, logger *log.Logger) *Pipeline {
	if classifier == nil {
		classifier = classify.New(nil, logger)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		storage:      storage,
		classifier:   classifier,
		logger:       logger,
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// Ingest processes a batch, one result per file in input order. Files run
// concurrently; writes for the same bank account are serialized so the
// natural-key upserts stay idempotent under concurrent re-uploads.
func (p *Pipeline) Ingest(ctx context.Context, files []models.RawStatementFile) []Result {
	results := make([]Result, len(files))
	var wg sync.WaitGroup
	for i, file := range files {
		wg.Add(1)
		go func(i int, file models.RawStatementFile) {
			defer wg.Done()
			results[i] = p.ingestOne(ctx, file)
		}(i, file)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) ingestOne(ctx context.Context, file models.RawStatementFile) Result {
	result := Result{Filename: file.Filename}

	text, err := extractor.Read(file.Filename, file.Data)
	if err != nil {
		result.Err = &ofx.MalformedStatementError{Reason: "unreadable file", Err: err}
		return result
	}

	stmt, err := ofx.Parse(text)
	if err != nil {
		result.Err = err
		return result
	}

	deposits := p.classifier.Deposits(stmt.Transactions)
	result.Deposits = len(deposits)

	account, err := p.storage.ResolveAccount(ctx, stmt.AccountNumber, stmt.RoutingNumber)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			result.Err = &UnknownBankAccountError{
				AccountNumber: stmt.AccountNumber,
				RoutingNumber: stmt.RoutingNumber,
			}
		} else {
			result.Err = err
		}
		return result
	}
	result.BankAccountID = account.ID
	result.FacilityID = account.FacilityID

	lock := p.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	if !stmt.BalanceAsOf.IsZero() {
		err := p.storage.UpsertBalance(ctx, models.BankAccountBalance{
			BankAccountID: account.ID,
			AsOfDate:      stmt.BalanceAsOf,
			Balance:       stmt.Balance,
		})
		if err != nil {
			result.Err = fmt.Errorf("upsert balance for %s: %w", file.Filename, err)
			return result
		}
	}

	txns := make([]models.BankTransaction, 0, len(deposits))
	for _, d := range deposits {
		memo := d.Memo
		if memo == "" {
			memo = d.Name
		}
		txns = append(txns, models.BankTransaction{
			BankAccountID: account.ID,
			ExternalID:    d.ExternalID,
			Amount:        d.Amount,
			PostedDate:    d.PostedDate,
			Channel:       d.Channel,
			Memo:          memo,
		})
	}

	inserted, err := p.storage.InsertTransactions(ctx, txns)
	if err != nil {
		result.Err = fmt.Errorf("insert transactions for %s: %w", file.Filename, err)
		return result
	}
	result.Inserted = inserted

	if inserted < len(txns) {
		p.logger.Printf("%s: %d of %d deposits already ingested, skipped",
			file.Filename, len(txns)-inserted, len(txns))
	}
	return result
}

func (p *Pipeline) accountLock(accountID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		p.accountLocks[accountID] = lock
	}
	return lock
}
