package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/clearledger/deposit-reconciler/internal/models"
	"github.com/clearledger/deposit-reconciler/internal/ofx"
	"github.com/clearledger/deposit-reconciler/internal/store"
)

const statementFixture = `OFXHEADER:100
DATA:OFXSGML
VERSION:102

<OFX>
<BANKMSGSRSV1>
<STMTTRNRS>
<STMTRS>
<BANKACCTFROM>
<BANKID>021000021
<ACCTID>4567891234
</BANKACCTFROM>
<BANKTRANLIST>
<STMTTRN>
<DTPOSTED>20250703
<TRNAMT>1250.75
<FITID>2025070301
<NAME>MERCHPAYOUT BANKCARD DEP
</STMTTRN>
<STMTTRN>
<DTPOSTED>20250705
<TRNAMT>875.50
<FITID>2025070502
<NAME>BRANCH DEPOSIT
</STMTTRN>
<STMTTRN>
<DTPOSTED>20250710
<TRNAMT>-45.00
<FITID>2025071003
<NAME>SERVICE CHARGE
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>10500.25
<DTASOF>20250731
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>
`

func newTestPipeline() (*Pipeline, *store.Memory) {
	mem := store.NewMemory()
	mem.SeedAccount(models.BankAccount{
		ID:            "acct-1",
		FacilityID:    "fac-1",
		AccountNumber: "4567891234",
		RoutingNumber: "021000021",
	})
	return New(mem, nil, log.New(io.Discard, "", 0)), mem
}

func TestIngestStatement(t *testing.T) {
	pipeline, mem := newTestPipeline()

	results := pipeline.Ingest(context.Background(), []models.RawStatementFile{
		{Filename: "july.qfx", Data: []byte(statementFixture)},
	})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	r := results[0]
	if r.Err != nil {
		t.Fatalf("ingest failed: %v", r.Err)
	}
	if r.BankAccountID != "acct-1" || r.FacilityID != "fac-1" {
		t.Errorf("resolved %s/%s, want acct-1/fac-1", r.BankAccountID, r.FacilityID)
	}
	// The service charge is not a deposit.
	if r.Deposits != 2 {
		t.Errorf("deposits = %d, want 2", r.Deposits)
	}
	if r.Inserted != 2 {
		t.Errorf("inserted = %d, want 2", r.Inserted)
	}

	txns, err := mem.ListTransactions(context.Background(), "acct-1",
		mustPeriod("fac-1").Start(), mustPeriod("fac-1").End())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("stored %d transactions, want 2", len(txns))
	}
	if txns[0].Channel != models.ChannelCard {
		t.Errorf("first channel = %q, want card", txns[0].Channel)
	}
	// Memo falls back to the counterparty name when the statement omits it.
	if txns[1].Memo != "BRANCH DEPOSIT" {
		t.Errorf("second memo = %q, want BRANCH DEPOSIT", txns[1].Memo)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	pipeline, _ := newTestPipeline()
	ctx := context.Background()
	file := models.RawStatementFile{Filename: "july.qfx", Data: []byte(statementFixture)}

	first := pipeline.Ingest(ctx, []models.RawStatementFile{file})[0]
	if first.Err != nil {
		t.Fatalf("first ingest failed: %v", first.Err)
	}

	second := pipeline.Ingest(ctx, []models.RawStatementFile{file})[0]
	if second.Err != nil {
		t.Fatalf("second ingest failed: %v", second.Err)
	}
	if second.Deposits != 2 || second.Inserted != 0 {
		t.Errorf("re-ingest = %d deposits, %d inserted; want 2, 0", second.Deposits, second.Inserted)
	}
}

func TestIngestUnknownAccount(t *testing.T) {
	pipeline := New(store.NewMemory(), nil, log.New(io.Discard, "", 0))

	r := pipeline.Ingest(context.Background(), []models.RawStatementFile{
		{Filename: "july.qfx", Data: []byte(statementFixture)},
	})[0]

	var unknown *UnknownBankAccountError
	if !errors.As(r.Err, &unknown) {
		t.Fatalf("err = %v, want *UnknownBankAccountError", r.Err)
	}
	if unknown.AccountNumber != "4567891234" || unknown.RoutingNumber != "021000021" {
		t.Errorf("error identity = %s/%s", unknown.AccountNumber, unknown.RoutingNumber)
	}
}

func TestIngestBadFileDoesNotAbortBatch(t *testing.T) {
	pipeline, _ := newTestPipeline()

	results := pipeline.Ingest(context.Background(), []models.RawStatementFile{
		{Filename: "garbage.txt", Data: []byte("not a statement")},
		{Filename: "july.qfx", Data: []byte(statementFixture)},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	var malformed *ofx.MalformedStatementError
	if !errors.As(results[0].Err, &malformed) {
		t.Errorf("bad file err = %v, want *MalformedStatementError", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("good file failed: %v", results[1].Err)
	}
}

// mustPeriod is a fixture helper for July 2025 date bounds.
func mustPeriod(facilityID string) models.ReconciliationPeriod {
	return models.ReconciliationPeriod{FacilityID: facilityID, Month: 7, Year: 2025}
}
