package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/ingest"
	"github.com/clearledger/deposit-reconciler/internal/matcher"
	"github.com/clearledger/deposit-reconciler/internal/models"
	"github.com/clearledger/deposit-reconciler/internal/store"
	"github.com/clearledger/deposit-reconciler/internal/workflow"
)

const statementFixture = `OFXHEADER:100
DATA:OFXSGML

<OFX>
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
</BANKTRANLIST>
</OFX>
`

func setupTestApp() (*fiber.App, *store.Memory) {
	mem := store.NewMemory()
	mem.SeedAccount(models.BankAccount{
		ID:            "acct-1",
		FacilityID:    "fac-1",
		AccountNumber: "4567891234",
		RoutingNumber: "021000021",
	})
	logger := log.New(io.Discard, "", 0)
	h := &Handler{
		Pipeline: ingest.New(mem, nil, logger),
		Matcher:  matcher.New(mem, matcher.DefaultConfig()),
		Workflow: workflow.New(mem),
		Store:    mem,
		Logger:   logger,
	}

	app := fiber.New()
	h.RegisterRoutes(app)
	return app, mem
}

func uploadRequest(t *testing.T, contents ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, content := range contents {
		part, err := mw.CreateFormFile("files", fmt.Sprintf("statement-%d.qfx", i))
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/statements", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode response %s: %v", body, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	app, _ := setupTestApp()

	resp, err := app.Test(httptest.NewRequest("GET", "/api/health", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var result map[string]string
	decodeJSON(t, resp, &result)
	if result["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", result["status"])
	}
	if result["engine"] != "fiber" {
		t.Errorf("expected engine=fiber, got %q", result["engine"])
	}
}

func TestIngestEndpoint(t *testing.T) {
	app, _ := setupTestApp()

	resp, err := app.Test(uploadRequest(t, statementFixture))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result IngestResponse
	decodeJSON(t, resp, &result)
	if !result.Success || len(result.Files) != 1 {
		t.Fatalf("response = %+v", result)
	}
	if result.Files[0].Inserted != 2 {
		t.Errorf("inserted = %d, want 2", result.Files[0].Inserted)
	}
}

func TestIngestEndpointRequiresFiles(t *testing.T) {
	app, _ := setupTestApp()

	req := httptest.NewRequest("POST", "/api/statements", nil)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=----test")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode == fiber.StatusOK {
		t.Error("expected non-200 for missing files")
	}
}

func TestIngestEndpointReportsPartialFailure(t *testing.T) {
	app, _ := setupTestApp()

	resp, err := app.Test(uploadRequest(t, "not a statement", statementFixture))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusMultiStatus {
		t.Fatalf("expected 207, got %d", resp.StatusCode)
	}

	var result IngestResponse
	decodeJSON(t, resp, &result)
	if result.Success {
		t.Error("success should be false for a partial failure")
	}
	if len(result.Files) != 2 || result.Files[0].Error == "" || result.Files[1].Error != "" {
		t.Errorf("files = %+v", result.Files)
	}
}

func TestReconciliationRun(t *testing.T) {
	app, mem := setupTestApp()
	mem.SeedDailyPayment(models.DailyPaymentRecord{
		ID:           "rec-july3",
		FacilityID:   "fac-1",
		BusinessDate: dayUTC(2025, 7, 3),
		VisaTotal:    decimal.RequireFromString("1250.75"),
	})

	ingestResp, err := app.Test(uploadRequest(t, statementFixture))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if ingestResp.StatusCode != fiber.StatusOK {
		t.Fatalf("ingest: expected 200, got %d", ingestResp.StatusCode)
	}

	body := strings.NewReader(`{"facilityId":"fac-1","bankAccountId":"acct-1","month":7,"year":2025}`)
	req := httptest.NewRequest("POST", "/api/reconciliation/run", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}

	var result models.MatchResult
	decodeJSON(t, resp, &result)
	if len(result.Matches) != 1 {
		t.Errorf("got %d matches, want 1", len(result.Matches))
	}
	if len(result.UnmatchedBankTransactions) != 1 {
		t.Errorf("got %d unmatched transactions, want 1", len(result.UnmatchedBankTransactions))
	}
	if result.Period.ID == "" {
		t.Error("period ID missing from response")
	}
}

func TestReconciliationRunValidation(t *testing.T) {
	app, _ := setupTestApp()

	body := strings.NewReader(`{"facilityId":"fac-1","bankAccountId":"acct-1","month":13,"year":2025}`)
	req := httptest.NewRequest("POST", "/api/reconciliation/run", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExportReturnsCSV(t *testing.T) {
	app, _ := setupTestApp()

	resp, err := app.Test(httptest.NewRequest("GET",
		"/api/reconciliation/export?facilityId=fac-1&bankAccountId=acct-1&month=7&year=2025", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "Row Type") {
		t.Errorf("missing column header in:\n%s", raw)
	}
}

func TestManualMatchRequiresReviewer(t *testing.T) {
	app, _ := setupTestApp()

	body := strings.NewReader(`{"bankTransactionId":"txn-1","dailyPaymentRecordId":"rec-1"}`)
	req := httptest.NewRequest("POST", "/api/matches", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDiscrepancyLifecycleOverHTTP(t *testing.T) {
	app, mem := setupTestApp()
	period, err := mem.GetOrCreatePeriod(context.Background(), "fac-1", "acct-1", 7, 2025)
	if err != nil {
		t.Fatalf("period: %v", err)
	}

	raise := func() models.Discrepancy {
		body := strings.NewReader(fmt.Sprintf(
			`{"periodId":%q,"kind":"bank_fee","amount":"45.00","description":"monthly fee"}`, period.ID))
		req := httptest.NewRequest("POST", "/api/discrepancies", body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(reviewerHeader, "reviewer-a")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("raise request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusCreated {
			raw, _ := io.ReadAll(resp.Body)
			t.Fatalf("raise: expected 201, got %d: %s", resp.StatusCode, raw)
		}
		var d models.Discrepancy
		decodeJSON(t, resp, &d)
		return d
	}

	// Reject without notes is a 400.
	d := raise()
	req := httptest.NewRequest("POST", "/api/discrepancies/"+d.ID+"/reject", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reviewerHeader, "reviewer-b")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("reject request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("reject without notes: expected 400, got %d", resp.StatusCode)
	}

	// Approve works and is terminal.
	req = httptest.NewRequest("POST", "/api/discrepancies/"+d.ID+"/approve",
		strings.NewReader(`{"notes":"verified against till"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reviewerHeader, "reviewer-b")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("approve request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("approve: expected 200, got %d", resp.StatusCode)
	}
	var approved models.Discrepancy
	decodeJSON(t, resp, &approved)
	if approved.Status != models.DiscrepancyApproved {
		t.Errorf("status = %q, want approved", approved.Status)
	}

	req = httptest.NewRequest("POST", "/api/discrepancies/"+d.ID+"/approve", nil)
	req.Header.Set(reviewerHeader, "reviewer-b")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("second approve request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("double approve: expected 409, got %d", resp.StatusCode)
	}
}

func TestPeriodStatusEndpoint(t *testing.T) {
	app, mem := setupTestApp()
	period, err := mem.GetOrCreatePeriod(context.Background(), "fac-1", "acct-1", 7, 2025)
	if err != nil {
		t.Fatalf("period: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/periods/"+period.ID, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status PeriodStatusResponse
	decodeJSON(t, resp, &status)
	if status.Period.ID != period.ID {
		t.Errorf("period ID = %q, want %q", status.Period.ID, period.ID)
	}
	// No deposits and no matches, so an empty period is trivially closeable.
	if !status.Check.Closeable {
		t.Errorf("check = %+v, want closeable", status.Check)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/periods/missing", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("missing period: expected 404, got %d", resp.StatusCode)
	}
}

func dayUTC(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}
