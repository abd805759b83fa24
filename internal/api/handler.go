// Package api exposes the reconciliation core over HTTP using Fiber.
// Reviewer identity comes in on the X-Reviewer header; mutating endpoints
// reject requests without one.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/export"
	"github.com/clearledger/deposit-reconciler/internal/ingest"
	"github.com/clearledger/deposit-reconciler/internal/matcher"
	"github.com/clearledger/deposit-reconciler/internal/models"
	"github.com/clearledger/deposit-reconciler/internal/store"
	"github.com/clearledger/deposit-reconciler/internal/workflow"
)

const reviewerHeader = "X-Reviewer"

// Handler holds the HTTP handlers for the API.
type Handler struct {
	Pipeline *ingest.Pipeline
	Matcher  *matcher.Matcher
	Workflow *workflow.Workflow
	Store    store.Store
	Logger   *log.Logger
}

// RegisterRoutes sets up the HTTP routes.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/health", h.handleHealth)

	app.Post("/api/statements", h.handleIngest)

	app.Post("/api/reconciliation/run", h.handleMatch)
	app.Get("/api/reconciliation/export", h.handleExport)

	app.Post("/api/matches", h.handleManualMatch)
	app.Post("/api/matches/:id/reverse", h.handleReverseMatch)

	app.Post("/api/discrepancies", h.handleRaiseDiscrepancy)
	app.Post("/api/discrepancies/:id/approve", h.handleApproveDiscrepancy)
	app.Post("/api/discrepancies/:id/reject", h.handleRejectDiscrepancy)

	app.Get("/api/periods/:id", h.handlePeriodStatus)
	app.Post("/api/periods/:id/close", h.handleClosePeriod)
}

func (h *Handler) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"engine": "fiber",
	})
}

// IngestFileResponse is the per-file outcome of a statement upload.
type IngestFileResponse struct {
	Filename      string `json:"filename"`
	BankAccountID string `json:"bankAccountId,omitempty"`
	FacilityID    string `json:"facilityId,omitempty"`
	Deposits      int    `json:"deposits"`
	Inserted      int    `json:"inserted"`
	Error         string `json:"error,omitempty"`
}

// IngestResponse is the JSON response from POST /api/statements.
type IngestResponse struct {
	Success bool                 `json:"success"`
	Files   []IngestFileResponse `json:"files"`
}

func (h *Handler) handleIngest(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		return fail(c, fiber.StatusBadRequest, "no files uploaded, use form field 'files'")
	}

	files := make([]models.RawStatementFile, 0, len(uploads))
	for _, fh := range uploads {
		f, err := fh.Open()
		if err != nil {
			return fail(c, fiber.StatusBadRequest, fmt.Sprintf("failed to open %q: %v", fh.Filename, err))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fail(c, fiber.StatusBadRequest, fmt.Sprintf("failed to read %q: %v", fh.Filename, err))
		}
		files = append(files, models.RawStatementFile{Filename: fh.Filename, Data: data})
	}

	results := h.Pipeline.Ingest(c.Context(), files)

	resp := IngestResponse{Success: true}
	for _, r := range results {
		fr := IngestFileResponse{
			Filename:      r.Filename,
			BankAccountID: r.BankAccountID,
			FacilityID:    r.FacilityID,
			Deposits:      r.Deposits,
			Inserted:      r.Inserted,
		}
		if r.Err != nil {
			fr.Error = r.Err.Error()
			resp.Success = false
		}
		resp.Files = append(resp.Files, fr)
	}

	status := fiber.StatusOK
	if !resp.Success {
		// Partial failure still reports every file's outcome.
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(resp)
}

// matchRequest identifies one facility/account/month to reconcile.
type matchRequest struct {
	FacilityID    string `json:"facilityId"`
	BankAccountID string `json:"bankAccountId"`
	Month         int    `json:"month"`
	Year          int    `json:"year"`
}

func (r matchRequest) validate() error {
	if r.FacilityID == "" || r.BankAccountID == "" {
		return errors.New("facilityId and bankAccountId are required")
	}
	if r.Month < 1 || r.Month > 12 {
		return fmt.Errorf("month %d out of range", r.Month)
	}
	if r.Year < 2000 {
		return fmt.Errorf("year %d out of range", r.Year)
	}
	return nil
}

func (h *Handler) handleMatch(c *fiber.Ctx) error {
	var req matchRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := req.validate(); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.Matcher.Match(c.Context(), req.FacilityID, req.BankAccountID, req.Month, req.Year)
	if err != nil {
		return failFromError(c, err)
	}
	return c.JSON(result)
}

func (h *Handler) handleExport(c *fiber.Ctx) error {
	req := matchRequest{
		FacilityID:    c.Query("facilityId"),
		BankAccountID: c.Query("bankAccountId"),
		Month:         c.QueryInt("month"),
		Year:          c.QueryInt("year"),
	}
	if err := req.validate(); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.Matcher.Match(c.Context(), req.FacilityID, req.BankAccountID, req.Month, req.Year)
	if err != nil {
		return failFromError(c, err)
	}

	var buf bytes.Buffer
	w := &export.CSVWriter{IncludeHeader: c.Query("header") != "false"}
	if err := w.Write(&buf, result); err != nil {
		return fail(c, fiber.StatusInternalServerError, fmt.Sprintf("CSV generation failed: %v", err))
	}

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="reconciliation-%04d-%02d.csv"`, req.Year, req.Month))
	return c.Send(buf.Bytes())
}

type manualMatchRequest struct {
	BankTransactionID    string `json:"bankTransactionId"`
	DailyPaymentRecordID string `json:"dailyPaymentRecordId"`
}

func (h *Handler) handleManualMatch(c *fiber.Ctx) error {
	reviewer := c.Get(reviewerHeader)
	if reviewer == "" {
		return fail(c, fiber.StatusUnauthorized, "X-Reviewer header required")
	}

	var req manualMatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.BankTransactionID == "" || req.DailyPaymentRecordID == "" {
		return fail(c, fiber.StatusBadRequest, "bankTransactionId and dailyPaymentRecordId are required")
	}

	m, err := h.Matcher.Manual(c.Context(), req.BankTransactionID, req.DailyPaymentRecordID, reviewer)
	if err != nil {
		return failFromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (h *Handler) handleReverseMatch(c *fiber.Ctx) error {
	reviewer := c.Get(reviewerHeader)
	if reviewer == "" {
		return fail(c, fiber.StatusUnauthorized, "X-Reviewer header required")
	}

	m, err := h.Matcher.Reverse(c.Context(), c.Params("id"), reviewer)
	if err != nil {
		return failFromError(c, err)
	}
	return c.JSON(m)
}

type raiseDiscrepancyRequest struct {
	PeriodID     string `json:"periodId"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	Evidence     string `json:"evidence"`
	SupersedesID string `json:"supersedesId"`
}

func (h *Handler) handleRaiseDiscrepancy(c *fiber.Ctx) error {
	reviewer := c.Get(reviewerHeader)
	if reviewer == "" {
		return fail(c, fiber.StatusUnauthorized, "X-Reviewer header required")
	}

	var req raiseDiscrepancyRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid amount %q", req.Amount))
	}

	d, err := h.Workflow.Raise(c.Context(), workflow.RaiseInput{
		PeriodID:     req.PeriodID,
		Kind:         models.DiscrepancyKind(req.Kind),
		Amount:       amount,
		Description:  req.Description,
		Evidence:     req.Evidence,
		SupersedesID: req.SupersedesID,
		RaisedBy:     reviewer,
	})
	if err != nil {
		return failFromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

type resolveDiscrepancyRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) handleApproveDiscrepancy(c *fiber.Ctx) error {
	return h.resolveDiscrepancy(c, h.Workflow.Approve)
}

func (h *Handler) handleRejectDiscrepancy(c *fiber.Ctx) error {
	return h.resolveDiscrepancy(c, h.Workflow.Reject)
}

func (h *Handler) resolveDiscrepancy(c *fiber.Ctx,
	action func(ctx context.Context, id string, grant workflow.ApprovalGrant, notes string) (models.Discrepancy, error)) error {
	reviewer := c.Get(reviewerHeader)
	if reviewer == "" {
		return fail(c, fiber.StatusUnauthorized, "X-Reviewer header required")
	}

	var req resolveDiscrepancyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		}
	}

	grant := workflow.ApprovalGrant{Reviewer: reviewer, GrantedBy: "api"}
	d, err := action(c.Context(), c.Params("id"), grant, req.Notes)
	if err != nil {
		return failFromError(c, err)
	}
	return c.JSON(d)
}

// PeriodStatusResponse combines the period row with the close check.
type PeriodStatusResponse struct {
	Period        models.ReconciliationPeriod `json:"period"`
	Discrepancies []models.Discrepancy        `json:"discrepancies"`
	Check         workflow.CloseCheck         `json:"check"`
}

func (h *Handler) handlePeriodStatus(c *fiber.Ctx) error {
	periodID := c.Params("id")
	period, err := h.Store.GetPeriod(c.Context(), periodID)
	if err != nil {
		return failFromError(c, err)
	}
	discrepancies, err := h.Store.ListDiscrepancies(c.Context(), periodID)
	if err != nil {
		return failFromError(c, err)
	}
	check, err := h.Workflow.Check(c.Context(), periodID)
	if err != nil {
		return failFromError(c, err)
	}
	return c.JSON(PeriodStatusResponse{Period: period, Discrepancies: discrepancies, Check: check})
}

func (h *Handler) handleClosePeriod(c *fiber.Ctx) error {
	reviewer := c.Get(reviewerHeader)
	if reviewer == "" {
		return fail(c, fiber.StatusUnauthorized, "X-Reviewer header required")
	}

	period, err := h.Workflow.Close(c.Context(), c.Params("id"), reviewer)
	if err != nil {
		return failFromError(c, err)
	}
	return c.JSON(period)
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(ErrorResponse{Success: false, Error: msg})
}

// failFromError maps domain errors onto HTTP statuses.
func failFromError(c *fiber.Ctx, err error) error {
	var invalid *workflow.InvalidStateTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAccountNotFound):
		return fail(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrMatchConflict),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, matcher.ErrPeriodNotOpen),
		errors.Is(err, workflow.ErrPeriodNotCloseable),
		errors.As(err, &invalid):
		return fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrMissingRejectionReason):
		return fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrNotAuthorized):
		return fail(c, fiber.StatusForbidden, err.Error())
	}
	return fail(c, fiber.StatusInternalServerError, err.Error())
}
