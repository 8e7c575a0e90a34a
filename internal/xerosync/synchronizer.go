// Package xerosync pushes staged invoices, payments and credit notes to the
// external accounting system, one row at a time, recording external ids on
// success and failure reasons otherwise.
package xerosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	"github.com/dwenderf/membership-system/internal/contact"
	"github.com/dwenderf/membership-system/internal/metrics"
	paymentdomain "github.com/dwenderf/membership-system/internal/payment/domain"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/dwenderf/membership-system/internal/xero"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome classifies what happened to a single row. Deferred rows are left
// untouched and retried on a later run.
type Outcome int

const (
	OutcomeDeferred Outcome = iota
	OutcomeSynced
	OutcomeFailed
)

// Totals aggregates one batch run.
type Totals struct {
	InvoicesSynced int `json:"invoices_synced"`
	InvoicesFailed int `json:"invoices_failed"`
	PaymentsSynced int `json:"payments_synced"`
	PaymentsFailed int `json:"payments_failed"`
}

func (t Totals) Synced() int { return t.InvoicesSynced + t.PaymentsSynced }
func (t Totals) Failed() int { return t.InvoicesFailed + t.PaymentsFailed }

// API is the slice of the accounting client the synchronizer needs.
type API interface {
	CreateInvoice(ctx context.Context, creds tenantdomain.Credentials, invoice xero.Invoice) (*xero.Invoice, xero.CallRecord, error)
	CreatePayment(ctx context.Context, creds tenantdomain.Credentials, payment xero.Payment) (*xero.Payment, xero.CallRecord, error)
	CreateCreditNote(ctx context.Context, creds tenantdomain.Credentials, note xero.CreditNote) (*xero.CreditNote, xero.CallRecord, error)
	AllocateCreditNote(ctx context.Context, creds tenantdomain.Credentials, creditNoteID string, alloc xero.Allocation) (xero.CallRecord, error)
}

// Resolver is implemented by the contact resolver.
type Resolver interface {
	Resolve(ctx context.Context, creds tenantdomain.Credentials, tenantID, userID snowflake.ID) contact.Result
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	API      API
	Repo     stagingdomain.Repository
	Payments paymentdomain.Repository
	Tenants  tenantdomain.Service
	Resolver Resolver
	Metrics  *metrics.Metrics
}

type Synchronizer struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	api      API
	repo     stagingdomain.Repository
	payments paymentdomain.Repository
	tenants  tenantdomain.Service
	resolver Resolver
	metrics  *metrics.Metrics

	// rateLimitHit stops the current batch early once the external API
	// throttles us. Runs are serialized by the coordinator, so a plain
	// bool is enough.
	rateLimitHit bool
}

func NewSynchronizer(p Params) *Synchronizer {
	return &Synchronizer{
		db:       p.DB,
		log:      p.Log.Named("xerosync"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		api:      p.API,
		repo:     p.Repo,
		payments: p.Payments,
		tenants:  p.Tenants,
		resolver: p.Resolver,
		metrics:  p.Metrics,
	}
}

var syncable = []stagingdomain.SyncStatus{stagingdomain.StatusPending, stagingdomain.StatusStaged}

// SyncAllPending pushes every syncable invoice, then every syncable
// payment, up to the batch size. Invoices always precede payments so a
// payment's parent can reach synced within the same run. One row's failure
// never aborts the batch; a rate limit ends the run early since further
// calls would only burn the quota.
func (s *Synchronizer) SyncAllPending(ctx context.Context, batchSize int) (Totals, error) {
	var totals Totals
	s.rateLimitHit = false

	tenant, err := s.tenants.ActiveTenant(ctx)
	if errors.Is(err, tenantdomain.ErrNoActiveTenant) {
		s.log.Debug("no active tenant, nothing to sync")
		return totals, nil
	}
	if err != nil {
		return totals, err
	}
	creds, err := s.tenants.Credentials(ctx, tenant)
	if err != nil {
		// Connectivity is a transient external condition. Rows stay
		// untouched for the next run.
		s.log.Warn("credentials unavailable, sync skipped", zap.Error(err))
		return totals, err
	}

	invoices, err := s.repo.ListInvoicesByStatus(ctx, s.db, syncable, batchSize)
	if err != nil {
		return totals, fmt.Errorf("list syncable invoices: %w", err)
	}
	rateLimited := false
	for i := range invoices {
		inv := invoices[i]
		outcome := s.syncRow(ctx, "invoice", inv.ID, func() Outcome {
			return s.SyncInvoice(ctx, creds, &inv)
		})
		switch outcome {
		case OutcomeSynced:
			totals.InvoicesSynced++
		case OutcomeFailed:
			totals.InvoicesFailed++
		}
		if s.rateLimitHit {
			rateLimited = true
			break
		}
		s.pace(ctx)
	}

	if !rateLimited {
		payments, err := s.repo.ListPaymentsByStatus(ctx, s.db, syncable, batchSize)
		if err != nil {
			return totals, fmt.Errorf("list syncable payments: %w", err)
		}
		for i := range payments {
			p := payments[i]
			outcome := s.syncRow(ctx, "payment", p.ID, func() Outcome {
				return s.SyncPayment(ctx, creds, &p)
			})
			switch outcome {
			case OutcomeSynced:
				totals.PaymentsSynced++
			case OutcomeFailed:
				totals.PaymentsFailed++
			}
			if s.rateLimitHit {
				break
			}
			s.pace(ctx)
		}
	}

	s.log.Info("sync run finished",
		zap.Int("invoices_synced", totals.InvoicesSynced),
		zap.Int("invoices_failed", totals.InvoicesFailed),
		zap.Int("payments_synced", totals.PaymentsSynced),
		zap.Int("payments_failed", totals.PaymentsFailed),
	)
	return totals, nil
}

// SyncInvoice pushes one staged invoice or credit note.
func (s *Synchronizer) SyncInvoice(ctx context.Context, creds tenantdomain.Credentials, inv *stagingdomain.StagedInvoice) Outcome {
	s.metrics.IncAttempt("invoice")

	if inv.DocKind == stagingdomain.DocCreditNote {
		return s.SyncCreditNote(ctx, creds, inv)
	}

	lines, err := s.repo.ListLineItems(ctx, s.db, inv.ID)
	if err != nil {
		s.log.Error("load line items", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
		return OutcomeDeferred
	}
	if len(lines) == 0 {
		// Without staged lines the payload can never be built. Manual data
		// correction is the only way out.
		s.markUnrecoverable(ctx, inv.ID, "staged invoice has no line items")
		return OutcomeFailed
	}

	// A non-zero invoice waits for its local payment fact to complete.
	// Zero-net invoices (free registrations) go out immediately.
	if inv.NetAmount != 0 {
		if inv.PaymentID == nil {
			s.markFailed(ctx, inv, "non-zero invoice has no linked payment")
			return OutcomeFailed
		}
		payment, err := s.payments.FindByID(ctx, s.db, *inv.PaymentID)
		if err != nil {
			s.log.Error("load payment fact", zap.Error(err))
			return OutcomeDeferred
		}
		if payment == nil {
			s.markFailed(ctx, inv, fmt.Sprintf("linked payment %s not found", *inv.PaymentID))
			return OutcomeFailed
		}
		if payment.Status != paymentdomain.PaymentStatusCompleted {
			return OutcomeDeferred
		}
	}

	res := s.resolver.Resolve(ctx, creds, inv.TenantID, inv.UserID)
	if res.RateLimited {
		s.noteRateLimit("invoice", inv.ID)
		return OutcomeDeferred
	}
	if !res.OK {
		s.markFailed(ctx, inv, fmt.Sprintf("contact resolution failed: %v", res.Err))
		return OutcomeFailed
	}

	now := s.clock.Now()
	payload := xero.Invoice{
		Type:            "ACCREC",
		Contact:         xero.Contact{ContactID: res.ContactID},
		Date:            xero.DateString(inv.StagedAt),
		DueDate:         xero.DateString(inv.StagedAt),
		LineItems:       toXeroLines(lines),
		LineAmountTypes: "NoTax",
		Reference:       inv.ID.String(),
		Status:          "AUTHORISED",
	}

	created, record, err := s.api.CreateInvoice(ctx, creds, payload)
	if err != nil {
		return s.handleSubmitErr(ctx, "invoice.create", "staged_invoice", inv.TenantID, inv.ID, record, err, func(reason string) {
			s.markFailed(ctx, inv, reason)
		})
	}
	if created.InvoiceID == "" || stagingdomain.IsPlaceholderExternalID(created.InvoiceID) {
		s.markFailed(ctx, inv, "external system returned no invoice id")
		return OutcomeFailed
	}

	if err := s.repo.MarkInvoiceSynced(ctx, s.db, inv.ID, created.InvoiceID, created.InvoiceNumber, now); err != nil {
		s.log.Error("mark invoice synced", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
		return OutcomeDeferred
	}
	s.writeLog(ctx, inv.TenantID, "invoice.create", "staged_invoice", inv.ID, &created.InvoiceID, true, nil, record)
	s.metrics.IncSynced("invoice")
	s.log.Info("invoice synced",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("external_id", created.InvoiceID),
		zap.String("external_number", created.InvoiceNumber),
	)
	return OutcomeSynced
}

// SyncPayment pushes one staged payment. The parent invoice must already be
// synced with a real external id; otherwise the row is left for a later run.
func (s *Synchronizer) SyncPayment(ctx context.Context, creds tenantdomain.Credentials, p *stagingdomain.StagedPayment) Outcome {
	s.metrics.IncAttempt("payment")

	parent, err := s.repo.FindInvoiceByID(ctx, s.db, p.StagedInvoiceID)
	if err != nil {
		s.log.Error("load parent invoice", zap.Error(err))
		return OutcomeDeferred
	}
	if parent == nil {
		s.markPaymentFailed(ctx, p, fmt.Sprintf("parent invoice %s not found", p.StagedInvoiceID))
		return OutcomeFailed
	}
	if parent.Status != stagingdomain.StatusSynced ||
		parent.ExternalInvoiceID == nil ||
		stagingdomain.IsPlaceholderExternalID(*parent.ExternalInvoiceID) {
		return OutcomeDeferred
	}

	now := s.clock.Now()
	payload := xero.Payment{
		Invoice:   xero.InvoiceRef{InvoiceID: *parent.ExternalInvoiceID},
		Account:   xero.AccountRef{Code: p.AccountCode},
		Date:      xero.DateString(p.StagedAt),
		Amount:    xero.ToAmount(p.AmountPaid),
		Reference: p.Reference,
	}

	created, record, err := s.api.CreatePayment(ctx, creds, payload)
	if err != nil {
		return s.handleSubmitErr(ctx, "payment.create", "staged_payment", p.TenantID, p.ID, record, err, func(reason string) {
			s.markPaymentFailed(ctx, p, reason)
		})
	}

	if err := s.repo.MarkPaymentSynced(ctx, s.db, p.ID, created.PaymentID, now); err != nil {
		s.log.Error("mark payment synced", zap.String("payment_id", p.ID.String()), zap.Error(err))
		return OutcomeDeferred
	}
	s.writeLog(ctx, p.TenantID, "payment.create", "staged_payment", p.ID, &created.PaymentID, true, nil, record)
	s.metrics.IncSynced("payment")
	s.log.Info("payment synced",
		zap.String("payment_id", p.ID.String()),
		zap.String("external_id", created.PaymentID),
	)
	return OutcomeSynced
}

// SyncCreditNote pushes one staged credit note and, when the original
// invoice's external id is known, allocates the credit against it.
func (s *Synchronizer) SyncCreditNote(ctx context.Context, creds tenantdomain.Credentials, note *stagingdomain.StagedInvoice) Outcome {
	lines, err := s.repo.ListLineItems(ctx, s.db, note.ID)
	if err != nil {
		s.log.Error("load credit note lines", zap.Error(err))
		return OutcomeDeferred
	}
	if len(lines) == 0 {
		s.markUnrecoverable(ctx, note.ID, "staged credit note has no line items")
		return OutcomeFailed
	}

	res := s.resolver.Resolve(ctx, creds, note.TenantID, note.UserID)
	if res.RateLimited {
		s.noteRateLimit("credit_note", note.ID)
		return OutcomeDeferred
	}
	if !res.OK {
		s.markFailed(ctx, note, fmt.Sprintf("contact resolution failed: %v", res.Err))
		return OutcomeFailed
	}

	var original *stagingdomain.StagedInvoice
	if note.OriginalInvoiceID != nil {
		original, err = s.repo.FindInvoiceByID(ctx, s.db, *note.OriginalInvoiceID)
		if err != nil {
			s.log.Error("load original invoice", zap.Error(err))
			return OutcomeDeferred
		}
	}

	now := s.clock.Now()
	payload := xero.CreditNote{
		Type:      "ACCRECCREDIT",
		Contact:   xero.Contact{ContactID: res.ContactID},
		Date:      xero.DateString(note.StagedAt),
		LineItems: toXeroLines(lines),
		Reference: note.ID.String(),
		Status:    "AUTHORISED",
	}

	created, record, err := s.api.CreateCreditNote(ctx, creds, payload)
	if err != nil {
		return s.handleSubmitErr(ctx, "credit_note.create", "staged_invoice", note.TenantID, note.ID, record, err, func(reason string) {
			s.markFailed(ctx, note, reason)
		})
	}

	if err := s.repo.MarkInvoiceSynced(ctx, s.db, note.ID, created.CreditNoteID, created.CreditNoteNumber, now); err != nil {
		s.log.Error("mark credit note synced", zap.Error(err))
		return OutcomeDeferred
	}
	s.writeLog(ctx, note.TenantID, "credit_note.create", "staged_invoice", note.ID, &created.CreditNoteID, true, nil, record)
	s.metrics.IncSynced("credit_note")

	if original != nil && original.ExternalInvoiceID != nil &&
		!stagingdomain.IsPlaceholderExternalID(*original.ExternalInvoiceID) {
		alloc := xero.Allocation{
			Invoice: xero.InvoiceRef{InvoiceID: *original.ExternalInvoiceID},
			Amount:  xero.ToAmount(note.NetAmount),
			Date:    xero.DateString(now),
		}
		allocRecord, err := s.api.AllocateCreditNote(ctx, creds, created.CreditNoteID, alloc)
		if err != nil {
			// The credit note exists externally; a failed allocation is an
			// audit concern, not a sync failure.
			msg := err.Error()
			s.writeLog(ctx, note.TenantID, "credit_note.allocate", "staged_invoice", note.ID, &created.CreditNoteID, false, &msg, allocRecord)
			s.log.Warn("credit note allocation failed",
				zap.String("credit_note_id", created.CreditNoteID),
				zap.Error(err),
			)
		} else {
			s.writeLog(ctx, note.TenantID, "credit_note.allocate", "staged_invoice", note.ID, &created.CreditNoteID, true, nil, allocRecord)
		}
	}

	s.log.Info("credit note synced",
		zap.String("staged_id", note.ID.String()),
		zap.String("external_id", created.CreditNoteID),
	)
	return OutcomeSynced
}

func (s *Synchronizer) handleSubmitErr(ctx context.Context, op, entity string, tenantID, id snowflake.ID, record xero.CallRecord, err error, markFailed func(string)) Outcome {
	if xero.IsRateLimited(err) {
		s.noteRateLimit(entity, id)
		return OutcomeDeferred
	}
	var apiErr *xero.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Error()
		markFailed(msg)
		s.writeLog(ctx, tenantID, op, entity, id, nil, false, &msg, record)
		return OutcomeFailed
	}
	// Transport error or timeout. The call's actual effect is unknown, so
	// the row stays untouched.
	s.log.Warn("external call failed ambiguously, row left for retry",
		zap.String("operation", op),
		zap.String("entity_id", id.String()),
		zap.Error(err),
	)
	return OutcomeDeferred
}

func (s *Synchronizer) markFailed(ctx context.Context, inv *stagingdomain.StagedInvoice, reason string) {
	s.metrics.IncFailed(string(inv.DocKind))
	if err := s.repo.MarkInvoiceFailed(ctx, s.db, inv.ID, reason, s.clock.Now()); err != nil {
		s.log.Error("mark invoice failed", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
	}
}

func (s *Synchronizer) markPaymentFailed(ctx context.Context, p *stagingdomain.StagedPayment, reason string) {
	s.metrics.IncFailed("payment")
	if err := s.repo.MarkPaymentFailed(ctx, s.db, p.ID, reason, s.clock.Now()); err != nil {
		s.log.Error("mark payment failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
	}
}

func (s *Synchronizer) markUnrecoverable(ctx context.Context, id snowflake.ID, reason string) {
	if err := s.repo.MarkInvoiceUnrecoverable(ctx, s.db, id, reason, s.clock.Now()); err != nil {
		s.log.Error("mark invoice unrecoverable", zap.String("invoice_id", id.String()), zap.Error(err))
	}
	s.log.Error("staged row unrecoverable, manual correction required",
		zap.String("invoice_id", id.String()),
		zap.String("reason", reason),
	)
}

func (s *Synchronizer) writeLog(ctx context.Context, tenantID snowflake.ID, op, entity string, id snowflake.ID, externalID *string, success bool, errMsg *string, record xero.CallRecord) {
	entry := &stagingdomain.SyncLog{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		Operation:  op,
		EntityType: entity,
		EntityID:   id,
		ExternalID: externalID,
		Success:    success,
		Error:      errMsg,
		Request:    datatypes.JSON(record.Request),
		Response:   datatypes.JSON(record.Response),
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.InsertSyncLog(ctx, s.db, entry); err != nil {
		s.log.Error("write sync log", zap.Error(err))
	}
}

func (s *Synchronizer) noteRateLimit(entity string, id snowflake.ID) {
	s.rateLimitHit = true
	s.metrics.IncRateLimited()
	s.log.Warn("rate limited by external api, row left untouched",
		zap.String("entity", entity),
		zap.String("entity_id", id.String()),
	)
}

// syncRow isolates one row: a panic in row processing is logged and counted
// as no outcome rather than crashing the scheduler loop.
func (s *Synchronizer) syncRow(ctx context.Context, entity string, id snowflake.ID, fn func() Outcome) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic while syncing row",
				zap.String("entity", entity),
				zap.String("entity_id", id.String()),
				zap.Any("panic", rec),
			)
			outcome = OutcomeDeferred
		}
	}()
	return fn()
}

// pace inserts the fixed delay between external calls inside a run.
func (s *Synchronizer) pace(ctx context.Context) {
	if s.cfg.Scheduler.CallPacing <= 0 {
		return
	}
	timer := time.NewTimer(s.cfg.Scheduler.CallPacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func toXeroLines(lines []stagingdomain.StagedLineItem) []xero.LineItem {
	out := make([]xero.LineItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, xero.LineItem{
			Description: l.Description,
			Quantity:    decimal.NewFromInt(l.Quantity),
			UnitAmount:  xero.ToAmount(l.UnitAmount),
			LineAmount:  xero.ToAmount(l.LineAmount),
			AccountCode: l.AccountCode,
		})
	}
	return out
}
