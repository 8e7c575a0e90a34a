package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	"github.com/dwenderf/membership-system/internal/staging/domain"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/dwenderf/membership-system/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Repo    domain.Repository
	Tenants tenantdomain.Service
}

type writer struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	repo    domain.Repository
	tenants tenantdomain.Service
}

func NewWriter(p Params) domain.Writer {
	return &writer{
		db:      p.DB,
		log:     p.Log.Named("staging.writer"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config,
		repo:    p.Repo,
		tenants: p.Tenants,
	}
}

// StagePayment stages one invoice plus its line items and, when money
// actually changed hands, a payment row, in a single transaction.
func (w *writer) StagePayment(ctx context.Context, ev domain.PaymentCompletedEvent) (domain.StageOutcome, error) {
	tenant, outcome, err := w.activeTenant(ctx)
	if err != nil || outcome != nil {
		return deref(outcome), err
	}

	existing, err := w.repo.FindInvoiceBySource(ctx, w.db, domain.SourcePayment, ev.PaymentID)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("lookup staged invoice: %w", err)
	}
	if existing != nil {
		return domain.StageOutcome{AlreadyStaged: true, InvoiceID: existing.ID}, nil
	}

	now := w.clock.Now()
	paymentID := ev.PaymentID
	invoice := &domain.StagedInvoice{
		ID:             w.genID.Generate(),
		TenantID:       tenant.ID,
		UserID:         ev.UserID,
		PaymentID:      &paymentID,
		DocKind:        domain.DocInvoice,
		SourceKind:     domain.SourcePayment,
		SourceID:       ev.PaymentID,
		TotalAmount:    ev.TotalAmount,
		DiscountAmount: ev.DiscountAmount,
		NetAmount:      ev.FinalAmount,
		Status:         domain.StatusStaged,
		StagedAt:       now,
		StagingMetadata: datatypes.JSONMap{
			"user_id":        ev.UserID.String(),
			"line_items":     metadataLines(ev.LineItems),
			"discount_codes": ev.DiscountCodesUsed,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	lines := make([]domain.StagedLineItem, 0, len(ev.LineItems)+1)
	var sum int64
	for _, item := range ev.LineItems {
		sourceID := item.SourceItemID
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		lines = append(lines, domain.StagedLineItem{
			ID:              w.genID.Generate(),
			StagedInvoiceID: invoice.ID,
			Kind:            domain.LineGoods,
			SourceItemID:    &sourceID,
			Description:     item.Description,
			Quantity:        qty,
			UnitAmount:      item.UnitAmount,
			LineAmount:      item.Amount,
			AccountCode:     w.cfg.Xero.SalesAccountCode,
			CreatedAt:       now,
		})
		sum += item.Amount
	}
	if ev.DiscountAmount > 0 {
		desc := "Discount"
		if len(ev.DiscountCodesUsed) > 0 {
			desc = "Discount (" + strings.Join(ev.DiscountCodesUsed, ", ") + ")"
		}
		lines = append(lines, domain.StagedLineItem{
			ID:              w.genID.Generate(),
			StagedInvoiceID: invoice.ID,
			Kind:            domain.LineDiscount,
			Description:     desc,
			Quantity:        1,
			UnitAmount:      -ev.DiscountAmount,
			LineAmount:      -ev.DiscountAmount,
			AccountCode:     w.cfg.Xero.SalesAccountCode,
			CreatedAt:       now,
		})
		sum -= ev.DiscountAmount
	}
	if sum != ev.FinalAmount {
		return domain.StageOutcome{}, fmt.Errorf("%w: lines=%d net=%d payment=%s",
			domain.ErrLineSumMismatch, sum, ev.FinalAmount, ev.PaymentID)
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.repo.InsertInvoice(ctx, tx, invoice, lines); err != nil {
			return err
		}
		if ev.FinalAmount == 0 {
			return nil
		}
		return w.repo.InsertPayment(ctx, tx, &domain.StagedPayment{
			ID:              w.genID.Generate(),
			StagedInvoiceID: invoice.ID,
			TenantID:        tenant.ID,
			AmountPaid:      ev.FinalAmount,
			AccountCode:     w.cfg.Xero.BankAccountCode,
			Reference:       ev.Reference,
			Status:          domain.StatusStaged,
			StagedAt:        now,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	})
	if err != nil {
		// A concurrent stage of the same payment lost the race, which is
		// the idempotent success case.
		if db.IsDuplicateKeyErr(err) {
			return domain.StageOutcome{AlreadyStaged: true}, nil
		}
		return domain.StageOutcome{}, fmt.Errorf("stage payment %s: %w", ev.PaymentID, err)
	}

	w.log.Info("payment staged",
		zap.String("payment_id", ev.PaymentID.String()),
		zap.Int64("net_amount", ev.FinalAmount),
		zap.Int("line_items", len(lines)),
	)
	return domain.StageOutcome{Staged: true, InvoiceID: invoice.ID}, nil
}

// StageFreeRegistration stages a zero-net invoice with no payment leg.
// Zero-value invoices are submitted as immediately authorized by the
// synchronizer without waiting on any payment fact.
func (w *writer) StageFreeRegistration(ctx context.Context, ev domain.FreeRegistrationEvent) (domain.StageOutcome, error) {
	tenant, outcome, err := w.activeTenant(ctx)
	if err != nil || outcome != nil {
		return deref(outcome), err
	}

	existing, err := w.repo.FindInvoiceBySource(ctx, w.db, domain.SourceRegistration, ev.RecordID)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("lookup staged invoice: %w", err)
	}
	if existing != nil {
		return domain.StageOutcome{AlreadyStaged: true, InvoiceID: existing.ID}, nil
	}

	now := w.clock.Now()
	description := ev.Description
	if description == "" {
		description = "Registration"
	}
	invoice := &domain.StagedInvoice{
		ID:         w.genID.Generate(),
		TenantID:   tenant.ID,
		UserID:     ev.UserID,
		DocKind:    domain.DocInvoice,
		SourceKind: domain.SourceRegistration,
		SourceID:   ev.RecordID,
		Status:     domain.StatusStaged,
		StagedAt:   now,
		StagingMetadata: datatypes.JSONMap{
			"user_id":        ev.UserID.String(),
			"trigger_source": ev.TriggerSource,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	recordID := ev.RecordID
	line := domain.StagedLineItem{
		ID:              w.genID.Generate(),
		StagedInvoiceID: invoice.ID,
		Kind:            domain.LineGoods,
		SourceItemID:    &recordID,
		Description:     description,
		Quantity:        1,
		AccountCode:     w.cfg.Xero.SalesAccountCode,
		CreatedAt:       now,
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return w.repo.InsertInvoice(ctx, tx, invoice, []domain.StagedLineItem{line})
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.StageOutcome{AlreadyStaged: true}, nil
		}
		return domain.StageOutcome{}, fmt.Errorf("stage registration %s: %w", ev.RecordID, err)
	}

	w.log.Info("free registration staged",
		zap.String("record_id", ev.RecordID.String()),
		zap.String("trigger_source", ev.TriggerSource),
	)
	return domain.StageOutcome{Staged: true, InvoiceID: invoice.ID}, nil
}

// StageRefund stages a credit note whose lines proportionally allocate the
// refund across the original invoice's goods lines. The allocation is
// computed now, from the staged lines as they were at payment time, so the
// intent survives later mutation of source tables.
func (w *writer) StageRefund(ctx context.Context, ev domain.RefundCompletedEvent) (domain.StageOutcome, error) {
	tenant, outcome, err := w.activeTenant(ctx)
	if err != nil || outcome != nil {
		return deref(outcome), err
	}

	existing, err := w.repo.FindInvoiceBySource(ctx, w.db, domain.SourceRefund, ev.RefundID)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("lookup staged credit note: %w", err)
	}
	if existing != nil {
		return domain.StageOutcome{AlreadyStaged: true, InvoiceID: existing.ID}, nil
	}

	original, err := w.repo.FindInvoiceByPaymentID(ctx, w.db, ev.PaymentID)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("lookup original invoice: %w", err)
	}
	if original == nil {
		return domain.StageOutcome{}, fmt.Errorf("%w: payment %s", domain.ErrInvoiceNotFound, ev.PaymentID)
	}
	originalLines, err := w.repo.ListLineItems(ctx, w.db, original.ID)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("load original lines: %w", err)
	}
	var goods []domain.StagedLineItem
	for _, l := range originalLines {
		if l.Kind == domain.LineGoods {
			goods = append(goods, l)
		}
	}
	if len(goods) == 0 {
		return domain.StageOutcome{}, fmt.Errorf("%w: invoice %s has no goods lines", domain.ErrMissingMetadata, original.ID)
	}

	weights := make([]int64, len(goods))
	for i, l := range goods {
		weights[i] = l.LineAmount
	}
	shares := allocateProportionally(weights, ev.Amount)

	now := w.clock.Now()
	originalID := original.ID
	note := &domain.StagedInvoice{
		ID:                w.genID.Generate(),
		TenantID:          tenant.ID,
		UserID:            original.UserID,
		OriginalInvoiceID: &originalID,
		DocKind:           domain.DocCreditNote,
		SourceKind:        domain.SourceRefund,
		SourceID:          ev.RefundID,
		TotalAmount:       ev.Amount,
		NetAmount:         ev.Amount,
		Status:            domain.StatusStaged,
		StagedAt:          now,
		StagingMetadata: datatypes.JSONMap{
			"user_id":             original.UserID.String(),
			"payment_id":          ev.PaymentID.String(),
			"original_invoice_id": original.ID.String(),
			"reason":              ev.Reason,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	lines := make([]domain.StagedLineItem, 0, len(goods))
	for i, l := range goods {
		if shares[i] == 0 {
			continue
		}
		sourceID := l.SourceItemID
		lines = append(lines, domain.StagedLineItem{
			ID:              w.genID.Generate(),
			StagedInvoiceID: note.ID,
			Kind:            domain.LineGoods,
			SourceItemID:    sourceID,
			Description:     "Refund: " + l.Description,
			Quantity:        1,
			UnitAmount:      shares[i],
			LineAmount:      shares[i],
			AccountCode:     l.AccountCode,
			CreatedAt:       now,
		})
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return w.repo.InsertInvoice(ctx, tx, note, lines)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.StageOutcome{AlreadyStaged: true}, nil
		}
		return domain.StageOutcome{}, fmt.Errorf("stage refund %s: %w", ev.RefundID, err)
	}

	w.log.Info("refund staged as credit note",
		zap.String("refund_id", ev.RefundID.String()),
		zap.Int64("amount", ev.Amount),
		zap.Int("line_items", len(lines)),
	)
	return domain.StageOutcome{Staged: true, InvoiceID: note.ID}, nil
}

// activeTenant resolves the tenant or, when none is connected, short
// circuits with the success-without-staging outcome. Callers must not
// retry or alarm on a skip.
func (w *writer) activeTenant(ctx context.Context) (*tenantdomain.Tenant, *domain.StageOutcome, error) {
	tenant, err := w.tenants.ActiveTenant(ctx)
	if errors.Is(err, tenantdomain.ErrNoActiveTenant) {
		w.log.Debug("no active tenant, staging skipped")
		return nil, &domain.StageOutcome{Skipped: true}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return tenant, nil, nil
}

func deref(outcome *domain.StageOutcome) domain.StageOutcome {
	if outcome == nil {
		return domain.StageOutcome{}
	}
	return *outcome
}

func metadataLines(items []domain.EventLineItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"source_item_id": item.SourceItemID.String(),
			"description":    item.Description,
			"quantity":       item.Quantity,
			"unit_amount":    item.UnitAmount,
			"amount":         item.Amount,
		})
	}
	return out
}
