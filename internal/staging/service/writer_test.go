package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	"github.com/dwenderf/membership-system/internal/staging/domain"
	"github.com/dwenderf/membership-system/internal/staging/repository"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubTenants struct {
	tenant *tenantdomain.Tenant
	creds  tenantdomain.Credentials
	err    error
}

func (s *stubTenants) ActiveTenant(ctx context.Context) (*tenantdomain.Tenant, error) {
	if s.tenant == nil {
		return nil, tenantdomain.ErrNoActiveTenant
	}
	return s.tenant, nil
}

func (s *stubTenants) Credentials(ctx context.Context, tenant *tenantdomain.Tenant) (tenantdomain.Credentials, error) {
	return s.creds, s.err
}

func (s *stubTenants) Status(ctx context.Context) tenantdomain.ConnectionStatus {
	return tenantdomain.ConnectionStatus{Connected: s.tenant != nil}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&domain.StagedInvoice{},
		&domain.StagedLineItem{},
		&domain.StagedPayment{},
		&domain.ContactLink{},
		&domain.SyncLog{},
	))
	return db
}

func newTestWriter(t *testing.T, db *gorm.DB, tenants tenantdomain.Service) (domain.Writer, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	w := NewWriter(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fc,
		Config:  config.Config{Xero: config.XeroConfig{BankAccountCode: "090", SalesAccountCode: "200"}},
		Repo:    repository.Provide(),
		Tenants: tenants,
	})
	return w, fc
}

func activeTenant() *tenantdomain.Tenant {
	return &tenantdomain.Tenant{ID: 1, XeroTenantID: "xt-1", Name: "Test Org", Active: true}
}

func paidRegistration() domain.PaymentCompletedEvent {
	return domain.PaymentCompletedEvent{
		PaymentID:      100,
		UserID:         7,
		TotalAmount:    5000,
		DiscountAmount: 1000,
		FinalAmount:    4000,
		LineItems: []domain.EventLineItem{
			{SourceItemID: 55, Description: "Season registration", Quantity: 1, UnitAmount: 5000, Amount: 5000},
		},
		DiscountCodesUsed: []string{"SAVE10"},
		Reference:         "pi_abc123",
	}
}

func TestStagePaymentWithDiscount(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{tenant: activeTenant()})

	outcome, err := w.StagePayment(context.Background(), paidRegistration())
	require.NoError(t, err)
	assert.True(t, outcome.Staged)

	var invoice domain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices`).Scan(&invoice).Error)
	assert.Equal(t, int64(5000), invoice.TotalAmount)
	assert.Equal(t, int64(1000), invoice.DiscountAmount)
	assert.Equal(t, int64(4000), invoice.NetAmount)
	assert.Equal(t, domain.StatusStaged, invoice.Status)
	assert.Equal(t, domain.DocInvoice, invoice.DocKind)
	assert.Nil(t, invoice.ExternalInvoiceID)

	var lines []domain.StagedLineItem
	require.NoError(t, db.Raw(`SELECT * FROM staged_line_items ORDER BY id`).Scan(&lines).Error)
	require.Len(t, lines, 2)
	assert.Equal(t, domain.LineGoods, lines[0].Kind)
	assert.Equal(t, int64(5000), lines[0].LineAmount)
	assert.Equal(t, domain.LineDiscount, lines[1].Kind)
	assert.Equal(t, int64(-1000), lines[1].LineAmount)
	assert.Equal(t, "Discount (SAVE10)", lines[1].Description)

	// Sum of line amounts equals the net amount exactly.
	var sum int64
	for _, l := range lines {
		sum += l.LineAmount
	}
	assert.Equal(t, invoice.NetAmount, sum)

	var payment domain.StagedPayment
	require.NoError(t, db.Raw(`SELECT * FROM staged_payments`).Scan(&payment).Error)
	assert.Equal(t, invoice.ID, payment.StagedInvoiceID)
	assert.Equal(t, int64(4000), payment.AmountPaid)
	assert.Equal(t, "090", payment.AccountCode)
	assert.Equal(t, "pi_abc123", payment.Reference)
	assert.Equal(t, domain.StatusStaged, payment.Status)
}

func TestStagePaymentIdempotent(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{tenant: activeTenant()})
	ctx := context.Background()

	first, err := w.StagePayment(ctx, paidRegistration())
	require.NoError(t, err)
	assert.True(t, first.Staged)

	second, err := w.StagePayment(ctx, paidRegistration())
	require.NoError(t, err)
	assert.True(t, second.AlreadyStaged)
	assert.Equal(t, first.InvoiceID, second.InvoiceID)

	var invoices, payments int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM staged_invoices`).Scan(&invoices).Error)
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM staged_payments`).Scan(&payments).Error)
	assert.Equal(t, int64(1), invoices)
	assert.Equal(t, int64(1), payments)
}

func TestStagePaymentNoTenantIsSuccessWithoutStaging(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{})

	outcome, err := w.StagePayment(context.Background(), paidRegistration())
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.False(t, outcome.Staged)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM staged_invoices`).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestStagePaymentLineSumMismatch(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{tenant: activeTenant()})

	ev := paidRegistration()
	ev.LineItems[0].Amount = 4500

	_, err := w.StagePayment(context.Background(), ev)
	require.ErrorIs(t, err, domain.ErrLineSumMismatch)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM staged_invoices`).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestStageFreeRegistrationHasNoPaymentLeg(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{tenant: activeTenant()})
	ctx := context.Background()

	outcome, err := w.StageFreeRegistration(ctx, domain.FreeRegistrationEvent{
		UserID:        7,
		RecordID:      300,
		Description:   "Volunteer registration",
		TriggerSource: "admin",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Staged)

	var invoice domain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices`).Scan(&invoice).Error)
	assert.Equal(t, int64(0), invoice.NetAmount)
	assert.Equal(t, domain.SourceRegistration, invoice.SourceKind)
	assert.Nil(t, invoice.PaymentID)

	var payments int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM staged_payments`).Scan(&payments).Error)
	assert.Equal(t, int64(0), payments)

	// Staging again is a no-op.
	again, err := w.StageFreeRegistration(ctx, domain.FreeRegistrationEvent{UserID: 7, RecordID: 300})
	require.NoError(t, err)
	assert.True(t, again.AlreadyStaged)
}

func TestStageRefundAllocatesExactly(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{tenant: activeTenant()})
	ctx := context.Background()

	ev := domain.PaymentCompletedEvent{
		PaymentID:   100,
		UserID:      7,
		TotalAmount: 3000,
		FinalAmount: 3000,
		LineItems: []domain.EventLineItem{
			{SourceItemID: 1, Description: "Session A", Quantity: 1, UnitAmount: 1000, Amount: 1000},
			{SourceItemID: 2, Description: "Session B", Quantity: 1, UnitAmount: 1000, Amount: 1000},
			{SourceItemID: 3, Description: "Session C", Quantity: 1, UnitAmount: 1000, Amount: 1000},
		},
		Reference: "pi_refundable",
	}
	_, err := w.StagePayment(ctx, ev)
	require.NoError(t, err)

	outcome, err := w.StageRefund(ctx, domain.RefundCompletedEvent{
		RefundID:  200,
		PaymentID: 100,
		Amount:    333,
		Reason:    "duplicate registration",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Staged)

	var note domain.StagedInvoice
	require.NoError(t, db.Raw(
		`SELECT * FROM staged_invoices WHERE doc_kind = ?`, domain.DocCreditNote,
	).Scan(&note).Error)
	assert.Equal(t, int64(333), note.NetAmount)
	assert.Equal(t, domain.SourceRefund, note.SourceKind)
	require.NotNil(t, note.OriginalInvoiceID)

	var lines []domain.StagedLineItem
	require.NoError(t, db.Raw(
		`SELECT * FROM staged_line_items WHERE staged_invoice_id = ? ORDER BY id`, note.ID,
	).Scan(&lines).Error)
	require.Len(t, lines, 3)
	var sum int64
	for _, l := range lines {
		sum += l.LineAmount
	}
	assert.Equal(t, int64(333), sum)

	// Second refund event for the same refund id stays a no-op.
	again, err := w.StageRefund(ctx, domain.RefundCompletedEvent{RefundID: 200, PaymentID: 100, Amount: 333})
	require.NoError(t, err)
	assert.True(t, again.AlreadyStaged)
}

func TestStageRefundWithoutOriginalInvoice(t *testing.T) {
	db := openTestDB(t)
	w, _ := newTestWriter(t, db, &stubTenants{tenant: activeTenant()})

	_, err := w.StageRefund(context.Background(), domain.RefundCompletedEvent{
		RefundID:  201,
		PaymentID: 999,
		Amount:    500,
	})
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}
