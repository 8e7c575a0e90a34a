package xerosync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	"github.com/dwenderf/membership-system/internal/contact"
	"github.com/dwenderf/membership-system/internal/metrics"
	paymentdomain "github.com/dwenderf/membership-system/internal/payment/domain"
	paymentrepo "github.com/dwenderf/membership-system/internal/payment/repository"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	stagingrepo "github.com/dwenderf/membership-system/internal/staging/repository"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/dwenderf/membership-system/internal/xero"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubTenants struct {
	tenant *tenantdomain.Tenant
}

func (s *stubTenants) ActiveTenant(ctx context.Context) (*tenantdomain.Tenant, error) {
	if s.tenant == nil {
		return nil, tenantdomain.ErrNoActiveTenant
	}
	return s.tenant, nil
}

func (s *stubTenants) Credentials(ctx context.Context, tenant *tenantdomain.Tenant) (tenantdomain.Credentials, error) {
	return tenantdomain.Credentials{XeroTenantID: "xt-1", AccessToken: "tok"}, nil
}

func (s *stubTenants) Status(ctx context.Context) tenantdomain.ConnectionStatus {
	return tenantdomain.ConnectionStatus{Connected: s.tenant != nil}
}

type fakeAPI struct {
	invoiceErr error
	invoiceID  string
	invoiceNum string
	paymentErr error
	paymentID  string
	noteErr    error
	noteID     string
	noteNum    string
	allocErr   error

	invoiceCalls int
	paymentCalls int
	noteCalls    int
	allocCalls   int
	lastAlloc    xero.Allocation
}

func (f *fakeAPI) CreateInvoice(ctx context.Context, creds tenantdomain.Credentials, invoice xero.Invoice) (*xero.Invoice, xero.CallRecord, error) {
	f.invoiceCalls++
	record := xero.CallRecord{Request: []byte(`{}`), Response: []byte(`{}`)}
	if f.invoiceErr != nil {
		return nil, record, f.invoiceErr
	}
	return &xero.Invoice{InvoiceID: f.invoiceID, InvoiceNumber: f.invoiceNum}, record, nil
}

func (f *fakeAPI) CreatePayment(ctx context.Context, creds tenantdomain.Credentials, payment xero.Payment) (*xero.Payment, xero.CallRecord, error) {
	f.paymentCalls++
	record := xero.CallRecord{Request: []byte(`{}`), Response: []byte(`{}`)}
	if f.paymentErr != nil {
		return nil, record, f.paymentErr
	}
	return &xero.Payment{PaymentID: f.paymentID}, record, nil
}

func (f *fakeAPI) CreateCreditNote(ctx context.Context, creds tenantdomain.Credentials, note xero.CreditNote) (*xero.CreditNote, xero.CallRecord, error) {
	f.noteCalls++
	record := xero.CallRecord{Request: []byte(`{}`), Response: []byte(`{}`)}
	if f.noteErr != nil {
		return nil, record, f.noteErr
	}
	return &xero.CreditNote{CreditNoteID: f.noteID, CreditNoteNumber: f.noteNum}, record, nil
}

func (f *fakeAPI) AllocateCreditNote(ctx context.Context, creds tenantdomain.Credentials, creditNoteID string, alloc xero.Allocation) (xero.CallRecord, error) {
	f.allocCalls++
	f.lastAlloc = alloc
	return xero.CallRecord{Request: []byte(`{}`), Response: []byte(`{}`)}, f.allocErr
}

type fakeResolver struct {
	result contact.Result
	calls  int
}

func (f *fakeResolver) Resolve(ctx context.Context, creds tenantdomain.Credentials, tenantID, userID snowflake.ID) contact.Result {
	f.calls++
	return f.result
}

func openSyncTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&stagingdomain.StagedInvoice{},
		&stagingdomain.StagedLineItem{},
		&stagingdomain.StagedPayment{},
		&stagingdomain.ContactLink{},
		&stagingdomain.SyncLog{},
	))
	return db
}

func newTestSynchronizer(t *testing.T, db *gorm.DB, api *fakeAPI, resolver *fakeResolver) (*Synchronizer, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewSynchronizer(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Config:   config.Config{},
		API:      api,
		Repo:     stagingrepo.Provide(),
		Payments: paymentrepo.Provide(),
		Tenants:  &stubTenants{tenant: &tenantdomain.Tenant{ID: 1, XeroTenantID: "xt-1", Active: true}},
		Resolver: resolver,
		Metrics:  metrics.NewWith(prometheus.NewRegistry()),
	})
	return s, fc
}

func okResolver() *fakeResolver {
	return &fakeResolver{result: contact.Result{OK: true, ContactID: "c-1"}}
}

func seedPaymentFact(t *testing.T, db *gorm.DB, id snowflake.ID, status paymentdomain.PaymentStatus, amount int64) {
	t.Helper()
	require.NoError(t, db.Create(&paymentdomain.Payment{
		ID:          id,
		UserID:      7,
		Status:      status,
		TotalAmount: amount,
		FinalAmount: amount,
	}).Error)
}

func seedStagedInvoice(t *testing.T, db *gorm.DB, inv *stagingdomain.StagedInvoice, lines []stagingdomain.StagedLineItem) {
	t.Helper()
	if inv.TenantID == 0 {
		inv.TenantID = 1
	}
	if inv.UserID == 0 {
		inv.UserID = 7
	}
	if inv.StagedAt.IsZero() {
		inv.StagedAt = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	}
	require.NoError(t, db.Create(inv).Error)
	for i := range lines {
		lines[i].StagedInvoiceID = inv.ID
		require.NoError(t, db.Create(&lines[i]).Error)
	}
}

func goodsLine(id snowflake.ID, amount int64) stagingdomain.StagedLineItem {
	return stagingdomain.StagedLineItem{
		ID:          id,
		Kind:        stagingdomain.LineGoods,
		Description: "Season registration",
		Quantity:    1,
		UnitAmount:  amount,
		LineAmount:  amount,
		AccountCode: "200",
	}
}

func TestSyncInvoiceSuccess(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceID: "inv-ext-1", invoiceNum: "INV-0001"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedPaymentFact(t, db, 100, paymentdomain.PaymentStatusCompleted, 4000)
	pid := snowflake.ID(100)
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		PaymentID:  &pid,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourcePayment,
		SourceID:   100,
		NetAmount:  4000,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 4000)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesSynced)
	assert.Equal(t, 0, totals.InvoicesFailed)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusSynced, row.Status)
	require.NotNil(t, row.ExternalInvoiceID)
	assert.Equal(t, "inv-ext-1", *row.ExternalInvoiceID)
	require.NotNil(t, row.ExternalInvoiceNumber)
	assert.Equal(t, "INV-0001", *row.ExternalInvoiceNumber)
	require.NotNil(t, row.LastSyncedAt)

	var logs int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM xero_sync_logs WHERE success = ?`, true).Scan(&logs).Error)
	assert.Equal(t, int64(1), logs)
}

func TestInvoiceWaitsForCompletedPayment(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceID: "inv-ext-1"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedPaymentFact(t, db, 100, paymentdomain.PaymentStatusPending, 4000)
	pid := snowflake.ID(100)
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		PaymentID:  &pid,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourcePayment,
		SourceID:   100,
		NetAmount:  4000,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 4000)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Synced())
	assert.Equal(t, 0, totals.Failed())
	assert.Equal(t, 0, api.invoiceCalls)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusStaged, row.Status)
	assert.Nil(t, row.SyncError)
}

func TestZeroNetInvoiceSyncsWithoutPayment(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceID: "inv-ext-2", invoiceNum: "INV-0002"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1001,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourceRegistration,
		SourceID:   300,
		NetAmount:  0,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2001, 0)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesSynced)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1001).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusSynced, row.Status)
}

func TestRateLimitLeavesRowsUntouched(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceErr: &xero.RateLimitedError{RetryAfter: time.Minute}}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	for i, id := range []snowflake.ID{1000, 1001} {
		seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
			ID:         id,
			DocKind:    stagingdomain.DocInvoice,
			SourceKind: stagingdomain.SourceRegistration,
			SourceID:   snowflake.ID(300 + i),
			NetAmount:  0,
			Status:     stagingdomain.StatusStaged,
		}, []stagingdomain.StagedLineItem{goodsLine(snowflake.ID(2000+i), 0)})
	}

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Synced())
	assert.Equal(t, 0, totals.Failed())

	// The batch stops after the first throttled call instead of burning quota.
	assert.Equal(t, 1, api.invoiceCalls)

	var untouched int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM staged_invoices WHERE status = ? AND sync_error IS NULL`,
		stagingdomain.StatusStaged,
	).Scan(&untouched).Error)
	assert.Equal(t, int64(2), untouched)
}

func TestValidationErrorMarksFailed(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceErr: &xero.APIError{
		StatusCode: 400,
		Message:    "A validation exception occurred",
		Validation: []string{"Account code '999' is not valid"},
	}}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourceRegistration,
		SourceID:   300,
		NetAmount:  0,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 0)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesFailed)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusFailed, row.Status)
	require.NotNil(t, row.SyncError)
	assert.Contains(t, *row.SyncError, "not valid")

	var failedLogs int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM xero_sync_logs WHERE success = ?`, false).Scan(&failedLogs).Error)
	assert.Equal(t, int64(1), failedLogs)
}

func TestAmbiguousTransportErrorDefersRow(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceErr: errors.New("dial tcp: i/o timeout")}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourceRegistration,
		SourceID:   300,
		NetAmount:  0,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 0)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Synced())
	assert.Equal(t, 0, totals.Failed())

	// The call may or may not have landed remotely, so the row stays as-is.
	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusStaged, row.Status)
	assert.Nil(t, row.SyncError)
}

func TestPlaceholderExternalIDRejected(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceID: uuid.Nil.String()}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourceRegistration,
		SourceID:   300,
		NetAmount:  0,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 0)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesFailed)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusFailed, row.Status)
}

func TestPaymentWaitsForParentThenSyncs(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceID: "inv-ext-1", invoiceNum: "INV-0001", paymentID: "pay-ext-1"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedPaymentFact(t, db, 100, paymentdomain.PaymentStatusPending, 4000)
	pid := snowflake.ID(100)
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		PaymentID:  &pid,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourcePayment,
		SourceID:   100,
		NetAmount:  4000,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 4000)})
	require.NoError(t, db.Create(&stagingdomain.StagedPayment{
		ID:              3000,
		StagedInvoiceID: 1000,
		TenantID:        1,
		AmountPaid:      4000,
		AccountCode:     "090",
		Reference:       "pi_abc123",
		Status:          stagingdomain.StatusStaged,
		StagedAt:        time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	}).Error)

	// First run: the payment fact is still pending, so neither the invoice
	// nor its payment goes out.
	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Synced())
	assert.Equal(t, 0, api.paymentCalls)

	require.NoError(t, db.Exec(`UPDATE payments SET status = ? WHERE id = ?`,
		paymentdomain.PaymentStatusCompleted, 100).Error)

	// Second run: the invoice syncs first, then the payment follows against
	// the freshly recorded external id.
	totals, err = s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesSynced)
	assert.Equal(t, 1, totals.PaymentsSynced)

	var row stagingdomain.StagedPayment
	require.NoError(t, db.Raw(`SELECT * FROM staged_payments WHERE id = ?`, 3000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusSynced, row.Status)
	require.NotNil(t, row.ExternalPaymentID)
	assert.Equal(t, "pay-ext-1", *row.ExternalPaymentID)
}

func TestPaymentDeferredWhenParentHasPlaceholderID(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{paymentID: "pay-ext-1"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	placeholder := uuid.Nil.String()
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:                1000,
		DocKind:           stagingdomain.DocInvoice,
		SourceKind:        stagingdomain.SourcePayment,
		SourceID:          100,
		NetAmount:         4000,
		Status:            stagingdomain.StatusSynced,
		ExternalInvoiceID: &placeholder,
	}, nil)
	require.NoError(t, db.Create(&stagingdomain.StagedPayment{
		ID:              3000,
		StagedInvoiceID: 1000,
		TenantID:        1,
		AmountPaid:      4000,
		AccountCode:     "090",
		Status:          stagingdomain.StatusStaged,
		StagedAt:        time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	}).Error)

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Synced())
	assert.Equal(t, 0, api.paymentCalls)

	var row stagingdomain.StagedPayment
	require.NoError(t, db.Raw(`SELECT * FROM staged_payments WHERE id = ?`, 3000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusStaged, row.Status)
}

func TestCreditNoteSyncsAndAllocates(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{noteID: "cn-ext-1", noteNum: "CN-0001"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	originalExt := "inv-ext-9"
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:                1000,
		DocKind:           stagingdomain.DocInvoice,
		SourceKind:        stagingdomain.SourcePayment,
		SourceID:          100,
		NetAmount:         3000,
		Status:            stagingdomain.StatusSynced,
		ExternalInvoiceID: &originalExt,
	}, nil)

	originalID := snowflake.ID(1000)
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:                1001,
		OriginalInvoiceID: &originalID,
		DocKind:           stagingdomain.DocCreditNote,
		SourceKind:        stagingdomain.SourceRefund,
		SourceID:          200,
		NetAmount:         333,
		Status:            stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{
		{ID: 2001, Kind: stagingdomain.LineGoods, Description: "Refund: Session A", Quantity: 1, UnitAmount: 111, LineAmount: 111, AccountCode: "200"},
		{ID: 2002, Kind: stagingdomain.LineGoods, Description: "Refund: Session B", Quantity: 1, UnitAmount: 111, LineAmount: 111, AccountCode: "200"},
		{ID: 2003, Kind: stagingdomain.LineGoods, Description: "Refund: Session C", Quantity: 1, UnitAmount: 111, LineAmount: 111, AccountCode: "200"},
	})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesSynced)

	assert.Equal(t, 1, api.allocCalls)
	assert.Equal(t, "inv-ext-9", api.lastAlloc.Invoice.InvoiceID)
	assert.True(t, api.lastAlloc.Amount.Equal(xero.ToAmount(333)))

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1001).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusSynced, row.Status)
	require.NotNil(t, row.ExternalInvoiceID)
	assert.Equal(t, "cn-ext-1", *row.ExternalInvoiceID)
}

func TestCreditNoteStaysSyncedWhenAllocationFails(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{noteID: "cn-ext-1", allocErr: &xero.APIError{StatusCode: 400, Message: "already fully allocated"}}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	originalExt := "inv-ext-9"
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:                1000,
		DocKind:           stagingdomain.DocInvoice,
		SourceKind:        stagingdomain.SourcePayment,
		SourceID:          100,
		NetAmount:         3000,
		Status:            stagingdomain.StatusSynced,
		ExternalInvoiceID: &originalExt,
	}, nil)

	originalID := snowflake.ID(1000)
	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:                1001,
		OriginalInvoiceID: &originalID,
		DocKind:           stagingdomain.DocCreditNote,
		SourceKind:        stagingdomain.SourceRefund,
		SourceID:          200,
		NetAmount:         500,
		Status:            stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2001, 500)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesSynced)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1001).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusSynced, row.Status)

	// The failed allocation is recorded for audit but does not fail the row.
	var failedLogs int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM xero_sync_logs WHERE operation = ? AND success = ?`,
		"credit_note.allocate", false,
	).Scan(&failedLogs).Error)
	assert.Equal(t, int64(1), failedLogs)
}

func TestInvoiceWithoutLinesIsUnrecoverable(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{invoiceID: "inv-ext-1"}
	s, _ := newTestSynchronizer(t, db, api, okResolver())

	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourceRegistration,
		SourceID:   300,
		NetAmount:  0,
		Status:     stagingdomain.StatusStaged,
	}, nil)

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.InvoicesFailed)
	assert.Equal(t, 0, api.invoiceCalls)

	var row stagingdomain.StagedInvoice
	require.NoError(t, db.Raw(`SELECT * FROM staged_invoices WHERE id = ?`, 1000).Scan(&row).Error)
	assert.Equal(t, stagingdomain.StatusUnrecoverable, row.Status)
}

func TestSyncWithoutTenantIsNoOp(t *testing.T) {
	db := openSyncTestDB(t)
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, db, api, okResolver())
	s.tenants = &stubTenants{}

	seedStagedInvoice(t, db, &stagingdomain.StagedInvoice{
		ID:         1000,
		DocKind:    stagingdomain.DocInvoice,
		SourceKind: stagingdomain.SourceRegistration,
		SourceID:   300,
		NetAmount:  0,
		Status:     stagingdomain.StatusStaged,
	}, []stagingdomain.StagedLineItem{goodsLine(2000, 0)})

	totals, err := s.SyncAllPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Synced())
	assert.Equal(t, 0, api.invoiceCalls)
}
