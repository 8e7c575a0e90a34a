package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Staged invoices.
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *StagedInvoice, lines []StagedLineItem) error
	FindInvoiceByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*StagedInvoice, error)
	FindInvoiceBySource(ctx context.Context, db *gorm.DB, kind SourceKind, sourceID snowflake.ID) (*StagedInvoice, error)
	FindInvoiceByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*StagedInvoice, error)
	ListInvoicesByStatus(ctx context.Context, db *gorm.DB, statuses []SyncStatus, limit int) ([]StagedInvoice, error)
	ListLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]StagedLineItem, error)
	MarkInvoiceSynced(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID, externalNumber string, at time.Time) error
	MarkInvoiceFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
	MarkInvoiceUnrecoverable(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
	PromoteDraftInvoices(ctx context.Context, db *gorm.DB, limit int, at time.Time) (int64, error)
	ResetFailedInvoices(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error)
	DeleteSyncedInvoicesBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)

	// Staged payments.
	InsertPayment(ctx context.Context, db *gorm.DB, payment *StagedPayment) error
	ListPaymentsByStatus(ctx context.Context, db *gorm.DB, statuses []SyncStatus, limit int) ([]StagedPayment, error)
	MarkPaymentSynced(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string, at time.Time) error
	MarkPaymentFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
	ResetFailedPayments(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error)
	DeleteSyncedPaymentsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)

	// Aggregates for the admin surface and the coordinator's pre-count.
	CountSyncable(ctx context.Context, db *gorm.DB) (int64, error)
	Stats(ctx context.Context, db *gorm.DB, since time.Time) (SyncStats, error)

	// Contact links.
	FindContactLink(ctx context.Context, db *gorm.DB, userID, tenantID snowflake.ID) (*ContactLink, error)
	SaveContactLink(ctx context.Context, db *gorm.DB, link *ContactLink) error

	// Sync logs.
	InsertSyncLog(ctx context.Context, db *gorm.DB, entry *SyncLog) error
	ListSyncLogs(ctx context.Context, db *gorm.DB, since time.Time, offset, limit int) ([]SyncLog, int64, error)
	DeleteSyncLogsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
