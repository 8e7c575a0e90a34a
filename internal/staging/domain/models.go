// Package domain defines the staged-sync data model: durable local rows
// describing what must eventually exist in the external accounting system,
// written before any external call is made.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SyncStatus string

const (
	// StatusDraft marks invoices created ahead of payment confirmation.
	// Drafts are invisible to batch sync until promoted to pending.
	StatusDraft   SyncStatus = "draft"
	StatusPending SyncStatus = "pending"
	StatusStaged  SyncStatus = "staged"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
	// StatusUnrecoverable marks rows whose staging metadata is permanently
	// missing. They cannot be retried and need manual data correction.
	StatusUnrecoverable SyncStatus = "unrecoverable"
)

type DocKind string

const (
	DocInvoice    DocKind = "invoice"
	DocCreditNote DocKind = "credit_note"
)

type SourceKind string

const (
	SourcePayment      SourceKind = "payment"
	SourceRegistration SourceKind = "registration"
	SourceRefund       SourceKind = "refund"
)

type LineKind string

const (
	LineGoods    LineKind = "goods"
	LineDiscount LineKind = "discount"
)

// StagedInvoice is the write-ahead record for one external invoice or
// credit note. All amounts are integer minor currency units.
type StagedInvoice struct {
	ID                    snowflake.ID  `gorm:"primaryKey"`
	TenantID              snowflake.ID  `gorm:"not null;index"`
	UserID                snowflake.ID  `gorm:"not null;index"`
	PaymentID             *snowflake.ID `gorm:"index"`
	OriginalInvoiceID     *snowflake.ID
	DocKind               DocKind      `gorm:"not null;default:invoice"`
	SourceKind            SourceKind   `gorm:"not null;uniqueIndex:ux_staged_invoices_source"`
	SourceID              snowflake.ID `gorm:"not null;uniqueIndex:ux_staged_invoices_source"`
	TotalAmount           int64        `gorm:"not null"`
	DiscountAmount        int64        `gorm:"not null"`
	NetAmount             int64        `gorm:"not null"`
	Status                SyncStatus   `gorm:"not null;index"`
	StagedAt              time.Time    `gorm:"not null"`
	LastSyncedAt          *time.Time
	SyncError             *string
	StagingMetadata       datatypes.JSONMap
	ExternalInvoiceID     *string
	ExternalInvoiceNumber *string
	CreatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	LineItems []StagedLineItem `gorm:"-"`
}

func (StagedInvoice) TableName() string { return "staged_invoices" }

type StagedLineItem struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	StagedInvoiceID snowflake.ID  `gorm:"not null;index"`
	Kind            LineKind      `gorm:"not null"`
	SourceItemID    *snowflake.ID
	Description     string        `gorm:"not null"`
	Quantity        int64         `gorm:"not null;default:1"`
	UnitAmount      int64         `gorm:"not null"`
	LineAmount      int64         `gorm:"not null"`
	AccountCode     string        `gorm:"not null"`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (StagedLineItem) TableName() string { return "staged_line_items" }

// StagedPayment records money received against a staged invoice. It never
// syncs before its parent invoice holds a confirmed external id.
type StagedPayment struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	StagedInvoiceID   snowflake.ID `gorm:"not null;index"`
	TenantID          snowflake.ID `gorm:"not null;index"`
	AmountPaid        int64        `gorm:"not null"`
	AccountCode       string       `gorm:"not null"`
	Reference         string       `gorm:"not null"`
	Status            SyncStatus   `gorm:"not null;index"`
	StagedAt          time.Time    `gorm:"not null"`
	LastSyncedAt      *time.Time
	SyncError         *string
	ExternalPaymentID *string
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (StagedPayment) TableName() string { return "staged_payments" }

// ContactLink caches the mapping from a local user to an external contact.
// At most one synced link exists per (user, tenant).
type ContactLink struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	UserID            snowflake.ID `gorm:"not null;uniqueIndex:ux_contact_links_user_tenant"`
	TenantID          snowflake.ID `gorm:"not null;uniqueIndex:ux_contact_links_user_tenant"`
	ExternalContactID *string
	Status            SyncStatus `gorm:"not null"`
	CreatedAt         time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ContactLink) TableName() string { return "xero_contact_links" }

// SyncLog is the append-only audit trail of external calls. Never read for
// control flow.
type SyncLog struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	TenantID   snowflake.ID `gorm:"not null;index"`
	Operation  string       `gorm:"not null"`
	EntityType string       `gorm:"not null"`
	EntityID   snowflake.ID `gorm:"not null"`
	ExternalID *string
	Success    bool `gorm:"not null"`
	Error      *string
	Request    datatypes.JSON
	Response   datatypes.JSON
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (SyncLog) TableName() string { return "xero_sync_logs" }

// StageOutcome reports what the staging writer did. Exactly one of the
// flags is set.
type StageOutcome struct {
	Staged        bool
	AlreadyStaged bool
	Skipped       bool
	InvoiceID     snowflake.ID
}

// IsPlaceholderExternalID reports whether an external id is the all-zero
// UUID sentinel some legacy rows carry instead of NULL. Such rows must not
// be treated as synced.
func IsPlaceholderExternalID(id string) bool {
	return id == uuid.Nil.String()
}

// SyncStats aggregates synchronizer activity for the admin status view.
type SyncStats struct {
	InvoicesSynced  int64 `json:"invoices_synced"`
	InvoicesPending int64 `json:"invoices_pending"`
	InvoicesFailed  int64 `json:"invoices_failed"`
	PaymentsSynced  int64 `json:"payments_synced"`
	PaymentsPending int64 `json:"payments_pending"`
	PaymentsFailed  int64 `json:"payments_failed"`
}

var (
	ErrLineSumMismatch = errors.New("line_sum_mismatch")
	ErrInvoiceNotFound = errors.New("staged_invoice_not_found")
	ErrMissingMetadata = errors.New("staging_metadata_missing")
)
