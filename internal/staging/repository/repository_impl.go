package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/staging/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.StagedInvoice, lines []domain.StagedLineItem) error {
	if err := db.WithContext(ctx).Create(invoice).Error; err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&lines).Error
}

func (r *repo) FindInvoiceByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.StagedInvoice, error) {
	return r.findInvoice(ctx, db, `SELECT * FROM staged_invoices WHERE id = ?`, id)
}

func (r *repo) FindInvoiceBySource(ctx context.Context, db *gorm.DB, kind domain.SourceKind, sourceID snowflake.ID) (*domain.StagedInvoice, error) {
	return r.findInvoice(ctx, db,
		`SELECT * FROM staged_invoices WHERE source_kind = ? AND source_id = ?`,
		kind, sourceID,
	)
}

func (r *repo) FindInvoiceByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*domain.StagedInvoice, error) {
	return r.findInvoice(ctx, db,
		`SELECT * FROM staged_invoices WHERE payment_id = ? AND doc_kind = ?`,
		paymentID, domain.DocInvoice,
	)
}

func (r *repo) findInvoice(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.StagedInvoice, error) {
	var invoice domain.StagedInvoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&invoice).Error; err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) ListInvoicesByStatus(ctx context.Context, db *gorm.DB, statuses []domain.SyncStatus, limit int) ([]domain.StagedInvoice, error) {
	var invoices []domain.StagedInvoice
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM staged_invoices WHERE status IN ? ORDER BY staged_at LIMIT ?`,
		statuses, limit,
	).Scan(&invoices).Error
	return invoices, err
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.StagedLineItem, error) {
	var lines []domain.StagedLineItem
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM staged_line_items WHERE staged_invoice_id = ? ORDER BY id`,
		invoiceID,
	).Scan(&lines).Error
	return lines, err
}

func (r *repo) MarkInvoiceSynced(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID, externalNumber string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staged_invoices
		 SET status = ?, external_invoice_id = ?, external_invoice_number = ?,
		     sync_error = NULL, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusSynced, externalID, externalNumber, at, at, id,
	).Error
}

func (r *repo) MarkInvoiceFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staged_invoices SET status = ?, sync_error = ?, updated_at = ? WHERE id = ?`,
		domain.StatusFailed, reason, at, id,
	).Error
}

func (r *repo) MarkInvoiceUnrecoverable(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staged_invoices SET status = ?, sync_error = ?, updated_at = ? WHERE id = ?`,
		domain.StatusUnrecoverable, reason, at, id,
	).Error
}

// PromoteDraftInvoices moves draft invoices whose local payment has
// completed into the pending state so the next sync run picks them up.
func (r *repo) PromoteDraftInvoices(ctx context.Context, db *gorm.DB, limit int, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE staged_invoices SET status = ?, updated_at = ?
		 WHERE id IN (
		     SELECT si.id FROM staged_invoices si
		     JOIN payments p ON p.id = si.payment_id
		     WHERE si.status = ? AND p.status = ?
		     ORDER BY si.staged_at LIMIT ?
		 )`,
		domain.StatusPending, at, domain.StatusDraft, "completed", limit,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ResetFailedInvoices(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error) {
	query := `UPDATE staged_invoices SET status = ?, sync_error = NULL, updated_at = ? WHERE status = ?`
	args := []any{domain.StatusPending, at, domain.StatusFailed}
	if len(ids) > 0 {
		query += ` AND id IN ?`
		args = append(args, ids)
	}
	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteSyncedInvoicesBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM staged_line_items WHERE staged_invoice_id IN (
		     SELECT id FROM staged_invoices WHERE status = ? AND staged_at < ?
		 )`,
		domain.StatusSynced, cutoff,
	).Error; err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).Exec(
		`DELETE FROM staged_invoices WHERE status = ? AND staged_at < ?`,
		domain.StatusSynced, cutoff,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.StagedPayment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) ListPaymentsByStatus(ctx context.Context, db *gorm.DB, statuses []domain.SyncStatus, limit int) ([]domain.StagedPayment, error) {
	var payments []domain.StagedPayment
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM staged_payments WHERE status IN ? ORDER BY staged_at LIMIT ?`,
		statuses, limit,
	).Scan(&payments).Error
	return payments, err
}

func (r *repo) MarkPaymentSynced(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staged_payments
		 SET status = ?, external_payment_id = ?, sync_error = NULL, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusSynced, externalID, at, at, id,
	).Error
}

func (r *repo) MarkPaymentFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staged_payments SET status = ?, sync_error = ?, updated_at = ? WHERE id = ?`,
		domain.StatusFailed, reason, at, id,
	).Error
}

func (r *repo) ResetFailedPayments(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error) {
	query := `UPDATE staged_payments SET status = ?, sync_error = NULL, updated_at = ? WHERE status = ?`
	args := []any{domain.StatusPending, at, domain.StatusFailed}
	if len(ids) > 0 {
		query += ` AND id IN ?`
		args = append(args, ids)
	}
	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteSyncedPaymentsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM staged_payments WHERE status = ? AND staged_at < ?`,
		domain.StatusSynced, cutoff,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CountSyncable(ctx context.Context, db *gorm.DB) (int64, error) {
	syncable := []domain.SyncStatus{domain.StatusPending, domain.StatusStaged}
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT (SELECT COUNT(*) FROM staged_invoices WHERE status IN ?)
		      + (SELECT COUNT(*) FROM staged_payments WHERE status IN ?)`,
		syncable, syncable,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, since time.Time) (domain.SyncStats, error) {
	var stats domain.SyncStats
	err := db.WithContext(ctx).Raw(
		`SELECT
		    (SELECT COUNT(*) FROM staged_invoices WHERE status = ? AND last_synced_at >= ?) AS invoices_synced,
		    (SELECT COUNT(*) FROM staged_invoices WHERE status IN ?)                        AS invoices_pending,
		    (SELECT COUNT(*) FROM staged_invoices WHERE status = ?)                         AS invoices_failed,
		    (SELECT COUNT(*) FROM staged_payments WHERE status = ? AND last_synced_at >= ?) AS payments_synced,
		    (SELECT COUNT(*) FROM staged_payments WHERE status IN ?)                        AS payments_pending,
		    (SELECT COUNT(*) FROM staged_payments WHERE status = ?)                         AS payments_failed`,
		domain.StatusSynced, since,
		[]domain.SyncStatus{domain.StatusPending, domain.StatusStaged},
		domain.StatusFailed,
		domain.StatusSynced, since,
		[]domain.SyncStatus{domain.StatusPending, domain.StatusStaged},
		domain.StatusFailed,
	).Scan(&stats).Error
	return stats, err
}

func (r *repo) FindContactLink(ctx context.Context, db *gorm.DB, userID, tenantID snowflake.ID) (*domain.ContactLink, error) {
	var link domain.ContactLink
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM xero_contact_links WHERE user_id = ? AND tenant_id = ?`,
		userID, tenantID,
	).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ID == 0 {
		return nil, nil
	}
	return &link, nil
}

func (r *repo) SaveContactLink(ctx context.Context, db *gorm.DB, link *domain.ContactLink) error {
	existing, err := r.FindContactLink(ctx, db, link.UserID, link.TenantID)
	if err != nil {
		return err
	}
	if existing == nil {
		return db.WithContext(ctx).Create(link).Error
	}
	link.ID = existing.ID
	return db.WithContext(ctx).Exec(
		`UPDATE xero_contact_links SET external_contact_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		link.ExternalContactID, link.Status, link.UpdatedAt, link.ID,
	).Error
}

func (r *repo) InsertSyncLog(ctx context.Context, db *gorm.DB, entry *domain.SyncLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListSyncLogs(ctx context.Context, db *gorm.DB, since time.Time, offset, limit int) ([]domain.SyncLog, int64, error) {
	var total int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM xero_sync_logs WHERE created_at >= ?`, since,
	).Scan(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []domain.SyncLog
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM xero_sync_logs WHERE created_at >= ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		since, limit, offset,
	).Scan(&entries).Error
	return entries, total, err
}

func (r *repo) DeleteSyncLogsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM xero_sync_logs WHERE created_at < ?`, cutoff)
	return res.RowsAffected, res.Error
}
