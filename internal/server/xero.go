package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	"github.com/dwenderf/membership-system/internal/xerosync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 200
	statusItemCap      = 200
)

func parseTimeWindow(raw string) (time.Duration, error) {
	switch raw {
	case "", "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, newValidationError("timeWindow", "invalid_time_window", "must be one of 24h, 7d, 30d")
	}
}

type invoiceItem struct {
	ID             string  `json:"id"`
	DocKind        string  `json:"doc_kind"`
	Status         string  `json:"status"`
	NetAmount      int64   `json:"net_amount"`
	SyncError      *string `json:"sync_error,omitempty"`
	StagedAt       string  `json:"staged_at"`
	ExternalID     *string `json:"external_invoice_id,omitempty"`
	ExternalNumber *string `json:"external_invoice_number,omitempty"`
}

type paymentItem struct {
	ID              string  `json:"id"`
	StagedInvoiceID string  `json:"staged_invoice_id"`
	Status          string  `json:"status"`
	AmountPaid      int64   `json:"amount_paid"`
	SyncError       *string `json:"sync_error,omitempty"`
	StagedAt        string  `json:"staged_at"`
}

type userItems struct {
	UserID   string        `json:"user_id"`
	Invoices []invoiceItem `json:"invoices"`
	Payments []paymentItem `json:"payments,omitempty"`
}

// GetXeroStatus reports connection state, aggregated sync stats for the
// requested window, and the pending/failed rows grouped by user.
func (s *Server) GetXeroStatus(c *gin.Context) {
	window, err := parseTimeWindow(c.Query("timeWindow"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	since := s.clock.Now().Add(-window)

	connection := s.tenants.Status(ctx)

	stats, err := s.repo.Stats(ctx, s.db, since)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pending, err := s.groupedItems(c,
		[]stagingdomain.SyncStatus{stagingdomain.StatusPending, stagingdomain.StatusStaged})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	failed, err := s.groupedItems(c,
		[]stagingdomain.SyncStatus{stagingdomain.StatusFailed, stagingdomain.StatusUnrecoverable})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": connection,
		"stats":      stats,
		"pending":    pending,
		"failed":     failed,
	})
}

func (s *Server) groupedItems(c *gin.Context, statuses []stagingdomain.SyncStatus) ([]userItems, error) {
	ctx := c.Request.Context()

	invoices, err := s.repo.ListInvoicesByStatus(ctx, s.db, statuses, statusItemCap)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPaymentsByStatus(ctx, s.db, statuses, statusItemCap)
	if err != nil {
		return nil, err
	}

	// Group by user, preserving staged order. Payments carry no user id of
	// their own, so they attach to their parent invoice's user.
	invoiceUser := make(map[snowflake.ID]snowflake.ID)
	byUser := make(map[snowflake.ID]*userItems)
	var order []snowflake.ID
	group := func(userID snowflake.ID) *userItems {
		g, ok := byUser[userID]
		if !ok {
			g = &userItems{UserID: userID.String()}
			byUser[userID] = g
			order = append(order, userID)
		}
		return g
	}

	for _, inv := range invoices {
		invoiceUser[inv.ID] = inv.UserID
		g := group(inv.UserID)
		g.Invoices = append(g.Invoices, invoiceItem{
			ID:             inv.ID.String(),
			DocKind:        string(inv.DocKind),
			Status:         string(inv.Status),
			NetAmount:      inv.NetAmount,
			SyncError:      inv.SyncError,
			StagedAt:       inv.StagedAt.Format(time.RFC3339),
			ExternalID:     inv.ExternalInvoiceID,
			ExternalNumber: inv.ExternalInvoiceNumber,
		})
	}
	for _, p := range payments {
		userID, ok := invoiceUser[p.StagedInvoiceID]
		if !ok {
			parent, err := s.repo.FindInvoiceByID(ctx, s.db, p.StagedInvoiceID)
			if err != nil {
				return nil, err
			}
			if parent != nil {
				userID = parent.UserID
				invoiceUser[p.StagedInvoiceID] = userID
			}
		}
		g := group(userID)
		g.Payments = append(g.Payments, paymentItem{
			ID:              p.ID.String(),
			StagedInvoiceID: p.StagedInvoiceID.String(),
			Status:          string(p.Status),
			AmountPaid:      p.AmountPaid,
			SyncError:       p.SyncError,
			StagedAt:        p.StagedAt.Format(time.RFC3339),
		})
	}

	out := make([]userItems, 0, len(order))
	for _, userID := range order {
		out = append(out, *byUser[userID])
	}
	return out, nil
}

// PostManualSync triggers one coordinator-gated sync run.
func (s *Server) PostManualSync(c *gin.Context) {
	totals, err := s.coordinator.Run(c.Request.Context())
	if errors.Is(err, xerosync.ErrStopped) {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_synced": totals.Synced(),
		"total_failed": totals.Failed(),
		"detail":       totals,
	})
}

type retryFailedRequest struct {
	Type  string   `json:"type" binding:"required"`
	Items []string `json:"items"`
}

// PostRetryFailed resets failed rows back to pending (clearing the sync
// error) and triggers a sync run. Unrecoverable rows are never reset; when
// selected explicitly they show up in the skipped count.
func (s *Server) PostRetryFailed(c *gin.Context) {
	var req retryFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	var ids []snowflake.ID
	switch req.Type {
	case "all":
	case "selected":
		if len(req.Items) == 0 {
			AbortWithError(c, newValidationError("items", "items_required", "selected retry needs at least one item"))
			return
		}
		for _, raw := range req.Items {
			id, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, newValidationError("items", "invalid_id", "invalid item id: "+raw))
				return
			}
			ids = append(ids, id)
		}
	default:
		AbortWithError(c, newValidationError("type", "invalid_type", "type must be all or selected"))
		return
	}

	ctx := c.Request.Context()
	now := s.clock.Now()
	invoicesReset, err := s.repo.ResetFailedInvoices(ctx, s.db, ids, now)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	paymentsReset, err := s.repo.ResetFailedPayments(ctx, s.db, ids, now)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	skipped := int64(0)
	if len(ids) > 0 {
		skipped = int64(len(ids)) - invoicesReset - paymentsReset
		if skipped < 0 {
			skipped = 0
		}
	}

	s.log.Info("failed rows reset",
		zap.Int64("invoices", invoicesReset),
		zap.Int64("payments", paymentsReset),
		zap.Int64("skipped", skipped),
	)

	totals, err := s.coordinator.Run(ctx)
	if err != nil && !errors.Is(err, xerosync.ErrStopped) {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoices_reset": invoicesReset,
		"payments_reset": paymentsReset,
		"skipped":        skipped,
		"total_synced":   totals.Synced(),
		"total_failed":   totals.Failed(),
	})
}

// ListSyncLogs returns the paginated audit trail.
func (s *Server) ListSyncLogs(c *gin.Context) {
	window, err := parseTimeWindow(c.Query("timeWindow"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	offset := parseIntQuery(c.Query("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	limit := parseIntQuery(c.Query("limit"), defaultLogPageSize)
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}

	since := s.clock.Now().Add(-window)
	entries, total, err := s.repo.ListSyncLogs(c.Request.Context(), s.db, since, offset, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"offset":  offset,
		"limit":   limit,
		"entries": entries,
	})
}
