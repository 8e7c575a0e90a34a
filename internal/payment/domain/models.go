// Package domain holds the local payment and refund facts consumed by the
// staging writer. Payment capture itself happens upstream; these rows are
// the durable record the sync pipeline reads.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment is a completed (or in-flight) charge recorded by the registration
// flow. Amounts are integer minor-currency units.
type Payment struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	UserID         snowflake.ID  `gorm:"not null;index"`
	Status         PaymentStatus `gorm:"type:text;not null;default:'pending'"`
	TotalAmount    int64         `gorm:"not null"`
	DiscountAmount int64         `gorm:"not null;default:0"`
	FinalAmount    int64         `gorm:"not null"`
	Reference      string        `gorm:"type:text"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
)

// Refund is a completed refund against a payment.
type Refund struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	PaymentID snowflake.ID `gorm:"not null;index"`
	Amount    int64        `gorm:"not null"`
	Reason    string       `gorm:"type:text"`
	Status    RefundStatus `gorm:"type:text;not null;default:'pending'"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Refund) TableName() string { return "refunds" }

var ErrNotFound = errors.New("payment_not_found")
