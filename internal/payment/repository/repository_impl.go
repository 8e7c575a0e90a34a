package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, status, total_amount, discount_amount, final_amount, reference, created_at, updated_at
		 FROM payments WHERE id = ?`,
		id,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) FindRefundByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Refund, error) {
	var refund domain.Refund
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, amount, reason, status, created_at
		 FROM refunds WHERE id = ?`,
		id,
	).Scan(&refund).Error
	if err != nil {
		return nil, err
	}
	if refund.ID == 0 {
		return nil, nil
	}
	return &refund, nil
}
