package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindActiveTenant(ctx context.Context, db *gorm.DB) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT id, xero_tenant_id, name, active, created_at, updated_at
		 FROM xero_tenants WHERE active = ? ORDER BY created_at LIMIT 1`,
		true,
	).Scan(&tenant).Error
	if err != nil {
		return nil, err
	}
	if tenant.ID == 0 {
		return nil, nil
	}
	return &tenant, nil
}

func (r *repo) FindActiveToken(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.OAuthToken, error) {
	var token domain.OAuthToken
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, access_token, refresh_token, expires_at, active, created_at, updated_at
		 FROM xero_oauth_tokens WHERE tenant_id = ? AND active = ? ORDER BY created_at DESC LIMIT 1`,
		tenantID,
		true,
	).Scan(&token).Error
	if err != nil {
		return nil, err
	}
	if token.ID == 0 {
		return nil, nil
	}
	return &token, nil
}

func (r *repo) UpdateToken(ctx context.Context, db *gorm.DB, token *domain.OAuthToken) error {
	return db.WithContext(ctx).Exec(
		`UPDATE xero_oauth_tokens
		 SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		token.AccessToken,
		token.RefreshToken,
		token.ExpiresAt,
		token.UpdatedAt,
		token.ID,
	).Error
}
