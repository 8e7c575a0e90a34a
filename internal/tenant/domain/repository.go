package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindActiveTenant(ctx context.Context, db *gorm.DB) (*Tenant, error)
	FindActiveToken(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*OAuthToken, error)
	UpdateToken(ctx context.Context, db *gorm.DB, token *OAuthToken) error
}
