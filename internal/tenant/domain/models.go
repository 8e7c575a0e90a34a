// Package domain holds the external accounting tenant and its OAuth token
// records. The application follows a single-tenant model: one active tenant,
// one active token row, refreshed lazily when expired.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Tenant struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	XeroTenantID string       `gorm:"not null;uniqueIndex"`
	Name         string       `gorm:"not null"`
	Active       bool         `gorm:"not null;default:true"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Tenant) TableName() string { return "xero_tenants" }

type OAuthToken struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	TenantID     snowflake.ID `gorm:"not null;index"`
	AccessToken  string       `gorm:"not null"`
	RefreshToken string       `gorm:"not null"`
	ExpiresAt    time.Time    `gorm:"not null"`
	Active       bool         `gorm:"not null;default:true"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (OAuthToken) TableName() string { return "xero_oauth_tokens" }

// Credentials is what an authenticated Xero call needs.
type Credentials struct {
	XeroTenantID string
	AccessToken  string
}

// RefreshedToken is the result of exchanging a refresh token.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// TokenRefresher exchanges a refresh token for a new token pair. Implemented
// by the Xero client; declared here so the tenant service does not depend on
// the client package.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (RefreshedToken, error)
}

// ConnectionStatus summarizes tenant connectivity for the admin surface.
type ConnectionStatus struct {
	Connected      bool       `json:"connected"`
	TenantName     string     `json:"tenant_name,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	NeedsReauth    bool       `json:"needs_reauthorization"`
}

type Service interface {
	ActiveTenant(ctx context.Context) (*Tenant, error)
	Credentials(ctx context.Context, tenant *Tenant) (Credentials, error)
	Status(ctx context.Context) ConnectionStatus
}

var (
	ErrNoActiveTenant          = errors.New("no_active_tenant")
	ErrNoToken                 = errors.New("no_oauth_token")
	ErrReauthorizationRequired = errors.New("reauthorization_required")
)
