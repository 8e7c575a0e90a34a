package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// expiryBuffer refreshes tokens slightly before they lapse so in-flight
// calls do not race the expiry.
const expiryBuffer = 60 * time.Second

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      domain.Repository
	Refresher domain.TokenRefresher
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      domain.Repository
	refresher domain.TokenRefresher
}

func New(p Params) domain.Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("tenant.service"),
		clock:     p.Clock,
		repo:      p.Repo,
		refresher: p.Refresher,
	}
}

func (s *service) ActiveTenant(ctx context.Context) (*domain.Tenant, error) {
	tenant, err := s.repo.FindActiveTenant(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("find active tenant: %w", err)
	}
	if tenant == nil {
		return nil, domain.ErrNoActiveTenant
	}
	return tenant, nil
}

// Credentials returns a usable access token for the tenant, refreshing it
// first when expired or about to expire. A failed refresh means the stored
// refresh token is no longer valid and an operator has to reconnect the
// organisation, so it is logged loudly.
func (s *service) Credentials(ctx context.Context, tenant *domain.Tenant) (domain.Credentials, error) {
	token, err := s.repo.FindActiveToken(ctx, s.db, tenant.ID)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("find active token: %w", err)
	}
	if token == nil {
		return domain.Credentials{}, domain.ErrNoToken
	}

	now := s.clock.Now()
	if token.ExpiresAt.After(now.Add(expiryBuffer)) {
		return domain.Credentials{
			XeroTenantID: tenant.XeroTenantID,
			AccessToken:  token.AccessToken,
		}, nil
	}

	refreshed, err := s.refresher.RefreshAccessToken(ctx, token.RefreshToken)
	if err != nil {
		s.log.Error("xero token refresh failed, reconnect required",
			zap.String("tenant", tenant.Name),
			zap.Error(err),
		)
		return domain.Credentials{}, fmt.Errorf("%w: %v", domain.ErrReauthorizationRequired, err)
	}

	token.AccessToken = refreshed.AccessToken
	token.RefreshToken = refreshed.RefreshToken
	token.ExpiresAt = now.Add(time.Duration(refreshed.ExpiresIn) * time.Second)
	token.UpdatedAt = now
	if err := s.repo.UpdateToken(ctx, s.db, token); err != nil {
		return domain.Credentials{}, fmt.Errorf("store refreshed token: %w", err)
	}

	s.log.Info("xero access token refreshed",
		zap.String("tenant", tenant.Name),
		zap.Time("expires_at", token.ExpiresAt),
	)

	return domain.Credentials{
		XeroTenantID: tenant.XeroTenantID,
		AccessToken:  token.AccessToken,
	}, nil
}

func (s *service) Status(ctx context.Context) domain.ConnectionStatus {
	tenant, err := s.repo.FindActiveTenant(ctx, s.db)
	if err != nil || tenant == nil {
		return domain.ConnectionStatus{Connected: false}
	}

	status := domain.ConnectionStatus{
		Connected:  true,
		TenantName: tenant.Name,
	}
	token, err := s.repo.FindActiveToken(ctx, s.db, tenant.ID)
	if err != nil || token == nil {
		status.NeedsReauth = true
		return status
	}
	expires := token.ExpiresAt
	status.TokenExpiresAt = &expires
	return status
}
