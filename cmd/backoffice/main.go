package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	"github.com/dwenderf/membership-system/internal/contact"
	"github.com/dwenderf/membership-system/internal/logger"
	"github.com/dwenderf/membership-system/internal/metrics"
	"github.com/dwenderf/membership-system/internal/migration"
	"github.com/dwenderf/membership-system/internal/payment"
	"github.com/dwenderf/membership-system/internal/scheduler"
	"github.com/dwenderf/membership-system/internal/server"
	"github.com/dwenderf/membership-system/internal/staging"
	"github.com/dwenderf/membership-system/internal/tenant"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/dwenderf/membership-system/internal/user"
	"github.com/dwenderf/membership-system/internal/xero"
	"github.com/dwenderf/membership-system/internal/xerosync"
	"github.com/dwenderf/membership-system/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		metrics.Module,

		// Domains
		user.Module,
		payment.Module,
		tenant.Module,
		xero.Module,
		staging.Module,
		contact.Module,
		xerosync.Module,

		// Drivers
		migration.Module,
		scheduler.Module,
		server.Module,

		fx.Invoke(connectionCheck),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// connectionCheck logs the accounting connection state once at startup. A
// missing connection is not fatal; staging degrades to success-without-
// staging until an operator connects an organisation.
func connectionCheck(lc fx.Lifecycle, log *zap.Logger, tenants tenantdomain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			status := tenants.Status(ctx)
			if !status.Connected {
				log.Warn("no accounting tenant connected, sync is idle")
				return nil
			}
			log.Info("accounting tenant connected",
				zap.String("tenant", status.TenantName),
				zap.Bool("needs_reauthorization", status.NeedsReauth),
			)
			return nil
		},
	})
}
