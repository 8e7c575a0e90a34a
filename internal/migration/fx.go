package migration

import (
	"github.com/dwenderf/membership-system/internal/config"
	paymentdomain "github.com/dwenderf/membership-system/internal/payment/domain"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	userdomain "github.com/dwenderf/membership-system/internal/user/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite and mysql are dev/test conveniences; the versioned SQL
		// targets postgres.
		return conn.AutoMigrate(
			&userdomain.User{},
			&paymentdomain.Payment{},
			&paymentdomain.Refund{},
			&tenantdomain.Tenant{},
			&tenantdomain.OAuthToken{},
			&stagingdomain.StagedInvoice{},
			&stagingdomain.StagedLineItem{},
			&stagingdomain.StagedPayment{},
			&stagingdomain.ContactLink{},
			&stagingdomain.SyncLog{},
		)
	}),
)
