package xerosync

import (
	"github.com/dwenderf/membership-system/internal/contact"
	"github.com/dwenderf/membership-system/internal/xero"
	"go.uber.org/fx"
)

var Module = fx.Module("xerosync",
	fx.Provide(
		func(c *xero.Client) API { return c },
		func(r *contact.Resolver) Resolver { return r },
		NewSynchronizer,
		NewCoordinator,
	),
)
