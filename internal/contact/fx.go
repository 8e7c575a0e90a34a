package contact

import (
	"github.com/dwenderf/membership-system/internal/xero"
	"go.uber.org/fx"
)

var Module = fx.Module("contact",
	fx.Provide(
		func(c *xero.Client) API { return c },
		NewResolver,
	),
)
