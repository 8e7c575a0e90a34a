package xero

import (
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("xero",
	fx.Provide(
		New,
		func(c *Client) tenantdomain.TokenRefresher { return c },
	),
)
