package tenant

import (
	"github.com/dwenderf/membership-system/internal/tenant/repository"
	"github.com/dwenderf/membership-system/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
