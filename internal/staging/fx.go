package staging

import (
	"github.com/dwenderf/membership-system/internal/staging/repository"
	"github.com/dwenderf/membership-system/internal/staging/service"
	"go.uber.org/fx"
)

var Module = fx.Module("staging",
	fx.Provide(
		repository.Provide,
		service.NewWriter,
	),
)
