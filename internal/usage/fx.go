package usage

import (
	"github.com/sagepilot/billing-engine/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	fx.Provide(service.New),
)
