package entitlement

import (
	"github.com/sagepilot/billing-engine/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement",
	fx.Provide(service.New),
)
