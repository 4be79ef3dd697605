package gateway

import (
	"go.uber.org/fx"

	"github.com/sagepilot/billing-engine/internal/config"
	"github.com/sagepilot/billing-engine/internal/gateway/adapters"
	"github.com/sagepilot/billing-engine/internal/gateway/adapters/razorpay"
)

var Module = fx.Module("gateway.adapters",
	fx.Provide(NewRegistry),
)

func NewRegistry(cfg config.Config) *adapters.Registry {
	return adapters.NewRegistry(
		razorpay.New(cfg.GatewayWebhookSecret),
	)
}
