package ledger

import (
	"github.com/sagepilot/billing-engine/internal/ledger/domain"
	ledgerstripe "github.com/sagepilot/billing-engine/internal/ledger/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(
		fx.Annotate(
			ledgerstripe.NewGateway,
			fx.As(new(domain.Gateway)),
		),
	),
)
