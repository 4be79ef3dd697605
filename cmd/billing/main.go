package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/sagepilot/billing-engine/internal/cache"
	"github.com/sagepilot/billing-engine/internal/clock"
	"github.com/sagepilot/billing-engine/internal/config"
	"github.com/sagepilot/billing-engine/internal/entitlement"
	"github.com/sagepilot/billing-engine/internal/gateway"
	"github.com/sagepilot/billing-engine/internal/idempotency"
	"github.com/sagepilot/billing-engine/internal/ledger"
	"github.com/sagepilot/billing-engine/internal/ledgerevents"
	"github.com/sagepilot/billing-engine/internal/observability"
	"github.com/sagepilot/billing-engine/internal/queue"
	"github.com/sagepilot/billing-engine/internal/reconciliation"
	"github.com/sagepilot/billing-engine/internal/redisconn"
	"github.com/sagepilot/billing-engine/internal/server"
	"github.com/sagepilot/billing-engine/internal/usage"
	"github.com/sagepilot/billing-engine/internal/workspace"
	"github.com/sagepilot/billing-engine/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisconn.Module,

		idempotency.Module,
		cache.Module,
		queue.Module,
		workspace.Module,
		ledger.Module,
		gateway.Module,

		entitlement.Module,
		usage.Module,
		ledgerevents.Module,
		reconciliation.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
