package reconciliation

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
	"github.com/sagepilot/billing-engine/internal/reconciliation/repository"
	"github.com/sagepilot/billing-engine/internal/reconciliation/service"
)

var Module = fx.Module("reconciliation",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(migrate),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Record{})
}
