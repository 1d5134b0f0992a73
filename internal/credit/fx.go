package credit

import (
	"github.com/smallbiznis/checkledger/internal/credit/idempotency"
	"github.com/smallbiznis/checkledger/internal/credit/repository"
	"github.com/smallbiznis/checkledger/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.New),
	fx.Provide(idempotency.NewGuard),
	fx.Provide(service.NewService),
)
