package checks

import (
	"github.com/smallbiznis/checkledger/internal/checks/providers"
	"github.com/smallbiznis/checkledger/internal/checks/runner"
	"github.com/smallbiznis/checkledger/internal/checks/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checks",
	fx.Provide(
		providers.NewSerpClient,
		providers.NewMapsClient,
		providers.NewReviewsClient,
		providers.NewProbers,
	),
	fx.Provide(runner.NewDefaultRegistry),
	fx.Provide(service.NewService),
)
