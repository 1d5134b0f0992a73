package batchrun

import (
	"github.com/smallbiznis/checkledger/internal/batchrun/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("batchrun",
	fx.Provide(repository.New),
)
