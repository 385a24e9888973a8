package clientgroup

import (
	"github.com/billforge/billforge/internal/clientgroup/repository"
	"github.com/billforge/billforge/internal/clientgroup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("clientgroup.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
