package servicechange

import (
	"github.com/billforge/billforge/internal/servicechange/repository"
	"github.com/billforge/billforge/internal/servicechange/service"
	"go.uber.org/fx"
)

var Module = fx.Module("servicechange.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
