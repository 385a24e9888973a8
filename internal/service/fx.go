package service

import (
	"github.com/billforge/billforge/internal/service/lifecycle"
	"github.com/billforge/billforge/internal/service/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("service.lifecycle",
	fx.Provide(repository.Provide),
	fx.Provide(lifecycle.New),
)
