package provisioning

import "go.uber.org/fx"

var FxModule = fx.Module("provisioning",
	fx.Provide(func() *Registry { return NewRegistry() }),
)
