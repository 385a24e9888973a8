package payment

import (
	"github.com/billforge/billforge/internal/config"
	"github.com/billforge/billforge/internal/payment/gateway"
	stripegateway "github.com/billforge/billforge/internal/payment/gateway/stripe"
	"github.com/billforge/billforge/internal/payment/repository"
	"github.com/billforge/billforge/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideGateway),
	fx.Provide(service.New),
)

func provideGateway(cfg config.Config, log *zap.Logger) gateway.Gateway {
	return stripegateway.New(cfg.StripeSecretKey, log)
}
