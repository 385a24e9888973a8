package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/billforge/billforge/internal/audit"
	"github.com/billforge/billforge/internal/client"
	"github.com/billforge/billforge/internal/clientgroup"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	"github.com/billforge/billforge/internal/invoice"
	"github.com/billforge/billforge/internal/latefee"
	"github.com/billforge/billforge/internal/migration"
	"github.com/billforge/billforge/internal/notification"
	"github.com/billforge/billforge/internal/observability"
	"github.com/billforge/billforge/internal/payment"
	"github.com/billforge/billforge/internal/providers"
	"github.com/billforge/billforge/internal/provisioning"
	"github.com/billforge/billforge/internal/renewal"
	"github.com/billforge/billforge/internal/scheduler"
	"github.com/billforge/billforge/internal/service"
	"github.com/billforge/billforge/internal/servicechange"
	"github.com/billforge/billforge/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Providers and notification plumbing
		providers.Module,
		notification.Module,
		audit.Module,
		provisioning.FxModule,

		// Billing domains
		clientgroup.Module,
		client.Module,
		invoice.Module,
		service.Module,
		renewal.Module,
		latefee.Module,
		servicechange.Module,
		payment.Module,

		// Task runner
		scheduler.Module,
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
