package providers

import (
	"github.com/billforge/billforge/internal/providers/email"
	"github.com/billforge/billforge/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
)
