// Package notification fans billing events out to clients and staff.
// Sends are best-effort; a failed notification is logged and never fails
// the task that produced it.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/billforge/billforge/internal/config"
	"github.com/billforge/billforge/internal/providers/email"
	"github.com/billforge/billforge/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StaffAlert is an operator-facing message, e.g. a provisioning failure
// that needs manual review.
type StaffAlert struct {
	Subject string
	Body    string
	Fields  map[string]string
}

// ClientNotice is a templated customer email.
type ClientNotice struct {
	Email    string
	Template string
	Data     map[string]any
}

type Service interface {
	NotifyStaff(ctx context.Context, alert StaffAlert)
	SendClientNotice(ctx context.Context, notice ClientNotice) error
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Email  email.Provider
	Slack  slack.Provider
}

type notifier struct {
	cfg   config.Config
	log   *zap.Logger
	email email.Provider
	slack slack.Provider
}

func New(p Params) Service {
	return &notifier{
		cfg:   p.Config,
		log:   p.Log.Named("notification"),
		email: p.Email,
		slack: p.Slack,
	}
}

func (n *notifier) NotifyStaff(ctx context.Context, alert StaffAlert) {
	body := alert.Body
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(body)
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n%s: %s", k, alert.Fields[k])
		}
		body = sb.String()
	}

	if n.cfg.StaffSlackChannel != "" {
		message := fmt.Sprintf("*%s*\n%s", alert.Subject, body)
		if err := n.slack.PostMessage(ctx, n.cfg.StaffSlackChannel, message); err != nil {
			n.log.Warn("staff slack notification failed",
				zap.String("subject", alert.Subject),
				zap.Error(err),
			)
		}
	}

	if n.cfg.StaffEmail != "" {
		htmlBody := "<pre>" + body + "</pre>"
		if err := n.email.Send(ctx, []string{n.cfg.StaffEmail}, alert.Subject, htmlBody); err != nil {
			n.log.Warn("staff email notification failed",
				zap.String("subject", alert.Subject),
				zap.Error(err),
			)
		}
	}
}

func (n *notifier) SendClientNotice(ctx context.Context, notice ClientNotice) error {
	if notice.Email == "" {
		return fmt.Errorf("client notice has no recipient")
	}
	data := notice.Data
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["company_name"]; !ok {
		data["company_name"] = n.cfg.AppName
	}
	return n.email.SendTemplate(ctx, []string{notice.Email}, notice.Template, data)
}

var Module = fx.Module("notification",
	fx.Provide(New),
)
