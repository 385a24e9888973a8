// Package slack posts staff alerts to a channel. Notification falls
// back to the no-op provider when no bot token is configured.
package slack

import "context"

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

// NoOpProvider drops messages. Staff alerts still reach email when
// Slack is not configured.
type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}
