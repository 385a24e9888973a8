package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const postMessageURL = "https://slack.com/api/chat.postMessage"

// APIProvider posts messages through the Slack Web API using a bot
// token.
type APIProvider struct {
	token  string
	client *http.Client
}

func NewAPI(token string) *APIProvider {
	return &APIProvider{
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *APIProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": channelID,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postMessageURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("slack post failed: %s", result.Error)
	}
	return nil
}
