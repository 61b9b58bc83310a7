package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// BatchCompleted formats the message sent when a batch was merged into its dataset.
func BatchCompleted(dataset, batchID string, files int) string {
	return fmt.Sprintf("Dataset **%s**: fetched %s in batch `%s`", dataset, pluralFiles(files), batchID)
}

// BatchFailed formats the message sent when a batch was aborted.
func BatchFailed(dataset, batchID string, files int, err error) string {
	return fmt.Sprintf("Dataset **%s**: batch `%s` of %s failed: %v", dataset, batchID, pluralFiles(files), err)
}

func pluralFiles(n int) string {
	return humanize.Comma(int64(n)) + " " + english.PluralWord(n, "file", "")
}
