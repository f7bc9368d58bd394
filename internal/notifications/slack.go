package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends notifications to a Slack incoming webhook.
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload is a Slack incoming webhook message.
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"`
}

// SlackBlock is a Block Kit block.
type SlackBlock struct {
	Type     string            `json:"type"`
	Text     *SlackTextObject  `json:"text,omitempty"`
	Fields   []SlackTextObject `json:"fields,omitempty"`
	Elements []SlackTextObject `json:"elements,omitempty"`
}

// SlackTextObject is a Block Kit text object.
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(webhookURL, channel string, timeout time.Duration, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send posts event to Slack.
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Usage Ledger",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Event: %s", event.Type),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventUsageDriftDetected:
		return s.alert(event, ":warning: Usage Summary Drift Corrected", []SlackTextObject{
			mrkdwn("Usage date", stringField(event.Payload, "usage_date")),
			mrkdwn("Rows corrected", stringField(event.Payload, "rows_corrected")),
			mrkdwn("Rows deleted", stringField(event.Payload, "rows_deleted")),
			mrkdwn("Events scanned", stringField(event.Payload, "events_scanned")),
		})
	case events.EventConsolidationFailed:
		return s.alert(event, ":x: Consolidation Failed", []SlackTextObject{
			mrkdwn("Usage date", stringField(event.Payload, "usage_date")),
			mrkdwn("Attempts", stringField(event.Payload, "attempts")),
			mrkdwn("Error", "`"+stringField(event.Payload, "error")+"`"),
		})
	case events.EventBillingExportFailed:
		return s.alert(event, ":credit_card: Billing Export Failed", []SlackTextObject{
			mrkdwn("Organization", "`"+event.OrganizationID+"`"),
			mrkdwn("Usage date", stringField(event.Payload, "usage_date")),
			mrkdwn("Amount", stringField(event.Payload, "amount")),
			mrkdwn("Error", "`"+stringField(event.Payload, "error")+"`"),
		})
	case events.EventFXRateFallback:
		return s.alert(event, ":currency_exchange: FX Fallback Rate Used", []SlackTextObject{
			mrkdwn("Pair", stringField(event.Payload, "base")+"/"+stringField(event.Payload, "quote")),
			mrkdwn("Date", stringField(event.Payload, "date")),
			mrkdwn("Rate", stringField(event.Payload, "rate")),
		})
	default:
		return s.alert(event, fmt.Sprintf("Event: %s", event.Type), nil)
	}
}

func (s *SlackAdapter) alert(event events.Event, title string, fields []SlackTextObject) []SlackBlock {
	blocks := []SlackBlock{
		{Type: "header", Text: &SlackTextObject{Type: "plain_text", Text: title, Emoji: true}},
	}
	if len(fields) > 0 {
		blocks = append(blocks, SlackBlock{Type: "section", Fields: fields})
	}
	return append(blocks, SlackBlock{
		Type: "context",
		Elements: []SlackTextObject{{
			Type: "mrkdwn",
			Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s> | `%s`",
				event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339), event.ID),
		}},
	})
}

func mrkdwn(label, value string) SlackTextObject {
	return SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", label, value)}
}
