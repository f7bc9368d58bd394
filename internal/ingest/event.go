// Package ingest turns router usage webhooks into ledger entries exactly once
// per generation.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidEvent wraps every payload validation failure.
	ErrInvalidEvent = errors.New("invalid usage event")
	// ErrUnknownAPIKey means the key matches no active organization.
	ErrUnknownAPIKey = errors.New("unknown api key")
	// ErrInProgress means another request is processing the same generation.
	ErrInProgress = errors.New("generation is being processed")
)

const (
	// maxClockSkew bounds how far in the future an event timestamp may be.
	maxClockSkew = 5 * time.Minute
	// maxTokens bounds each token count so sums stay far from int64 overflow.
	maxTokens = 1 << 40
	// maxUnixSeconds is 9999-12-31T23:59:59Z.
	maxUnixSeconds = 253402300799
)

var (
	// maxEventCost bounds a single generation's reported cost so every derived
	// micro amount fits in int64.
	maxEventCost = decimal.NewFromInt(1_000_000)
	// minEventTime rejects timestamps that cannot be real router events.
	minEventTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Event is a validated usage notification for one generation.
type Event struct {
	GenerationID     string
	APIKey           string
	Model            string
	User             string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             decimal.Decimal
	Currency         string
	OccurredAt       time.Time
	ReceivedAt       time.Time
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type wireEvent struct {
	GenerationID string           `json:"generation_id"`
	APIKey       string           `json:"api_key"`
	Model        string           `json:"model"`
	User         string           `json:"user"`
	Usage        wireUsage        `json:"usage"`
	Cost         *decimal.Decimal `json:"cost"`
	Currency     string           `json:"currency"`
	Timestamp    json.RawMessage  `json:"timestamp"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// ParseEvent decodes and validates one webhook body.
func ParseEvent(body []byte, receivedAt time.Time) (Event, error) {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&w); err != nil {
		return Event{}, invalid("malformed json: %v", err)
	}
	return w.toEvent(receivedAt)
}

func (w wireEvent) toEvent(receivedAt time.Time) (Event, error) {
	ev := Event{
		GenerationID:     strings.TrimSpace(w.GenerationID),
		APIKey:           strings.TrimSpace(w.APIKey),
		Model:            strings.TrimSpace(w.Model),
		User:             strings.TrimSpace(w.User),
		PromptTokens:     w.Usage.PromptTokens,
		CompletionTokens: w.Usage.CompletionTokens,
		TotalTokens:      w.Usage.TotalTokens,
		Currency:         strings.ToUpper(strings.TrimSpace(w.Currency)),
		ReceivedAt:       receivedAt.UTC(),
	}

	switch {
	case ev.GenerationID == "":
		return Event{}, invalid("generation_id is required")
	case ev.APIKey == "":
		return Event{}, invalid("api_key is required")
	case ev.Model == "":
		return Event{}, invalid("model is required")
	case ev.PromptTokens < 0 || ev.CompletionTokens < 0 || ev.TotalTokens < 0:
		return Event{}, invalid("token counts must not be negative")
	case ev.PromptTokens > maxTokens || ev.CompletionTokens > maxTokens || ev.TotalTokens > maxTokens:
		return Event{}, invalid("token counts must not exceed %d", int64(maxTokens))
	}
	if sum := ev.PromptTokens + ev.CompletionTokens; ev.TotalTokens < sum {
		ev.TotalTokens = sum
	}

	ev.Cost = decimal.Zero
	if w.Cost != nil {
		if w.Cost.IsNegative() {
			return Event{}, invalid("cost must not be negative")
		}
		if w.Cost.GreaterThan(maxEventCost) {
			return Event{}, invalid("cost must not exceed %s", maxEventCost)
		}
		ev.Cost = *w.Cost
	}
	if ev.Currency != "" && len(ev.Currency) != 3 {
		return Event{}, invalid("currency must be an ISO 4217 code")
	}

	occurred, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	if occurred.IsZero() {
		occurred = ev.ReceivedAt
	}
	if occurred.Before(minEventTime) {
		return Event{}, invalid("timestamp %s is before %s", occurred.Format(time.RFC3339), minEventTime.Format(time.DateOnly))
	}
	if occurred.After(ev.ReceivedAt.Add(maxClockSkew)) {
		return Event{}, invalid("timestamp %s is in the future", occurred.Format(time.RFC3339))
	}
	ev.OccurredAt = occurred.UTC()
	return ev, nil
}

// parseTimestamp accepts an RFC 3339 string or unix seconds, as a number or string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		if secs > maxUnixSeconds {
			return time.Time{}, invalid("timestamp %q is out of range", s)
		}
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)), nil
	}
	return time.Time{}, invalid("timestamp %q is neither RFC 3339 nor unix seconds", s)
}
