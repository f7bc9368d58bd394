package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func TestParseEvent(t *testing.T) {
	body := []byte(`{
		"generation_id": "gen-123",
		"api_key": "sk-or-v1-abc",
		"model": "openai/gpt-4o",
		"user": "ext-42",
		"usage": {"prompt_tokens": 120, "completion_tokens": 30},
		"cost": 0.00123456789,
		"timestamp": "2024-05-10T09:30:00+02:00"
	}`)

	ev, err := ParseEvent(body, received)
	require.NoError(t, err)

	assert.Equal(t, "gen-123", ev.GenerationID)
	assert.Equal(t, int64(150), ev.TotalTokens)
	assert.Equal(t, "0.00123456789", ev.Cost.String())
	assert.Equal(t, time.Date(2024, 5, 10, 7, 30, 0, 0, time.UTC), ev.OccurredAt)
	assert.Empty(t, ev.Currency)
}

func TestParseEventTimestamps(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		want time.Time
	}{
		{name: "missing", ts: ``, want: received},
		{name: "null", ts: `,"timestamp":null`, want: received},
		{name: "unix number", ts: `,"timestamp":1715331600`, want: time.Unix(1715331600, 0).UTC()},
		{name: "unix string", ts: `,"timestamp":"1715331600"`, want: time.Unix(1715331600, 0).UTC()},
		{name: "within skew", ts: `,"timestamp":"2024-05-10T12:04:00Z"`, want: received.Add(4 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"generation_id":"g","api_key":"k","model":"m"` + tt.ts + `}`)
			ev, err := ParseEvent(body, received)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(ev.OccurredAt), "got %s", ev.OccurredAt)
		})
	}
}

func TestParseEventRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"generation_id":`},
		{name: "no generation", body: `{"api_key":"k","model":"m"}`},
		{name: "no key", body: `{"generation_id":"g","model":"m"}`},
		{name: "no model", body: `{"generation_id":"g","api_key":"k"}`},
		{name: "negative tokens", body: `{"generation_id":"g","api_key":"k","model":"m","usage":{"prompt_tokens":-1}}`},
		{name: "negative cost", body: `{"generation_id":"g","api_key":"k","model":"m","cost":-0.1}`},
		{name: "bad currency", body: `{"generation_id":"g","api_key":"k","model":"m","currency":"dollars"}`},
		{name: "future", body: `{"generation_id":"g","api_key":"k","model":"m","timestamp":"2024-05-10T12:06:00Z"}`},
		{name: "garbage timestamp", body: `{"generation_id":"g","api_key":"k","model":"m","timestamp":"yesterday"}`},
		{name: "huge prompt tokens", body: `{"generation_id":"g","api_key":"k","model":"m","usage":{"prompt_tokens":9000000000000000000}}`},
		{name: "token sum overflow", body: `{"generation_id":"g","api_key":"k","model":"m","usage":{"prompt_tokens":1099511627776,"completion_tokens":1099511627777}}`},
		{name: "huge total tokens", body: `{"generation_id":"g","api_key":"k","model":"m","usage":{"total_tokens":9223372036854775807}}`},
		{name: "huge cost", body: `{"generation_id":"g","api_key":"k","model":"m","cost":20000000000000}`},
		{name: "cost just over limit", body: `{"generation_id":"g","api_key":"k","model":"m","cost":"1000000.000001"}`},
		{name: "unix timestamp out of range", body: `{"generation_id":"g","api_key":"k","model":"m","timestamp":1e19}`},
		{name: "timestamp before 2000", body: `{"generation_id":"g","api_key":"k","model":"m","timestamp":"1999-12-31T23:59:59Z"}`},
		{name: "tiny unix timestamp", body: `{"generation_id":"g","api_key":"k","model":"m","timestamp":86400}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.body), received)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestParseEventAcceptsBoundaryValues(t *testing.T) {
	body := []byte(`{"generation_id":"g","api_key":"k","model":"m",` +
		`"usage":{"prompt_tokens":1099511627776,"completion_tokens":1099511627776},` +
		`"cost":1000000,"timestamp":"2000-01-01T00:00:00Z"}`)

	ev, err := ParseEvent(body, received)
	require.NoError(t, err)
	assert.Equal(t, int64(2199023255552), ev.TotalTokens)
	assert.Equal(t, "1000000", ev.Cost.String())
	assert.Equal(t, 2000, ev.OccurredAt.Year())
}

func TestParseEventKeepsLargerTotal(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"generation_id":"g","api_key":"k","model":"m","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":40},"currency":"eur","cost":"1.5"}`), received)
	require.NoError(t, err)
	assert.Equal(t, int64(40), ev.TotalTokens)
	assert.Equal(t, "EUR", ev.Currency)
	assert.Equal(t, "1.5", ev.Cost.String())
}
