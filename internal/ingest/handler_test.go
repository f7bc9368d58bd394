package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

type stubLimiter struct {
	decision LimitDecision
	err      error
}

func (s stubLimiter) AllowKey(ctx context.Context, keyHash string) (LimitDecision, error) {
	return s.decision, s.err
}

func newTestHandler(t *testing.T, limiter Limiter) (*Handler, *fakeLedger) {
	t.Helper()
	ledger := newFakeLedger(testOrg())
	h := NewHandler(newTestProcessor(t, ledger, nil), testSecret, 1024, 3, limiter, zap.NewNop())
	h.now = func() time.Time { return time.Date(2024, 5, 10, 23, 0, 0, 0, time.UTC) }
	return h, ledger
}

func eventBody(id string) []byte {
	return []byte(`{"generation_id":"` + id + `","api_key":"` + testKey + `","model":"openai/gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5},"cost":0.002,"timestamp":"2024-05-10T22:59:00Z"}`)
}

func signedRequest(path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign(body, testSecret))
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Type
}

func TestHandleWebhookRecords(t *testing.T) {
	h, ledger := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", eventBody("gen-1")))

	require.Equal(t, http.StatusOK, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, StatusRecorded, res.Status)
	assert.Contains(t, ledger.recorded, "gen-1")

	rec = httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", eventBody("gen-1")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, StatusDuplicate, res.Status)
}

func TestHandleWebhookAuthentication(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	body := eventBody("gen-1")

	tests := []struct {
		name   string
		header func(r *http.Request)
		want   int
	}{
		{name: "missing", header: func(r *http.Request) {}, want: http.StatusUnauthorized},
		{name: "wrong signature", header: func(r *http.Request) {
			r.Header.Set(SignatureHeader, Sign(body, "other"))
		}, want: http.StatusUnauthorized},
		{name: "wrong bearer", header: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer nope")
		}, want: http.StatusUnauthorized},
		{name: "bearer", header: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+testSecret)
		}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/usage", bytes.NewReader(body))
			tt.header(req)
			rec := httptest.NewRecorder()
			h.HandleWebhook(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleWebhookErrors(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", []byte(`{"api_key":"k","model":"m"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec))

	unknown := []byte(`{"generation_id":"g","api_key":"sk-unknown","model":"m"}`)
	rec = httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", unknown))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unknown_api_key", decodeError(t, rec))

	rec = httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", []byte(`{"generation_id":"`+strings.Repeat("x", 2048)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleWebhookInProgress(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	_, err := h.processor.reservations.Reserve(context.Background(), "gen-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", eventBody("gen-1")))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestHandleWebhookRateLimited(t *testing.T) {
	reset := time.Date(2024, 5, 10, 23, 1, 0, 0, time.UTC)
	h, ledger := newTestHandler(t, stubLimiter{decision: LimitDecision{Allowed: false, Limit: 10, Remaining: 0, ResetAt: reset}})

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", eventBody("gen-1")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "61", rec.Header().Get("Retry-After"))
	assert.Empty(t, ledger.recorded)
}

func TestHandleWebhookLimiterFailsOpen(t *testing.T) {
	h, _ := newTestHandler(t, stubLimiter{err: assert.AnError})

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest("/v1/usage", eventBody("gen-1")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleBatch(t *testing.T) {
	h, ledger := newTestHandler(t, nil)
	ledger.recorded["gen-dup"] = nil

	body := []byte(`{"events":[` +
		string(eventBody("gen-a")) + `,` +
		string(eventBody("gen-dup")) + `,` +
		`{"generation_id":"gen-bad","api_key":"` + testKey + `"}` +
		`]}`)
	h.maxBodyBytes = 4096

	rec := httptest.NewRecorder()
	h.HandleBatch(rec, signedRequest("/v1/usage/batch", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Recorded)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, http.StatusBadRequest, resp.Results[2].Code)
	assert.Equal(t, "recorded", resp.Results[0].Status)
}

func TestHandleBatchLimits(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.HandleBatch(rec, signedRequest("/v1/usage/batch", []byte(`{"events":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleBatch(rec, signedRequest("/v1/usage/batch", []byte(`{"events":[{},{},{},{}]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
