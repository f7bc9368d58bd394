package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/metrics"
	"go.uber.org/zap"
)

// LimitDecision is a rate limiter verdict for one sender key.
type LimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter throttles events per api key hash.
type Limiter interface {
	AllowKey(ctx context.Context, keyHash string) (LimitDecision, error)
}

// Handler serves the usage webhook endpoints.
type Handler struct {
	processor    *Processor
	secret       string
	maxBodyBytes int64
	maxBatchSize int
	limiter      Limiter
	logger       *zap.Logger
	now          func() time.Time
}

// NewHandler creates a Handler. limiter may be nil.
func NewHandler(processor *Processor, secret string, maxBodyBytes int64, maxBatchSize int, limiter Limiter, logger *zap.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}
	return &Handler{
		processor:    processor,
		secret:       secret,
		maxBodyBytes: maxBodyBytes,
		maxBatchSize: maxBatchSize,
		limiter:      limiter,
		logger:       logger,
		now:          time.Now,
	}
}

// errRateLimited is returned per event when the sender key is over its limit.
var errRateLimited = errors.New("rate limit exceeded")

// retryAfterInProgress is the hint sent with 409 responses.
const retryAfterInProgress = 5 * time.Second

// HandleWebhook processes a single usage event.
//
// Responses: 200 recorded or duplicate, 400 invalid payload, 401 bad
// signature, 409 generation in progress, 422 unknown api key, 429 rate
// limited, 500 storage or FX failures.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readAuthenticated(w, r)
	if !ok {
		return
	}

	ev, err := ParseEvent(body, h.now())
	if err != nil {
		metrics.RecordIngest("invalid", 0)
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	res, err := h.process(r.Context(), w, ev)
	if err != nil {
		h.writeProcessError(w, ev, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Events []json.RawMessage `json:"events"`
}

// BatchItem is the outcome of one event in a batch.
type BatchItem struct {
	Index        int     `json:"index"`
	GenerationID string  `json:"generation_id,omitempty"`
	Status       string  `json:"status"`
	Code         int     `json:"code"`
	Error        string  `json:"error,omitempty"`
	Result       *Result `json:"result,omitempty"`
}

// BatchResponse summarizes a batch.
type BatchResponse struct {
	Recorded   int         `json:"recorded"`
	Duplicates int         `json:"duplicates"`
	Failed     int         `json:"failed"`
	Results    []BatchItem `json:"results"`
}

// HandleBatch processes {"events":[...]}. Events succeed or fail independently.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readAuthenticated(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json: "+err.Error(), "invalid_request_error")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty", "invalid_request_error")
		return
	}
	if len(req.Events) > h.maxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch of %d events exceeds limit of %d", len(req.Events), h.maxBatchSize),
			"invalid_request_error")
		return
	}

	resp := BatchResponse{Results: make([]BatchItem, 0, len(req.Events))}
	receivedAt := h.now()
	for i, raw := range req.Events {
		item := BatchItem{Index: i}

		ev, err := ParseEvent(raw, receivedAt)
		if err == nil {
			item.GenerationID = ev.GenerationID
			var res Result
			res, err = h.process(r.Context(), nil, ev)
			if err == nil {
				item.Status, item.Code, item.Result = string(res.Status), http.StatusOK, &res
				if res.Status == StatusDuplicate {
					resp.Duplicates++
				} else {
					resp.Recorded++
				}
			}
		} else {
			metrics.RecordIngest("invalid", 0)
		}

		if err != nil {
			code, _ := statusFor(err)
			item.Status, item.Code, item.Error = "failed", code, err.Error()
			resp.Failed++
			if code >= http.StatusInternalServerError {
				h.logger.Error("batch event failed", zap.String("generation_id", item.GenerationID), zap.Error(err))
			}
		}
		resp.Results = append(resp.Results, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// readAuthenticated reads the bounded body and checks the sender's credentials.
func (h *Handler) readAuthenticated(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return nil, false
	}

	if !authenticate(r, body, h.secret) {
		h.logger.Warn("usage webhook authentication failed", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid signature", "authentication_error")
		return nil, false
	}
	return body, true
}

// process applies the per-key rate limit, then runs the processor. Rate
// limit headers are written when w is not nil.
func (h *Handler) process(ctx context.Context, w http.ResponseWriter, ev Event) (Result, error) {
	if h.limiter != nil {
		decision, err := h.limiter.AllowKey(ctx, store.HashAPIKey(ev.APIKey))
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing event", zap.Error(err))
		} else {
			if w != nil {
				setRateLimitHeaders(w, decision, h.now())
			}
			if !decision.Allowed {
				metrics.RecordIngest("rate_limited", 0)
				return Result{}, errRateLimited
			}
		}
	}
	return h.processor.Process(ctx, ev)
}

func setRateLimitHeaders(w http.ResponseWriter, d LimitDecision, now time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		secs := int(d.ResetAt.Sub(now).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

// statusFor maps a processing error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrInProgress):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, ErrUnknownAPIKey):
		return http.StatusUnprocessableEntity, "unknown_api_key"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeProcessError(w http.ResponseWriter, ev Event, err error) {
	code, errType := statusFor(err)
	message := err.Error()
	switch code {
	case http.StatusConflict:
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfterInProgress.Seconds())))
	case http.StatusInternalServerError:
		h.logger.Error("failed to process usage event",
			zap.String("generation_id", ev.GenerationID),
			zap.Error(err),
		)
		message = "failed to process usage event"
	}
	writeError(w, code, message, errType)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}
