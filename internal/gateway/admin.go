package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/internal/currency"
	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxConsolidationDays bounds one manual consolidation request.
const maxConsolidationDays = 92

func (g *Gateway) orgID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "org_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid organization id", "invalid_request_error")
		return uuid.Nil, false
	}
	return id, true
}

// storeError writes the response for a store failure.
func (g *Gateway) storeError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found", "not_found_error")
		return
	}
	if errors.Is(err, store.ErrCurrencyLocked) {
		writeError(w, http.StatusConflict, err.Error(), "conflict_error")
		return
	}
	g.logger.Error("admin request failed", zap.String("action", action), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+action, "internal_error")
}

type organizationRequest struct {
	Name             *string `json:"name"`
	MarkupRate       *string `json:"markup_rate"`
	Currency         *string `json:"currency"`
	StripeCustomerID *string `json:"stripe_customer_id"`
	Active           *bool   `json:"active"`
}

// apply copies the set fields onto org.
func (req organizationRequest) apply(org *models.Organization) error {
	if req.Name != nil {
		org.Name = strings.TrimSpace(*req.Name)
	}
	if req.MarkupRate != nil {
		rate, err := decimal.NewFromString(*req.MarkupRate)
		if err != nil || !rate.IsPositive() {
			return errors.New("markup_rate must be a positive decimal")
		}
		org.MarkupRate = rate
	}
	if req.Currency != nil {
		c := strings.ToUpper(strings.TrimSpace(*req.Currency))
		if len(c) != 3 {
			return errors.New("currency must be an ISO 4217 code")
		}
		org.Currency = c
	}
	if req.StripeCustomerID != nil {
		org.StripeCustomerID = strings.TrimSpace(*req.StripeCustomerID)
	}
	if req.Active != nil {
		org.Active = *req.Active
	}
	if org.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func (g *Gateway) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req organizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	org := &models.Organization{MarkupRate: decimal.NewFromInt(1), Currency: "USD", Active: true}
	if err := req.apply(org); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	if err := g.store.CreateOrganization(r.Context(), org); err != nil {
		g.storeError(w, err, "create organization")
		return
	}

	g.logger.Info("organization created",
		zap.String("organization_id", org.ID.String()),
		zap.String("name", org.Name),
	)
	writeJSON(w, http.StatusCreated, org)
}

func (g *Gateway) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := g.store.ListOrganizations(r.Context())
	if err != nil {
		g.storeError(w, err, "list organizations")
		return
	}
	if orgs == nil {
		orgs = []models.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"organizations": orgs})
}

func (g *Gateway) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := g.orgID(w, r)
	if !ok {
		return
	}
	org, err := g.store.GetOrganization(r.Context(), id)
	if err != nil {
		g.storeError(w, err, "get organization")
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (g *Gateway) handleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := g.orgID(w, r)
	if !ok {
		return
	}
	var req organizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	org, err := g.store.GetOrganization(r.Context(), id)
	if err != nil {
		g.storeError(w, err, "get organization")
		return
	}
	if err := req.apply(org); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	if err := g.store.UpdateOrganization(r.Context(), org); err != nil {
		g.storeError(w, err, "update organization")
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (g *Gateway) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := g.orgID(w, r)
	if !ok {
		return
	}
	var req struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required", "invalid_request_error")
		return
	}

	if _, err := g.store.GetOrganization(r.Context(), id); err != nil {
		g.storeError(w, err, "get organization")
		return
	}
	key, err := g.store.AddAPIKey(r.Context(), id, strings.TrimSpace(req.Key), req.Label)
	if err != nil {
		g.storeError(w, err, "add api key")
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (g *Gateway) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := g.orgID(w, r)
	if !ok {
		return
	}
	keys, err := g.store.ListAPIKeys(r.Context(), id)
	if err != nil {
		g.storeError(w, err, "list api keys")
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

func (g *Gateway) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "key_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key id", "invalid_request_error")
		return
	}
	if err := g.store.RevokeAPIKey(r.Context(), id); err != nil {
		g.storeError(w, err, "revoke api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleMapUser(w http.ResponseWriter, r *http.Request) {
	id, ok := g.orgID(w, r)
	if !ok {
		return
	}
	external := strings.TrimSpace(chi.URLParam(r, "external_user_id"))
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if external == "" || strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "external user id and user_id are required", "invalid_request_error")
		return
	}

	m := models.UserMapping{OrganizationID: id, ExternalUserID: external, UserID: strings.TrimSpace(req.UserID)}
	if err := g.store.MapUser(r.Context(), m); err != nil {
		g.storeError(w, err, "map user")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// dateRange reads ?start=&end= (inclusive dates), defaulting to the last 30 days.
func (g *Gateway) dateRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if g.consolidation != nil {
		end = g.consolidation.Today()
	}
	start := end.AddDate(0, 0, -29)

	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("start must be YYYY-MM-DD")
		}
		start = t
	}
	if s := r.URL.Query().Get("end"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("end must be YYYY-MM-DD")
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end must not be before start")
	}
	return start, end, nil
}

func (g *Gateway) usageParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Time, time.Time, bool) {
	id, ok := g.orgID(w, r)
	if !ok {
		return uuid.Nil, time.Time{}, time.Time{}, false
	}
	from, to, err := g.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return uuid.Nil, time.Time{}, time.Time{}, false
	}
	return id, from, to, true
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, from, to, ok := g.usageParams(w, r)
	if !ok {
		return
	}
	totals, err := g.store.UsageTotals(r.Context(), id, from, to)
	if err != nil {
		g.storeError(w, err, "get usage")
		return
	}
	daily, err := g.store.DailyUsage(r.Context(), id, from, to)
	if err != nil {
		g.storeError(w, err, "get usage")
		return
	}
	if daily == nil {
		daily = []models.DailyUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": id,
		"start":           from.Format(time.DateOnly),
		"end":             to.Format(time.DateOnly),
		"totals":          totals,
		"daily":           daily,
	})
}

func (g *Gateway) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	id, from, to, ok := g.usageParams(w, r)
	if !ok {
		return
	}
	users, err := g.store.UserUsage(r.Context(), id, from, to)
	if err != nil {
		g.storeError(w, err, "get user usage")
		return
	}
	if users == nil {
		users = []models.UserUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": id,
		"start":           from.Format(time.DateOnly),
		"end":             to.Format(time.DateOnly),
		"users":           users,
	})
}

func (g *Gateway) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	id, from, to, ok := g.usageParams(w, r)
	if !ok {
		return
	}
	byModel, err := g.store.ModelUsage(r.Context(), id, from, to)
	if err != nil {
		g.storeError(w, err, "get model usage")
		return
	}
	if byModel == nil {
		byModel = []models.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": id,
		"start":           from.Format(time.DateOnly),
		"end":             to.Format(time.DateOnly),
		"models":          byModel,
	})
}

func (g *Gateway) handleStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := g.orgID(w, r)
	if !ok {
		return
	}
	month := time.Now().UTC()
	if m := r.URL.Query().Get("month"); m != "" {
		t, err := time.Parse("2006-01", m)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM", "invalid_request_error")
			return
		}
		month = t
	}

	stmt, err := g.statements.Statement(r.Context(), id, month)
	if err != nil {
		g.storeError(w, err, "build statement")
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

func (g *Gateway) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
		Days int    `json:"days"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
	}

	to := g.consolidation.Today().AddDate(0, 0, -1)
	if req.Date != "" {
		t, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", "invalid_request_error")
			return
		}
		to = t
	}
	if req.Days <= 0 {
		req.Days = 1
	}
	if req.Days > maxConsolidationDays {
		writeError(w, http.StatusBadRequest, "days must be at most "+strconv.Itoa(maxConsolidationDays), "invalid_request_error")
		return
	}
	from := to.AddDate(0, 0, -(req.Days - 1))

	runs, err := g.consolidation.ConsolidateRange(r.Context(), from, to)
	resp := map[string]interface{}{
		"start": from.Format(time.DateOnly),
		"end":   to.Format(time.DateOnly),
		"runs":  runs,
	}
	if err != nil {
		g.logger.Warn("manual consolidation finished with errors", zap.Error(err))
		resp["error"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := g.consolidation.Runs(r.Context(), limit)
	if err != nil {
		g.storeError(w, err, "list consolidation runs")
		return
	}
	if runs == nil {
		runs = []models.ProcessingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (g *Gateway) handleFXRate(w http.ResponseWriter, r *http.Request) {
	base := strings.ToUpper(chi.URLParam(r, "base"))
	quote := strings.ToUpper(chi.URLParam(r, "quote"))
	if len(base) != 3 || len(quote) != 3 {
		writeError(w, http.StatusBadRequest, "currencies must be ISO 4217 codes", "invalid_request_error")
		return
	}

	day := time.Now().UTC()
	if g.consolidation != nil {
		day = g.consolidation.Today()
	}
	if d := r.URL.Query().Get("date"); d != "" {
		t, err := time.Parse(time.DateOnly, d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", "invalid_request_error")
			return
		}
		day = t
	}

	q, err := g.rates.Rate(r.Context(), base, quote, day)
	if err != nil {
		if errors.Is(err, currency.ErrRateUnavailable) {
			writeError(w, http.StatusNotFound, err.Error(), "not_found_error")
			return
		}
		g.storeError(w, err, "get fx rate")
		return
	}
	writeJSON(w, http.StatusOK, q)
}
