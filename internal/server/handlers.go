package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/relaymesh/billingd/internal/billing"
	"github.com/relaymesh/billingd/internal/directory"
)

// AdminKeyMiddleware requires a valid admin API key on every request.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || key != adminKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeServiceError maps billing errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNoBinding), errors.Is(err, billing.ErrNoActiveSubscription):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, directory.ErrOrganizationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Billing request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type priceRequest struct {
	PriceID string `json:"priceId"`
}

func decodePriceRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req priceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", false
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "priceId is required"})
		return "", false
	}
	return priceID, true
}

func orgID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("org_id"))
}

// handleSubscriptionSummary answers GET /api/orgs/{org_id}/subscription
// from local state only.
func handleSubscriptionSummary(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.SubscriptionSummary(orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleCanDelete(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision, err := svc.CanDeleteOrganization(orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

func handleStartCheckout(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		priceID, ok := decodePriceRequest(w, r)
		if !ok {
			return
		}
		intent, err := svc.StartCheckout(r.Context(), orgID(r), priceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if !intent.OK {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, intent)
	}
}

func handleChangePlan(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		priceID, ok := decodePriceRequest(w, r)
		if !ok {
			return
		}
		change, err := svc.ChangePlan(r.Context(), orgID(r), priceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if !change.OK {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, change)
	}
}

func handleCancelScheduledChange(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		change, err := svc.CancelScheduledChange(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if !change.OK {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, change)
	}
}

func handleCancelAtPeriodEnd(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		change, err := svc.CancelAtPeriodEnd(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, change)
	}
}

func handleResumeSubscription(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		change, err := svc.ResumeSubscription(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, change)
	}
}

func handleStartTrial(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		priceID, ok := decodePriceRequest(w, r)
		if !ok {
			return
		}
		decision, err := svc.StartTrial(r.Context(), orgID(r), priceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if !decision.OK {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, decision)
	}
}

func handleEndTrialEarly(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision, err := svc.EndTrialEarly(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if !decision.OK {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, decision)
	}
}

func handleRefundEligibility(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eligibility, err := svc.CheckRefundEligibility(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, eligibility)
	}
}

func handleExecuteRefund(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.ExecuteRefund(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if !result.OK && result.RefundedCount == 0 && result.CanceledCount == 0 {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, result)
	}
}

func handleCancelAllSubscriptions(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.CancelAllSubscriptions(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleBillingHistory(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.BillingHistory(r.Context(), orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if entries == nil {
			entries = []billing.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

// handleResync forces a snapshot refresh for an organization's customer,
// for operator use when a webhook was missed.
func handleResync(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ResyncOrganization(r.Context(), orgID(r)); err != nil {
			writeServiceError(w, err)
			return
		}
		summary, err := svc.SubscriptionSummary(orgID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
