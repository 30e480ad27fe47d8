package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/billingd/internal/billing"
	"github.com/relaymesh/billingd/internal/config"
	"github.com/relaymesh/billingd/internal/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Service *billing.Service
	Version string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", handleHealthz(deps.Version))
	mux.HandleFunc("GET /readyz", handleReadyz(deps.Store))

	mux.Handle("GET /metrics", adminAuth(promhttp.Handler()))

	// Stripe webhook (signature-authenticated)
	webhookHandler := billing.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Service)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Organization billing API (key-authenticated, called by trusted
	// internal services on behalf of organizations).
	svc := deps.Service
	mux.Handle("GET /api/orgs/{org_id}/subscription", adminAuth(handleSubscriptionSummary(svc)))
	mux.Handle("GET /api/orgs/{org_id}/can-delete", adminAuth(handleCanDelete(svc)))
	mux.Handle("GET /api/orgs/{org_id}/history", adminAuth(handleBillingHistory(svc)))

	mux.Handle("POST /api/orgs/{org_id}/checkout", adminAuth(handleStartCheckout(svc)))
	mux.Handle("POST /api/orgs/{org_id}/plan", adminAuth(handleChangePlan(svc)))
	mux.Handle("DELETE /api/orgs/{org_id}/plan/scheduled", adminAuth(handleCancelScheduledChange(svc)))
	mux.Handle("POST /api/orgs/{org_id}/cancel", adminAuth(handleCancelAtPeriodEnd(svc)))
	mux.Handle("POST /api/orgs/{org_id}/resume", adminAuth(handleResumeSubscription(svc)))
	mux.Handle("POST /api/orgs/{org_id}/subscriptions/cancel-all", adminAuth(handleCancelAllSubscriptions(svc)))

	mux.Handle("POST /api/orgs/{org_id}/trial", adminAuth(handleStartTrial(svc)))
	mux.Handle("POST /api/orgs/{org_id}/trial/end-early", adminAuth(handleEndTrialEarly(svc)))

	mux.Handle("GET /api/orgs/{org_id}/refund", adminAuth(handleRefundEligibility(svc)))
	mux.Handle("POST /api/orgs/{org_id}/refund", adminAuth(handleExecuteRefund(svc)))

	mux.Handle("POST /api/orgs/{org_id}/resync", adminAuth(handleResync(svc)))
}

func handleHealthz(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}

func handleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
