package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/relaymesh/billingd/internal/store"
)

// DeleteDecision answers whether an organization can be deleted without
// stranding a live paid relationship.
type DeleteDecision struct {
	CanDelete  bool   `json:"canDelete"`
	Reason     string `json:"reason"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

// CanDeleteOrganization is a read-only guard evaluated over the local
// snapshot cache. It never calls the payment processor: deletion checks
// must stay answerable during a processor outage.
//
// Rules, in order: no billing records at all is deletable; an abandoned
// checkout is deletable; a live subscription already set to cancel is
// deletable once its period ends; any other live subscription blocks
// deletion until it is canceled.
func (s *Service) CanDeleteOrganization(orgID string) (*DeleteDecision, error) {
	binding, err := s.store.GetBinding(orgID)
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}
	if binding == nil {
		return &DeleteDecision{CanDelete: true, Reason: "no billing records"}, nil
	}

	snapshots, err := s.store.GetSnapshots(binding.StripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	var live *store.Snapshot
	for _, snap := range snapshots {
		if snap.Status.Qualifying() {
			live = snap
			break
		}
	}

	if live == nil {
		if binding.PendingCheckoutSessionID != "" {
			return &DeleteDecision{CanDelete: true, Reason: "checkout was started but never completed"}, nil
		}
		return &DeleteDecision{CanDelete: true, Reason: "no live subscription"}, nil
	}

	if live.CancelAtPeriodEnd {
		retry := live.CurrentPeriodEnd
		return &DeleteDecision{
			CanDelete:  false,
			Reason:     "subscription is canceling; retry after the current period ends",
			RetryAfter: &retry,
		}, nil
	}
	return &DeleteDecision{
		CanDelete: false,
		Reason:    "organization has a live subscription; cancel it first",
	}, nil
}

// CancelResult reports a bulk cancellation. Per-subscription failures do
// not abort the batch; Errors lists what still needs manual attention.
type CancelResult struct {
	OK            bool     `json:"ok"`
	Message       string   `json:"message"`
	CanceledCount int      `json:"canceledCount"`
	Errors        []string `json:"errors,omitempty"`
}

// CancelAllSubscriptions immediately cancels every live subscription for
// the organization, for use ahead of deletion. Partial failures are
// reported so the caller can retry.
func (s *Service) CancelAllSubscriptions(ctx context.Context, orgID string) (*CancelResult, error) {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}
	canceled, errs := s.cancelLiveSubscriptions(ctx, customerID)
	result := &CancelResult{
		OK:            len(errs) == 0,
		CanceledCount: canceled,
		Errors:        errs,
	}
	if result.OK {
		result.Message = fmt.Sprintf("canceled %d subscription(s)", canceled)
	} else {
		result.Message = fmt.Sprintf("canceled %d subscription(s) with %d error(s)", canceled, len(errs))
	}
	s.audit(orgID, "subscriptions.cancel_all", fmt.Sprintf(`{"canceledCount":%d,"errors":%d}`, canceled, len(errs)))
	if err := s.ResyncCustomer(ctx, customerID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after bulk cancel failed")
	}
	return result, nil
}
