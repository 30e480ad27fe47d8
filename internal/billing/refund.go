package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/bmetrics"
	"github.com/relaymesh/billingd/internal/store"
)

// Refunds issued under the money-back guarantee carry this metadata
// marker so the one-guarantee-per-organization rule survives restarts
// and database loss: the processor itself remembers.
const guaranteeMarker = "money_back_guarantee"

// RefundEligibility explains whether the guarantee can still be invoked.
type RefundEligibility struct {
	Eligible        bool   `json:"eligible"`
	Reason          string `json:"reason,omitempty"`
	RefundableCents int64  `json:"refundableCents"`
	FirstChargeAt   int64  `json:"firstChargeAt,omitempty"`
	WindowEndsAt    int64  `json:"windowEndsAt,omitempty"`
}

// RefundResult reports a guarantee execution. Per-charge failures do not
// abort the batch; Errors lists what still needs manual attention.
type RefundResult struct {
	OK             bool     `json:"ok"`
	Message        string   `json:"message"`
	RefundedCents  int64    `json:"refundedCents"`
	RefundedCount  int      `json:"refundedCount"`
	CanceledCount  int      `json:"canceledCount"`
	Errors         []string `json:"errors,omitempty"`
}

// CheckRefundEligibility evaluates the money-back guarantee for an
// organization: there must be payment history, the first charge must be
// inside the refund window, and the guarantee must not have been used.
func (s *Service) CheckRefundEligibility(ctx context.Context, orgID string) (*RefundEligibility, error) {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}
	charges, err := s.paidCharges(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(charges) == 0 {
		return &RefundEligibility{Eligible: false, Reason: "no payment history"}, nil
	}

	firstCharge := charges[0].Created
	for _, ch := range charges {
		if ch.Created < firstCharge {
			firstCharge = ch.Created
		}
	}
	windowEnd := firstCharge + int64(s.refundWindow.Seconds())
	if s.now().Unix() > windowEnd {
		return &RefundEligibility{
			Eligible:      false,
			Reason:        "refund window has passed",
			FirstChargeAt: firstCharge * 1000,
			WindowEndsAt:  windowEnd * 1000,
		}, nil
	}

	var refundable int64
	for _, ch := range charges {
		used, err := s.guaranteeUsed(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if used {
			return &RefundEligibility{Eligible: false, Reason: "money-back guarantee already used"}, nil
		}
		refundable += ch.Amount - ch.AmountRefunded
	}
	if refundable <= 0 {
		return &RefundEligibility{Eligible: false, Reason: "nothing left to refund"}, nil
	}
	return &RefundEligibility{
		Eligible:        true,
		RefundableCents: refundable,
		FirstChargeAt:   firstCharge * 1000,
		WindowEndsAt:    windowEnd * 1000,
	}, nil
}

// ExecuteRefund invokes the money-back guarantee: cancels every live
// subscription without proration, then refunds each charge's remaining
// balance. Charges that fail to refund are reported, not retried here.
func (s *Service) ExecuteRefund(ctx context.Context, orgID string) (*RefundResult, error) {
	eligibility, err := s.CheckRefundEligibility(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !eligibility.Eligible {
		bmetrics.RefundsTotal.WithLabelValues("rejected").Inc()
		return &RefundResult{OK: false, Message: eligibility.Reason}, nil
	}

	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}

	result := &RefundResult{}

	canceled, cancelErrs := s.cancelLiveSubscriptions(ctx, customerID)
	result.CanceledCount = canceled
	result.Errors = append(result.Errors, cancelErrs...)

	charges, err := s.paidCharges(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, ch := range charges {
		remaining := ch.Amount - ch.AmountRefunded
		if remaining <= 0 {
			continue
		}
		key, err := store.GenerateIdempotencyKey()
		if err != nil {
			return nil, err
		}
		params := &stripelib.RefundParams{Charge: stripelib.String(ch.ID)}
		params.Context = ctx
		params.SetIdempotencyKey(key)
		params.AddMetadata("reason", guaranteeMarker)
		params.AddMetadata("org_id", orgID)
		ref, err := s.api.createRefund(params)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("refund charge %s: %v", ch.ID, err))
			continue
		}
		result.RefundedCents += ref.Amount
		result.RefundedCount++
	}

	result.OK = len(result.Errors) == 0
	if result.OK {
		result.Message = fmt.Sprintf("refunded %d charge(s)", result.RefundedCount)
		bmetrics.RefundsTotal.WithLabelValues("ok").Inc()
	} else {
		result.Message = fmt.Sprintf("refund completed with %d error(s): %s", len(result.Errors), strings.Join(result.Errors, "; "))
		bmetrics.RefundsTotal.WithLabelValues("partial").Inc()
	}

	s.audit(orgID, "refund.guarantee", fmt.Sprintf(`{"refundedCents":%d,"refundedCount":%d,"canceledCount":%d,"errors":%d}`,
		result.RefundedCents, result.RefundedCount, result.CanceledCount, len(result.Errors)))
	if err := s.ResyncCustomer(ctx, customerID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after refund failed")
	}
	return result, nil
}

// paidCharges lists the customer's successful charges. Only charges that
// belong to this customer are ever considered; refunds never reach
// across customers even when invoices share a payment method.
func (s *Service) paidCharges(ctx context.Context, customerID string) ([]*stripelib.Charge, error) {
	params := &stripelib.ChargeListParams{Customer: stripelib.String(customerID)}
	params.Context = ctx
	charges, err := s.api.listCharges(params)
	if err != nil {
		return nil, fmt.Errorf("list charges for %s: %w", customerID, err)
	}
	paid := charges[:0]
	for _, ch := range charges {
		if ch.Paid {
			paid = append(paid, ch)
		}
	}
	return paid, nil
}

func (s *Service) guaranteeUsed(ctx context.Context, chargeID string) (bool, error) {
	params := &stripelib.RefundListParams{Charge: stripelib.String(chargeID)}
	params.Context = ctx
	refunds, err := s.api.listRefunds(params)
	if err != nil {
		return false, fmt.Errorf("list refunds for charge %s: %w", chargeID, err)
	}
	for _, ref := range refunds {
		if ref.Metadata["reason"] == guaranteeMarker {
			return true, nil
		}
	}
	return false, nil
}

// cancelLiveSubscriptions cancels every non-terminal subscription
// immediately and without proration credit. Partial failure is
// tolerated; the caller reports what remains.
func (s *Service) cancelLiveSubscriptions(ctx context.Context, customerID string) (int, []string) {
	subs, err := s.fetchSubscriptions(ctx, customerID)
	if err != nil {
		return 0, []string{err.Error()}
	}
	var canceled int
	var errs []string
	for _, sub := range subs {
		if sub.Status == stripelib.SubscriptionStatusCanceled || sub.Status == stripelib.SubscriptionStatusIncompleteExpired {
			continue
		}
		params := &stripelib.SubscriptionCancelParams{
			InvoiceNow: stripelib.Bool(false),
			Prorate:    stripelib.Bool(false),
		}
		params.Context = ctx
		if _, err := s.api.cancelSubscription(sub.ID, params); err != nil {
			errs = append(errs, fmt.Sprintf("cancel subscription %s: %v", sub.ID, err))
			continue
		}
		canceled++
	}
	return canceled, errs
}
