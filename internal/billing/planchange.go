package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/bmetrics"
	"github.com/relaymesh/billingd/internal/pricing"
)

// PlanChange reports what a plan change request did. Rejections are
// decisions, not errors: OK is false and Message says why.
type PlanChange struct {
	OK              bool   `json:"ok"`
	Changed         bool   `json:"changed"`
	Scheduled       bool   `json:"scheduled"`
	Message         string `json:"message"`
	PreviousPriceID string `json:"previousPriceId,omitempty"`
	NewPriceID      string `json:"newPriceId,omitempty"`
	EffectiveAt     int64  `json:"effectiveAt,omitempty"`
}

// ChangePlan moves an organization's subscription to the requested price.
//
// Upgrades apply immediately: paid subscribers are charged the prorated
// difference up front, trialing subscribers switch price with the trial
// clock untouched. Downgrades during a trial also apply immediately
// since no money has changed hands; downgrades on a paid subscription
// are deferred to the period boundary via a subscription schedule so the
// subscriber keeps what was paid for.
func (s *Service) ChangePlan(ctx context.Context, orgID, requestedPriceID string) (*PlanChange, error) {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}
	sub, err := s.qualifyingSubscription(ctx, customerID)
	if err != nil {
		return nil, err
	}
	currentPriceID := subPriceID(sub)

	kind := s.catalog.Classify(currentPriceID, requestedPriceID)
	switch kind {
	case pricing.ChangeUnknownPrice:
		bmetrics.PlanChangesTotal.WithLabelValues("rejected").Inc()
		return &PlanChange{
			OK:      false,
			Message: fmt.Sprintf("price %q is not offered", requestedPriceID),
		}, nil

	case pricing.ChangeNone:
		return &PlanChange{
			OK:              true,
			Changed:         false,
			Message:         fmt.Sprintf("already on %s", s.priceLabel(currentPriceID)),
			PreviousPriceID: currentPriceID,
			NewPriceID:      currentPriceID,
		}, nil

	case pricing.ChangeAmbiguous:
		bmetrics.PlanChangesTotal.WithLabelValues("rejected").Inc()
		return &PlanChange{
			OK: false,
			Message: fmt.Sprintf("changing from %s to %s raises the tier while lowering the billing interval; change one at a time",
				s.priceLabel(currentPriceID), s.priceLabel(requestedPriceID)),
		}, nil
	}

	trialing := sub.Status == stripelib.SubscriptionStatusTrialing

	if kind == pricing.ChangeUpgrade || trialing {
		return s.applyImmediateChange(ctx, orgID, sub, currentPriceID, requestedPriceID, kind, trialing)
	}
	return s.scheduleDowngrade(ctx, orgID, sub, currentPriceID, requestedPriceID)
}

func (s *Service) applyImmediateChange(ctx context.Context, orgID string, sub *stripelib.Subscription, currentPriceID, newPriceID string, kind pricing.ChangeKind, trialing bool) (*PlanChange, error) {
	params := &stripelib.SubscriptionParams{
		Items: []*stripelib.SubscriptionItemsParams{
			{
				ID:    stripelib.String(subItemID(sub)),
				Price: stripelib.String(newPriceID),
			},
		},
	}
	params.Context = ctx

	branch := "upgrade_trial"
	switch {
	case trialing:
		// No invoice exists during a trial; swap the price and leave
		// the trial clock alone. Stripe would otherwise keep the trial
		// anyway, but proration lines on the first real invoice are
		// confusing, so suppress them.
		params.ProrationBehavior = stripelib.String("none")
		if kind == pricing.ChangeDowngrade {
			branch = "downgrade_trial"
		}
	default:
		// Paid upgrade: invoice and collect the prorated difference
		// now. A declined card must fail the whole change.
		params.ProrationBehavior = stripelib.String("always_invoice")
		params.PaymentBehavior = stripelib.String("error_if_incomplete")
		branch = "upgrade_paid"
	}

	updated, err := s.api.updateSubscription(sub.ID, params)
	if err != nil {
		bmetrics.PlanChangesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}

	bmetrics.PlanChangesTotal.WithLabelValues(branch).Inc()
	s.audit(orgID, "plan.changed", fmt.Sprintf(`{"from":%q,"to":%q,"branch":%q}`, currentPriceID, newPriceID, branch))
	if err := s.ResyncCustomer(ctx, updated.Customer.ID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after plan change failed")
	}

	msg := fmt.Sprintf("switched to %s", s.priceLabel(newPriceID))
	if trialing {
		msg += "; your trial end date is unchanged"
	}
	return &PlanChange{
		OK:              true,
		Changed:         true,
		Message:         msg,
		PreviousPriceID: currentPriceID,
		NewPriceID:      newPriceID,
		EffectiveAt:     s.now().UnixMilli(),
	}, nil
}

func (s *Service) scheduleDowngrade(ctx context.Context, orgID string, sub *stripelib.Subscription, currentPriceID, newPriceID string) (*PlanChange, error) {
	// A schedule already attached (an earlier scheduled change) is
	// released first; the new request supersedes it.
	if sub.Schedule != nil {
		relParams := &stripelib.SubscriptionScheduleReleaseParams{}
		relParams.Context = ctx
		if _, err := s.api.releaseSchedule(sub.Schedule.ID, relParams); err != nil {
			bmetrics.PlanChangesTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("release prior schedule %s: %w", sub.Schedule.ID, err)
		}
	}

	createParams := &stripelib.SubscriptionScheduleParams{
		FromSubscription: stripelib.String(sub.ID),
	}
	createParams.Context = ctx
	sched, err := s.api.createSchedule(createParams)
	if err != nil {
		bmetrics.PlanChangesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("create schedule for %s: %w", sub.ID, err)
	}

	periodStart, periodEnd := subPeriod(sub)
	qty := subQuantity(sub)
	updateParams := &stripelib.SubscriptionScheduleParams{
		EndBehavior: stripelib.String("release"),
		Phases: []*stripelib.SubscriptionSchedulePhaseParams{
			{
				Items: []*stripelib.SubscriptionSchedulePhaseItemParams{
					{Price: stripelib.String(currentPriceID), Quantity: stripelib.Int64(qty)},
				},
				StartDate: stripelib.Int64(periodStart),
				EndDate:   stripelib.Int64(periodEnd),
			},
			{
				Items: []*stripelib.SubscriptionSchedulePhaseItemParams{
					{Price: stripelib.String(newPriceID), Quantity: stripelib.Int64(qty)},
				},
				ProrationBehavior: stripelib.String("none"),
			},
		},
	}
	updateParams.Context = ctx
	if _, err := s.api.updateSchedule(sched.ID, updateParams); err != nil {
		bmetrics.PlanChangesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("set schedule phases on %s: %w", sched.ID, err)
	}

	bmetrics.PlanChangesTotal.WithLabelValues("downgrade_scheduled").Inc()
	s.audit(orgID, "plan.downgrade_scheduled", fmt.Sprintf(`{"from":%q,"to":%q,"effectiveAt":%d}`, currentPriceID, newPriceID, periodEnd*1000))
	if err := s.ResyncCustomer(ctx, sub.Customer.ID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after scheduling downgrade failed")
	}

	return &PlanChange{
		OK:              true,
		Changed:         true,
		Scheduled:       true,
		Message:         fmt.Sprintf("downgrade to %s takes effect on %s", s.priceLabel(newPriceID), time.Unix(periodEnd, 0).UTC().Format("2006-01-02")),
		PreviousPriceID: currentPriceID,
		NewPriceID:      newPriceID,
		EffectiveAt:     periodEnd * 1000,
	}, nil
}

// CancelScheduledChange releases a pending scheduled downgrade so the
// subscription stays on its current price.
func (s *Service) CancelScheduledChange(ctx context.Context, orgID string) (*PlanChange, error) {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}
	sub, err := s.qualifyingSubscription(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub.Schedule == nil {
		return &PlanChange{OK: false, Message: "no scheduled plan change to cancel"}, nil
	}

	params := &stripelib.SubscriptionScheduleReleaseParams{}
	params.Context = ctx
	if _, err := s.api.releaseSchedule(sub.Schedule.ID, params); err != nil {
		return nil, fmt.Errorf("release schedule %s: %w", sub.Schedule.ID, err)
	}

	s.audit(orgID, "plan.scheduled_change_canceled", fmt.Sprintf(`{"scheduleId":%q}`, sub.Schedule.ID))
	if err := s.ResyncCustomer(ctx, customerID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after schedule release failed")
	}
	return &PlanChange{
		OK:              true,
		Changed:         true,
		Message:         fmt.Sprintf("scheduled change canceled; staying on %s", s.priceLabel(subPriceID(sub))),
		PreviousPriceID: subPriceID(sub),
		NewPriceID:      subPriceID(sub),
	}, nil
}

// CancelAtPeriodEnd flags the subscription to lapse at the period
// boundary instead of renewing.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, orgID string) (*PlanChange, error) {
	return s.setCancelAtPeriodEnd(ctx, orgID, true)
}

// ResumeSubscription clears a pending period-end cancellation.
func (s *Service) ResumeSubscription(ctx context.Context, orgID string) (*PlanChange, error) {
	return s.setCancelAtPeriodEnd(ctx, orgID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, orgID string, cancel bool) (*PlanChange, error) {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}
	sub, err := s.qualifyingSubscription(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd == cancel {
		msg := "subscription is not set to cancel"
		if cancel {
			msg = "subscription is already set to cancel at period end"
		}
		return &PlanChange{OK: true, Changed: false, Message: msg, PreviousPriceID: subPriceID(sub), NewPriceID: subPriceID(sub)}, nil
	}

	params := &stripelib.SubscriptionParams{CancelAtPeriodEnd: stripelib.Bool(cancel)}
	params.Context = ctx
	if _, err := s.api.updateSubscription(sub.ID, params); err != nil {
		return nil, fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}

	action := "subscription.resume"
	msg := "subscription will continue renewing"
	_, periodEnd := subPeriod(sub)
	if cancel {
		action = "subscription.cancel_at_period_end"
		msg = fmt.Sprintf("subscription ends on %s", time.Unix(periodEnd, 0).UTC().Format("2006-01-02"))
	}
	s.audit(orgID, action, fmt.Sprintf(`{"subscriptionId":%q}`, sub.ID))
	if err := s.ResyncCustomer(ctx, customerID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after cancellation toggle failed")
	}
	return &PlanChange{
		OK:              true,
		Changed:         true,
		Message:         msg,
		PreviousPriceID: subPriceID(sub),
		NewPriceID:      subPriceID(sub),
		EffectiveAt:     periodEnd * 1000,
	}, nil
}
