package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/bmetrics"
	"github.com/relaymesh/billingd/internal/store"
)

// ResyncCustomer refetches all subscriptions for a Stripe customer and
// replaces the local snapshot set atomically. Concurrent calls for the
// same customer are coalesced; each caller gets the result of one fetch
// that started no earlier than its own call, so convergence does not
// depend on webhook arrival order.
func (s *Service) ResyncCustomer(ctx context.Context, customerID string) error {
	_, err, _ := s.resyncGroup.Do(customerID, func() (any, error) {
		return nil, s.resyncCustomer(ctx, customerID)
	})
	if err != nil {
		bmetrics.ResyncTotal.WithLabelValues("error").Inc()
		return err
	}
	bmetrics.ResyncTotal.WithLabelValues("ok").Inc()
	return nil
}

// ResyncOrganization refreshes the snapshot cache for an organization's
// bound customer.
func (s *Service) ResyncOrganization(ctx context.Context, orgID string) error {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return err
	}
	return s.ResyncCustomer(ctx, customerID)
}

func (s *Service) resyncCustomer(ctx context.Context, customerID string) error {
	subs, err := s.fetchSubscriptions(ctx, customerID)
	if err != nil {
		return err
	}

	snapshots := make([]*store.Snapshot, 0, len(subs))
	for _, sub := range subs {
		snap, err := s.snapshotFromSubscription(ctx, sub)
		if err != nil {
			// One malformed subscription must not block syncing the rest.
			log.Error().Err(err).Str("customerID", customerID).Str("subscriptionID", sub.ID).
				Msg("Skipping subscription during resync")
			continue
		}
		snapshots = append(snapshots, snap)
	}

	if err := s.store.ReplaceSnapshots(customerID, snapshots); err != nil {
		return fmt.Errorf("replace snapshots for %s: %w", customerID, err)
	}
	log.Debug().Str("customerID", customerID).Int("count", len(snapshots)).Msg("Resynced customer snapshots")
	return nil
}

func (s *Service) snapshotFromSubscription(ctx context.Context, sub *stripelib.Subscription) (*store.Snapshot, error) {
	if sub.Customer == nil {
		return nil, fmt.Errorf("subscription %s has no customer", sub.ID)
	}
	priceID := subPriceID(sub)
	if priceID == "" {
		return nil, fmt.Errorf("subscription %s has no price", sub.ID)
	}
	periodStart, periodEnd := subPeriod(sub)

	snap := &store.Snapshot{
		StripeCustomerID:     sub.Customer.ID,
		StripeSubscriptionID: sub.ID,
		Status:               normalizeStatus(string(sub.Status)),
		PriceID:              priceID,
		Tier:                 string(s.catalog.TierOf(priceID)),
		BillingInterval:      string(s.catalog.IntervalOf(priceID)),
		CurrentPeriodStart:   periodStart * 1000,
		CurrentPeriodEnd:     periodEnd * 1000,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		Quantity:             subQuantity(sub),
		RemoteCreatedAt:      sub.Created * 1000,
		UpdatedAt:            s.now(),
	}
	if sub.CancelAt > 0 {
		v := sub.CancelAt * 1000
		snap.CancelAt = &v
	}
	if sub.TrialStart > 0 {
		v := sub.TrialStart * 1000
		snap.TrialStart = &v
	}
	if sub.TrialEnd > 0 {
		v := sub.TrialEnd * 1000
		snap.TrialEnd = &v
	}
	if pm := sub.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		snap.PaymentMethodBrand = string(pm.Card.Brand)
		snap.PaymentMethodLast4 = pm.Card.Last4
	}
	if sub.Schedule != nil {
		snap.ScheduleID = sub.Schedule.ID
		scheduled, err := s.scheduledPriceID(ctx, sub.Schedule)
		if err != nil {
			log.Warn().Err(err).Str("subscriptionID", sub.ID).Str("scheduleID", sub.Schedule.ID).
				Msg("Could not resolve scheduled price")
		} else {
			snap.ScheduledPriceID = scheduled
		}
	}
	return snap, nil
}

// scheduledPriceID finds the price that a schedule will switch the
// subscription to after the current phase ends. Empty when the schedule
// has no future phase (e.g. it only pins the current plan).
func (s *Service) scheduledPriceID(ctx context.Context, sched *stripelib.SubscriptionSchedule) (string, error) {
	// Schedules arrive via list expansion without phases populated;
	// fetch the full object in that case.
	if len(sched.Phases) == 0 {
		params := &stripelib.SubscriptionScheduleParams{}
		params.Context = ctx
		full, err := s.api.getSchedule(sched.ID, params)
		if err != nil {
			return "", fmt.Errorf("get schedule %s: %w", sched.ID, err)
		}
		sched = full
	}

	var boundary int64
	if sched.CurrentPhase != nil {
		boundary = sched.CurrentPhase.EndDate
	} else {
		boundary = s.now().Unix()
	}
	for _, phase := range sched.Phases {
		if phase.StartDate < boundary {
			continue
		}
		if len(phase.Items) > 0 && phase.Items[0].Price != nil {
			return phase.Items[0].Price.ID, nil
		}
	}
	return "", nil
}

// normalizeStatus maps a Stripe subscription status onto the local enum.
// Unrecognized statuses are treated as unpaid so they never qualify an
// organization for paid features.
func normalizeStatus(raw string) store.SubscriptionStatus {
	switch st := store.SubscriptionStatus(raw); st {
	case store.StatusActive, store.StatusTrialing, store.StatusPastDue, store.StatusPaused,
		store.StatusCanceled, store.StatusIncomplete, store.StatusIncompleteExpired, store.StatusUnpaid:
		return st
	default:
		log.Warn().Str("status", raw).Msg("Unrecognized subscription status")
		return store.StatusUnpaid
	}
}
