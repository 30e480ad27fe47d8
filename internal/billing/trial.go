package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/pricing"
	"github.com/relaymesh/billingd/internal/store"
)

// TrialDecision is the outcome of a trial operation.
type TrialDecision struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message"`
	TrialEndsAt    int64  `json:"trialEndsAt,omitempty"`
	BonusDays      int    `json:"bonusDays,omitempty"`
	FirstPeriodEnd int64  `json:"firstPeriodEnd,omitempty"`
}

// TrialEligible reports whether the organization may still start its
// one free trial.
func (s *Service) TrialEligible(orgID string) (bool, error) {
	usage, err := s.store.GetTrialUsage(orgID)
	if err != nil {
		return false, fmt.Errorf("load trial usage: %w", err)
	}
	return usage == nil, nil
}

// StartTrial creates a trialing subscription on the requested price
// without requiring a payment method. Each organization gets exactly one
// trial ever; the subscription pauses rather than charges if no payment
// method was attached by the time the trial ends.
func (s *Service) StartTrial(ctx context.Context, orgID, priceID string) (*TrialDecision, error) {
	if _, ok := s.catalog.Lookup(priceID); !ok {
		return &TrialDecision{OK: false, Message: fmt.Sprintf("price %q is not offered", priceID)}, nil
	}

	eligible, err := s.TrialEligible(orgID)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return &TrialDecision{OK: false, Message: "free trial already used"}, nil
	}

	binding, err := s.ensureCustomer(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if _, err := s.qualifyingSubscription(ctx, binding.StripeCustomerID); err == nil {
		return &TrialDecision{OK: false, Message: "organization already has a subscription"}, nil
	} else if !errors.Is(err, ErrNoActiveSubscription) {
		return nil, err
	}

	key, err := store.GenerateIdempotencyKey()
	if err != nil {
		return nil, err
	}
	params := &stripelib.SubscriptionParams{
		Customer: stripelib.String(binding.StripeCustomerID),
		Items: []*stripelib.SubscriptionItemsParams{
			{Price: stripelib.String(priceID), Quantity: stripelib.Int64(1)},
		},
		TrialPeriodDays: stripelib.Int64(int64(s.trialDays)),
		TrialSettings: &stripelib.SubscriptionTrialSettingsParams{
			EndBehavior: &stripelib.SubscriptionTrialSettingsEndBehaviorParams{
				MissingPaymentMethod: stripelib.String("pause"),
			},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(key)
	params.AddMetadata("org_id", orgID)

	sub, err := s.api.createSubscription(params)
	if err != nil {
		return nil, fmt.Errorf("create trial subscription: %w", err)
	}

	started := s.now()
	ends := started.Add(time.Duration(s.trialDays) * 24 * time.Hour)
	if sub.TrialEnd > 0 {
		ends = time.Unix(sub.TrialEnd, 0)
	}
	if err := s.store.RecordTrialUsage(orgID, started.UnixMilli(), ends.UnixMilli()); err != nil {
		// The subscription exists; losing the usage row would allow a
		// second trial, which is worse than surfacing the error.
		return nil, fmt.Errorf("record trial usage: %w", err)
	}

	s.audit(orgID, "trial.started", fmt.Sprintf(`{"subscriptionId":%q,"priceId":%q,"endsAt":%d}`, sub.ID, priceID, ends.UnixMilli()))
	if err := s.ResyncCustomer(ctx, binding.StripeCustomerID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after trial start failed")
	}
	return &TrialDecision{
		OK:          true,
		Message:     fmt.Sprintf("trial of %s started, ends %s", s.priceLabel(priceID), ends.UTC().Format("2006-01-02")),
		TrialEndsAt: ends.UnixMilli(),
	}, nil
}

// EndTrialEarly converts a trialing subscription to paid immediately.
// Unused trial time is not forfeited: the remaining whole days (rounded
// up) are appended to the first paid period via a one-phase schedule, so
// ending a trial early never costs the subscriber time.
func (s *Service) EndTrialEarly(ctx context.Context, orgID string) (*TrialDecision, error) {
	customerID, err := s.customerID(orgID)
	if err != nil {
		return nil, err
	}
	sub, err := s.qualifyingSubscription(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub.Status != stripelib.SubscriptionStatusTrialing {
		return &TrialDecision{OK: false, Message: "subscription is not in a trial"}, nil
	}

	now := s.now()
	bonusDays := 0
	if sub.TrialEnd > now.Unix() {
		remaining := sub.TrialEnd - now.Unix()
		bonusDays = int((remaining + 86399) / 86400)
	}

	priceID := subPriceID(sub)
	interval := s.catalog.IntervalOf(priceID)
	firstPeriodEnd := now.Add(intervalDuration(interval) + time.Duration(bonusDays)*24*time.Hour)

	if sub.Schedule != nil {
		relParams := &stripelib.SubscriptionScheduleReleaseParams{}
		relParams.Context = ctx
		if _, err := s.api.releaseSchedule(sub.Schedule.ID, relParams); err != nil {
			return nil, fmt.Errorf("release prior schedule %s: %w", sub.Schedule.ID, err)
		}
	}

	createParams := &stripelib.SubscriptionScheduleParams{FromSubscription: stripelib.String(sub.ID)}
	createParams.Context = ctx
	sched, err := s.api.createSchedule(createParams)
	if err != nil {
		return nil, fmt.Errorf("create schedule for %s: %w", sub.ID, err)
	}

	updateParams := &stripelib.SubscriptionScheduleParams{
		EndBehavior: stripelib.String("release"),
		Phases: []*stripelib.SubscriptionSchedulePhaseParams{
			{
				Items: []*stripelib.SubscriptionSchedulePhaseItemParams{
					{Price: stripelib.String(priceID), Quantity: stripelib.Int64(subQuantity(sub))},
				},
				StartDate: stripelib.Int64(now.Unix()),
				EndDate:   stripelib.Int64(firstPeriodEnd.Unix()),
			},
		},
	}
	updateParams.Context = ctx
	if _, err := s.api.updateSchedule(sched.ID, updateParams); err != nil {
		return nil, fmt.Errorf("set schedule phases on %s: %w", sched.ID, err)
	}

	s.audit(orgID, "trial.ended_early", fmt.Sprintf(`{"subscriptionId":%q,"bonusDays":%d,"firstPeriodEnd":%d}`, sub.ID, bonusDays, firstPeriodEnd.UnixMilli()))
	if err := s.ResyncCustomer(ctx, customerID); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Msg("Resync after early trial end failed")
	}
	return &TrialDecision{
		OK:             true,
		Message:        fmt.Sprintf("billing starts now; %d unused trial days added to your first period", bonusDays),
		BonusDays:      bonusDays,
		FirstPeriodEnd: firstPeriodEnd.UnixMilli(),
	}, nil
}

// intervalDuration is the nominal length of one billing interval, used
// only to size the stretched first period when a trial ends early.
func intervalDuration(interval pricing.Interval) time.Duration {
	if interval == pricing.IntervalYear {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}
