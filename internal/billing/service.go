// Package billing reconciles organization subscription state against Stripe.
// Stripe holds the truth for money; the local snapshot cache holds a queryable
// projection of it, refreshed whole-customer on every webhook and mutation.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/singleflight"

	"github.com/relaymesh/billingd/internal/directory"
	"github.com/relaymesh/billingd/internal/pricing"
	"github.com/relaymesh/billingd/internal/store"
)

var (
	// ErrNoBinding means the organization has never been bound to a
	// Stripe customer, so no processor-side operation can be performed.
	ErrNoBinding = errors.New("organization has no billing customer")

	// ErrNoActiveSubscription means no active or trialing subscription
	// exists for the bound customer.
	ErrNoActiveSubscription = errors.New("no active subscription")
)

// Service owns all billing workflows: checkout, plan changes, trials,
// refunds, deletion safety, and webhook-driven snapshot sync.
type Service struct {
	store   *store.Store
	dir     directory.Directory
	catalog *pricing.Catalog
	api     *Client

	trialDays    int
	refundWindow time.Duration
	baseURL      string

	now func() time.Time

	// Coalesces concurrent resyncs of the same customer; webhook bursts
	// after a plan change make redundant refetches common.
	resyncGroup singleflight.Group
}

// Options configures a Service.
type Options struct {
	Store            *store.Store
	Directory        directory.Directory
	Catalog          *pricing.Catalog
	Client           *Client
	TrialDays        int
	RefundWindowDays int
	BaseURL          string
}

// NewService wires a billing service from its dependencies.
func NewService(opts Options) *Service {
	trialDays := opts.TrialDays
	if trialDays <= 0 {
		trialDays = 14
	}
	refundDays := opts.RefundWindowDays
	if refundDays <= 0 {
		refundDays = 30
	}
	return &Service{
		store:        opts.Store,
		dir:          opts.Directory,
		catalog:      opts.Catalog,
		api:          opts.Client,
		trialDays:    trialDays,
		refundWindow: time.Duration(refundDays) * 24 * time.Hour,
		baseURL:      opts.BaseURL,
		now:          time.Now,
	}
}

// customerID resolves the bound Stripe customer for an organization.
// Returns ErrNoBinding when the organization was never bound.
func (s *Service) customerID(orgID string) (string, error) {
	binding, err := s.store.GetBinding(orgID)
	if err != nil {
		return "", fmt.Errorf("load binding: %w", err)
	}
	if binding == nil || binding.StripeCustomerID == "" {
		return "", ErrNoBinding
	}
	return binding.StripeCustomerID, nil
}

// fetchSubscriptions lists every subscription for a customer in any
// status, with payment method and schedule expanded.
func (s *Service) fetchSubscriptions(ctx context.Context, customerID string) ([]*stripelib.Subscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx
	params.AddExpand("data.default_payment_method")
	params.AddExpand("data.schedule")
	subs, err := s.api.listSubscriptions(params)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	return subs, nil
}

// qualifyingSubscription returns the subscription that represents the
// organization's current plan: active or trialing, most recently created
// first when the customer somehow holds more than one.
func (s *Service) qualifyingSubscription(ctx context.Context, customerID string) (*stripelib.Subscription, error) {
	subs, err := s.fetchSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	var candidates []*stripelib.Subscription
	for _, sub := range subs {
		if sub.Status == stripelib.SubscriptionStatusActive || sub.Status == stripelib.SubscriptionStatusTrialing {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoActiveSubscription
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Created > candidates[j].Created
	})
	if len(candidates) > 1 {
		log.Warn().Str("customerID", customerID).Int("count", len(candidates)).
			Msg("Customer holds multiple qualifying subscriptions, using most recent")
	}
	return candidates[0], nil
}

// audit records a billing action. Audit failures are logged, never fatal:
// the processor-side mutation already happened.
func (s *Service) audit(orgID, action, detail string) {
	rec := &store.AuditRecord{
		ID:        store.NewAuditID(),
		OrgID:     orgID,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendAudit(rec); err != nil {
		log.Error().Err(err).Str("orgID", orgID).Str("action", action).Msg("Failed to append audit record")
	}
}

func subItemID(sub *stripelib.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		return sub.Items.Data[0].ID
	}
	return ""
}

func subPriceID(sub *stripelib.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}

func subQuantity(sub *stripelib.Subscription) int64 {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		return sub.Items.Data[0].Quantity
	}
	return 0
}

// Period bounds live on the subscription item in current Stripe API
// versions, not on the subscription object.
func subPeriod(sub *stripelib.Subscription) (start, end int64) {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		return sub.Items.Data[0].CurrentPeriodStart, sub.Items.Data[0].CurrentPeriodEnd
	}
	return 0, 0
}
