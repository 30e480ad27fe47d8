package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/store"
)

// CheckoutIntent is the outcome of starting or resuming a checkout.
type CheckoutIntent struct {
	OK        bool   `json:"ok"`
	URL       string `json:"url,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Resumed   bool   `json:"resumed"`
	Message   string `json:"message,omitempty"`
}

// StartCheckout opens a hosted checkout for the requested price, creating
// and binding a Stripe customer for the organization on first contact.
// An unfinished prior checkout session is resumed when still usable.
func (s *Service) StartCheckout(ctx context.Context, orgID, priceID string) (*CheckoutIntent, error) {
	if _, ok := s.catalog.Lookup(priceID); !ok {
		return &CheckoutIntent{OK: false, Message: fmt.Sprintf("price %q is not offered", priceID)}, nil
	}

	binding, err := s.ensureCustomer(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if binding.PendingCheckoutSessionID != "" && binding.PendingPriceID == priceID {
		if intent := s.resumeSession(ctx, binding.PendingCheckoutSessionID); intent != nil {
			return intent, nil
		}
		// Expired or unretrievable sessions are not an error; fall
		// through and open a fresh one.
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:     stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer: stripelib.String(binding.StripeCustomerID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{Price: stripelib.String(priceID), Quantity: stripelib.Int64(1)},
		},
		SuccessURL:        stripelib.String(s.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripelib.String(s.baseURL + "/billing/cancel"),
		ClientReferenceID: stripelib.String(orgID),
		SubscriptionData:  &stripelib.CheckoutSessionSubscriptionDataParams{},
	}
	params.Context = ctx
	params.AddMetadata("org_id", orgID)
	params.AddMetadata("price_id", priceID)
	params.SubscriptionData.AddMetadata("org_id", orgID)

	session, err := s.api.createCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if err := s.store.SetPendingCheckout(orgID, session.ID, priceID); err != nil {
		return nil, fmt.Errorf("record pending checkout: %w", err)
	}
	s.audit(orgID, "checkout.started", fmt.Sprintf(`{"sessionId":%q,"priceId":%q}`, session.ID, priceID))
	return &CheckoutIntent{OK: true, URL: session.URL, SessionID: session.ID}, nil
}

// resumeSession returns an intent for a still-open prior session, or nil
// when the session cannot be reused.
func (s *Service) resumeSession(ctx context.Context, sessionID string) *CheckoutIntent {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx
	session, err := s.api.getCheckoutSession(sessionID, params)
	if err != nil {
		log.Debug().Err(err).Str("sessionID", sessionID).Msg("Pending checkout session not retrievable")
		return nil
	}
	if session.Status != stripelib.CheckoutSessionStatusOpen || session.URL == "" {
		return nil
	}
	return &CheckoutIntent{OK: true, URL: session.URL, SessionID: session.ID, Resumed: true}
}

// ensureCustomer returns the organization's binding, creating the Stripe
// customer and recording the binding on first use. The customer ID is
// also pushed to the organization directory so other services can route
// billing questions without consulting this one.
func (s *Service) ensureCustomer(ctx context.Context, orgID string) (*store.Binding, error) {
	binding, err := s.store.GetBinding(orgID)
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}
	if binding != nil && binding.StripeCustomerID != "" {
		return binding, nil
	}

	org, err := s.dir.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("lookup organization %s: %w", orgID, err)
	}

	params := &stripelib.CustomerParams{Name: stripelib.String(org.Name)}
	params.Context = ctx
	params.AddMetadata("org_id", orgID)
	cust, err := s.api.createCustomer(params)
	if err != nil {
		return nil, fmt.Errorf("create customer for %s: %w", orgID, err)
	}

	binding, err = s.store.UpsertBinding(orgID, cust.ID)
	if err != nil {
		return nil, fmt.Errorf("bind customer %s: %w", cust.ID, err)
	}
	if err := s.dir.SetBillingCustomerID(ctx, orgID, cust.ID); err != nil {
		return nil, fmt.Errorf("push customer id to directory: %w", err)
	}
	s.audit(orgID, "customer.bound", fmt.Sprintf(`{"customerId":%q}`, cust.ID))
	log.Info().Str("orgID", orgID).Str("customerID", cust.ID).Msg("Created and bound billing customer")

	return binding, nil
}

// checkoutCompleted handles the checkout.session.completed webhook: it
// repairs the binding if checkout raced customer creation, clears the
// pending marker, and resyncs the customer's snapshots.
func (s *Service) checkoutCompleted(ctx context.Context, orgID, customerID, sessionID string) error {
	if orgID == "" || customerID == "" {
		return fmt.Errorf("checkout session %s missing org or customer reference", sessionID)
	}
	if _, err := s.store.UpsertBinding(orgID, customerID); err != nil {
		return fmt.Errorf("bind customer on checkout completion: %w", err)
	}
	if err := s.store.ClearPendingCheckout(orgID); err != nil {
		return fmt.Errorf("clear pending checkout: %w", err)
	}
	if err := s.dir.SetBillingCustomerID(ctx, orgID, customerID); err != nil {
		// Directory push is retried on next checkout; the binding here
		// is authoritative.
		log.Error().Err(err).Str("orgID", orgID).Msg("Failed to push customer id to directory")
	}
	s.audit(orgID, "checkout.completed", fmt.Sprintf(`{"sessionId":%q,"customerId":%q}`, sessionID, customerID))
	return s.ResyncCustomer(ctx, customerID)
}

// priceLabel renders a price for human-readable decision messages.
func (s *Service) priceLabel(priceID string) string {
	if p, ok := s.catalog.Lookup(priceID); ok {
		return fmt.Sprintf("%s (%sly)", p.Tier, p.Interval)
	}
	return priceID
}
