package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/pricing"
	"github.com/relaymesh/billingd/internal/store"
)

// Summary is the composed billing view for an organization, answered
// entirely from local state.
type Summary struct {
	OrgID              string  `json:"orgId"`
	Status             string  `json:"status"`
	Tier               string  `json:"tier"`
	BillingInterval    string  `json:"billingInterval,omitempty"`
	PriceID            string  `json:"priceId,omitempty"`
	SeatAllowance      int     `json:"seatAllowance"`
	LicensedSeats      int64   `json:"licensedSeats,omitempty"`
	CurrentPeriodEnd   int64   `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool    `json:"cancelAtPeriodEnd"`
	TrialEndsAt        *int64  `json:"trialEndsAt,omitempty"`
	TrialAvailable     bool    `json:"trialAvailable"`
	ScheduledPriceID   string  `json:"scheduledPriceId,omitempty"`
	ScheduledTier      string  `json:"scheduledTier,omitempty"`
	PaymentMethodBrand string  `json:"paymentMethodBrand,omitempty"`
	PaymentMethodLast4 string  `json:"paymentMethodLast4,omitempty"`
	PendingCheckout    bool    `json:"pendingCheckout"`
}

// SubscriptionSummary composes the organization's billing state from the
// binding and snapshot cache. Organizations with no billing history get
// a personal-tier summary rather than an error.
func (s *Service) SubscriptionSummary(orgID string) (*Summary, error) {
	summary := &Summary{
		OrgID:         orgID,
		Status:        string(store.StatusNone),
		Tier:          string(pricing.TierPersonal),
		SeatAllowance: pricing.TierPersonal.SeatAllowance(),
	}

	eligible, err := s.TrialEligible(orgID)
	if err != nil {
		return nil, err
	}
	summary.TrialAvailable = eligible

	binding, err := s.store.GetBinding(orgID)
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}
	if binding == nil {
		return summary, nil
	}
	summary.PendingCheckout = binding.PendingCheckoutSessionID != ""

	snapshots, err := s.store.GetSnapshots(binding.StripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	var current *store.Snapshot
	for _, snap := range snapshots {
		if snap.Status.Qualifying() {
			current = snap
			break
		}
	}
	if current == nil {
		// Surface a paused subscription so the caller can prompt for a
		// payment method instead of showing a clean slate.
		for _, snap := range snapshots {
			if snap.Status == store.StatusPaused || snap.Status == store.StatusPastDue {
				current = snap
				break
			}
		}
	}
	if current == nil {
		return summary, nil
	}

	tier := s.catalog.TierOf(current.PriceID)
	summary.Status = string(current.Status)
	summary.Tier = string(tier)
	summary.BillingInterval = current.BillingInterval
	summary.PriceID = current.PriceID
	summary.SeatAllowance = tier.SeatAllowance()
	summary.LicensedSeats = current.Quantity
	summary.CurrentPeriodEnd = current.CurrentPeriodEnd
	summary.CancelAtPeriodEnd = current.CancelAtPeriodEnd
	summary.TrialEndsAt = current.TrialEnd
	summary.PaymentMethodBrand = current.PaymentMethodBrand
	summary.PaymentMethodLast4 = current.PaymentMethodLast4
	if current.ScheduledPriceID != "" && current.ScheduledPriceID != current.PriceID {
		summary.ScheduledPriceID = current.ScheduledPriceID
		summary.ScheduledTier = string(s.catalog.TierOf(current.ScheduledPriceID))
	}
	return summary, nil
}

// HistoryEntry is one line of an organization's billing history.
type HistoryEntry struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	AmountCents int64  `json:"amountCents,omitempty"`
	OccurredAt  int64  `json:"occurredAt"`
	URL         string `json:"url,omitempty"`
}

// BillingHistory returns invoices and refunds from the processor plus
// the local audit trail, newest first.
func (s *Service) BillingHistory(ctx context.Context, orgID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry

	records, err := s.store.ListAuditByOrg(orgID, 100)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	for _, rec := range records {
		entries = append(entries, HistoryEntry{
			Kind:        "audit",
			Description: rec.Action,
			OccurredAt:  rec.CreatedAt.UnixMilli(),
		})
	}

	customerID, err := s.customerID(orgID)
	if err != nil {
		if errors.Is(err, ErrNoBinding) {
			return entries, nil
		}
		return nil, err
	}

	invParams := &stripelib.InvoiceListParams{Customer: stripelib.String(customerID)}
	invParams.Context = ctx
	invoices, err := s.api.listInvoices(invParams)
	if err != nil {
		return nil, fmt.Errorf("list invoices for %s: %w", customerID, err)
	}
	for _, inv := range invoices {
		entries = append(entries, HistoryEntry{
			Kind:        "invoice",
			Description: fmt.Sprintf("invoice %s (%s)", inv.Number, inv.Status),
			AmountCents: inv.AmountPaid,
			OccurredAt:  inv.Created * 1000,
			URL:         inv.HostedInvoiceURL,
		})
	}

	charges, err := s.paidCharges(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, ch := range charges {
		if ch.AmountRefunded == 0 {
			continue
		}
		entries = append(entries, HistoryEntry{
			Kind:        "refund",
			Description: fmt.Sprintf("refund on charge %s", ch.ID),
			AmountCents: ch.AmountRefunded,
			OccurredAt:  ch.Created * 1000,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].OccurredAt > entries[j].OccurredAt })
	return entries, nil
}
