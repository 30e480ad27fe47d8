package billing

import (
	"testing"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/relaymesh/billingd/internal/store"
)

func TestResyncMapsSubscriptionFields(t *testing.T) {
	trialEnd := testNow.AddDate(0, 0, 7).Unix()
	sub := makeSub("sub_1", priceEntYear, subOpts{
		status:      stripelib.SubscriptionStatusTrialing,
		trialEnd:    trialEnd,
		cancelAtEnd: true,
	})
	sub.TrialStart = testNow.AddDate(0, 0, -7).Unix()
	sub.DefaultPaymentMethod = &stripelib.PaymentMethod{
		Card: &stripelib.PaymentMethodCard{Brand: "visa", Last4: "4242"},
	}
	subs := []*stripelib.Subscription{sub}
	svc := newTestService(t, listClient(&subs))

	if err := svc.ResyncCustomer(t.Context(), testCustomerID); err != nil {
		t.Fatalf("ResyncCustomer: %v", err)
	}

	snaps, err := svc.store.GetSnapshots(testCustomerID)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap.Status != store.StatusTrialing {
		t.Errorf("status = %s, want trialing", snap.Status)
	}
	if snap.Tier != "enterprise" || snap.BillingInterval != "year" {
		t.Errorf("tier/interval = %s/%s, want enterprise/year", snap.Tier, snap.BillingInterval)
	}
	if snap.TrialEnd == nil || *snap.TrialEnd != trialEnd*1000 {
		t.Errorf("trialEnd = %v, want %d", snap.TrialEnd, trialEnd*1000)
	}
	if !snap.CancelAtPeriodEnd {
		t.Error("cancelAtPeriodEnd not carried")
	}
	if snap.PaymentMethodBrand != "visa" || snap.PaymentMethodLast4 != "4242" {
		t.Errorf("payment method = %s/%s, want visa/4242", snap.PaymentMethodBrand, snap.PaymentMethodLast4)
	}
}

func TestResyncResolvesScheduledPrice(t *testing.T) {
	periodEnd := testNow.AddDate(0, 0, 20).Unix()
	sub := makeSub("sub_1", priceEntYear, subOpts{
		periodEnd: periodEnd,
		schedule:  &stripelib.SubscriptionSchedule{ID: "sched_1"},
	})
	subs := []*stripelib.Subscription{sub}
	api := listClient(&subs)
	api.getSchedule = func(id string, _ *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error) {
		return &stripelib.SubscriptionSchedule{
			ID:           id,
			CurrentPhase: &stripelib.SubscriptionScheduleCurrentPhase{EndDate: periodEnd},
			Phases: []*stripelib.SubscriptionSchedulePhase{
				{
					StartDate: testNow.AddDate(0, 0, -10).Unix(),
					EndDate:   periodEnd,
					Items:     []*stripelib.SubscriptionSchedulePhaseItem{{Price: &stripelib.Price{ID: priceEntYear}}},
				},
				{
					StartDate: periodEnd,
					Items:     []*stripelib.SubscriptionSchedulePhaseItem{{Price: &stripelib.Price{ID: priceProYear}}},
				},
			},
		}, nil
	}
	svc := newTestService(t, api)

	if err := svc.ResyncCustomer(t.Context(), testCustomerID); err != nil {
		t.Fatalf("ResyncCustomer: %v", err)
	}

	snaps, err := svc.store.GetSnapshots(testCustomerID)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(snaps))
	}
	if snaps[0].ScheduleID != "sched_1" {
		t.Errorf("scheduleID = %q, want sched_1", snaps[0].ScheduleID)
	}
	if snaps[0].ScheduledPriceID != priceProYear {
		t.Errorf("scheduledPriceID = %q, want %q", snaps[0].ScheduledPriceID, priceProYear)
	}
}

func TestResyncReplacesStaleSnapshots(t *testing.T) {
	subs := []*stripelib.Subscription{
		makeSub("sub_old", priceProMonth, subOpts{}),
		makeSub("sub_new", priceEntMonth, subOpts{}),
	}
	svc := newTestService(t, listClient(&subs))

	if err := svc.ResyncCustomer(t.Context(), testCustomerID); err != nil {
		t.Fatalf("first resync: %v", err)
	}

	// The old subscription disappears remotely; the local set must follow.
	subs = []*stripelib.Subscription{makeSub("sub_new", priceEntMonth, subOpts{})}
	if err := svc.ResyncCustomer(t.Context(), testCustomerID); err != nil {
		t.Fatalf("second resync: %v", err)
	}

	snaps, err := svc.store.GetSnapshots(testCustomerID)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].StripeSubscriptionID != "sub_new" {
		t.Fatalf("snapshots = %+v, want only sub_new", snaps)
	}
}

func TestResyncSkipsMalformedSubscription(t *testing.T) {
	broken := &stripelib.Subscription{
		ID:       "sub_broken",
		Customer: &stripelib.Customer{ID: testCustomerID},
		Status:   stripelib.SubscriptionStatusActive,
		Items:    &stripelib.SubscriptionItemList{},
	}
	subs := []*stripelib.Subscription{broken, makeSub("sub_ok", priceProMonth, subOpts{})}
	svc := newTestService(t, listClient(&subs))

	if err := svc.ResyncCustomer(t.Context(), testCustomerID); err != nil {
		t.Fatalf("ResyncCustomer: %v", err)
	}
	snaps, err := svc.store.GetSnapshots(testCustomerID)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].StripeSubscriptionID != "sub_ok" {
		t.Fatalf("snapshots = %+v, want only sub_ok", snaps)
	}
}

func TestNormalizeStatusUnknownNeverQualifies(t *testing.T) {
	if got := normalizeStatus("some_future_status"); got.Qualifying() {
		t.Errorf("unknown status %q qualifies", got)
	}
	if got := normalizeStatus("active"); got != store.StatusActive {
		t.Errorf("active mapped to %q", got)
	}
}
