package billing

import (
	"errors"
	"strings"
	"testing"

	stripelib "github.com/stripe/stripe-go/v82"
)

func TestChangePlanPaidUpgradeChargesImmediately(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})}
	api := listClient(&subs)

	var captured *stripelib.SubscriptionParams
	api.updateSubscription = func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		if id != "sub_1" {
			t.Errorf("updated subscription %s, want sub_1", id)
		}
		captured = params
		subs = []*stripelib.Subscription{makeSub("sub_1", priceEntMonth, subOpts{})}
		return subs[0], nil
	}

	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, priceEntMonth)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !change.OK || !change.Changed || change.Scheduled {
		t.Fatalf("unexpected decision: %+v", change)
	}
	if captured == nil {
		t.Fatal("subscription was not updated")
	}
	if got := stripelib.StringValue(captured.ProrationBehavior); got != "always_invoice" {
		t.Errorf("proration behavior = %q, want always_invoice", got)
	}
	if got := stripelib.StringValue(captured.PaymentBehavior); got != "error_if_incomplete" {
		t.Errorf("payment behavior = %q, want error_if_incomplete", got)
	}
	if got := stripelib.StringValue(captured.Items[0].Price); got != priceEntMonth {
		t.Errorf("new price = %q, want %q", got, priceEntMonth)
	}

	// Snapshots must reflect the new price after the resync.
	snaps, err := svc.store.GetSnapshots(testCustomerID)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].PriceID != priceEntMonth {
		t.Fatalf("snapshot price = %+v, want %s", snaps, priceEntMonth)
	}
}

func TestChangePlanUpgradeDuringTrialKeepsTrialClock(t *testing.T) {
	trialEnd := testNow.AddDate(0, 0, 9).Unix()
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProYear, subOpts{
		status:   stripelib.SubscriptionStatusTrialing,
		trialEnd: trialEnd,
	})}
	api := listClient(&subs)

	var captured *stripelib.SubscriptionParams
	api.updateSubscription = func(_ string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		captured = params
		subs = []*stripelib.Subscription{makeSub("sub_1", priceEntYear, subOpts{
			status:   stripelib.SubscriptionStatusTrialing,
			trialEnd: trialEnd,
		})}
		return subs[0], nil
	}

	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, priceEntYear)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !change.OK || !change.Changed {
		t.Fatalf("unexpected decision: %+v", change)
	}
	if got := stripelib.StringValue(captured.ProrationBehavior); got != "none" {
		t.Errorf("proration behavior = %q, want none", got)
	}
	if captured.PaymentBehavior != nil {
		t.Errorf("payment behavior set during trial upgrade: %q", *captured.PaymentBehavior)
	}
	if captured.TrialEnd != nil || captured.TrialEndNow != nil {
		t.Error("trial end must not be touched by a trial upgrade")
	}
	if !strings.Contains(change.Message, "trial end date is unchanged") {
		t.Errorf("message = %q, want trial reassurance", change.Message)
	}
}

func TestChangePlanDowngradeDuringTrialAppliesImmediately(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceEntMonth, subOpts{
		status:   stripelib.SubscriptionStatusTrialing,
		trialEnd: testNow.AddDate(0, 0, 5).Unix(),
	})}
	api := listClient(&subs)

	updated := false
	api.updateSubscription = func(_ string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		updated = true
		if got := stripelib.StringValue(params.ProrationBehavior); got != "none" {
			t.Errorf("proration behavior = %q, want none", got)
		}
		subs = []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{
			status: stripelib.SubscriptionStatusTrialing,
		})}
		return subs[0], nil
	}

	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, priceProMonth)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !updated {
		t.Fatal("subscription was not updated")
	}
	if !change.OK || !change.Changed || change.Scheduled {
		t.Fatalf("unexpected decision: %+v", change)
	}
}

func TestChangePlanPaidDowngradeIsScheduled(t *testing.T) {
	periodEnd := testNow.AddDate(0, 0, 20).Unix()
	subs := []*stripelib.Subscription{makeSub("sub_1", priceEntYear, subOpts{periodEnd: periodEnd})}
	api := listClient(&subs)

	api.createSchedule = func(params *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error) {
		if got := stripelib.StringValue(params.FromSubscription); got != "sub_1" {
			t.Errorf("schedule created from %q, want sub_1", got)
		}
		return &stripelib.SubscriptionSchedule{ID: "sched_1"}, nil
	}
	var phases *stripelib.SubscriptionScheduleParams
	api.updateSchedule = func(id string, params *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error) {
		if id != "sched_1" {
			t.Errorf("updated schedule %s, want sched_1", id)
		}
		phases = params
		return &stripelib.SubscriptionSchedule{ID: id}, nil
	}

	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, priceProYear)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !change.OK || !change.Scheduled {
		t.Fatalf("unexpected decision: %+v", change)
	}
	if change.EffectiveAt != periodEnd*1000 {
		t.Errorf("effectiveAt = %d, want %d", change.EffectiveAt, periodEnd*1000)
	}

	if phases == nil {
		t.Fatal("schedule phases were not set")
	}
	if got := stripelib.StringValue(phases.EndBehavior); got != "release" {
		t.Errorf("end behavior = %q, want release", got)
	}
	if len(phases.Phases) != 2 {
		t.Fatalf("phase count = %d, want 2", len(phases.Phases))
	}
	if got := stripelib.StringValue(phases.Phases[0].Items[0].Price); got != priceEntYear {
		t.Errorf("current phase price = %q, want %q", got, priceEntYear)
	}
	if got := stripelib.Int64Value(phases.Phases[0].EndDate); got != periodEnd {
		t.Errorf("current phase end = %d, want %d", got, periodEnd)
	}
	if got := stripelib.StringValue(phases.Phases[1].Items[0].Price); got != priceProYear {
		t.Errorf("future phase price = %q, want %q", got, priceProYear)
	}
}

func TestChangePlanPaidDowngradeReplacesExistingSchedule(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceEntYear, subOpts{
		schedule: &stripelib.SubscriptionSchedule{ID: "sched_old"},
	})}
	api := listClient(&subs)

	released := ""
	api.releaseSchedule = func(id string, _ *stripelib.SubscriptionScheduleReleaseParams) (*stripelib.SubscriptionSchedule, error) {
		released = id
		return &stripelib.SubscriptionSchedule{ID: id}, nil
	}
	api.createSchedule = func(*stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error) {
		return &stripelib.SubscriptionSchedule{ID: "sched_new"}, nil
	}
	api.updateSchedule = func(id string, _ *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error) {
		return &stripelib.SubscriptionSchedule{ID: id}, nil
	}
	api.getSchedule = func(id string, _ *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error) {
		return &stripelib.SubscriptionSchedule{ID: id}, nil
	}

	svc := newTestService(t, api)
	bindCustomer(t, svc)

	if _, err := svc.ChangePlan(t.Context(), testOrgID, priceProYear); err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if released != "sched_old" {
		t.Errorf("released schedule %q, want sched_old", released)
	}
}

func TestChangePlanRejectsUnknownPrice(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})}
	svc := newTestService(t, listClient(&subs))
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, "price_bogus")
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if change.OK {
		t.Fatalf("unknown price accepted: %+v", change)
	}
	if !strings.Contains(change.Message, "price_bogus") {
		t.Errorf("message = %q, want it to name the price", change.Message)
	}
}

func TestChangePlanRejectsAmbiguousRequest(t *testing.T) {
	// Pro yearly to enterprise monthly raises tier but shortens the
	// interval; the request must come back for clarification.
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProYear, subOpts{})}
	svc := newTestService(t, listClient(&subs))
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, priceEntMonth)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if change.OK {
		t.Fatalf("ambiguous change accepted: %+v", change)
	}
	if !strings.Contains(change.Message, "one at a time") {
		t.Errorf("message = %q, want clarification request", change.Message)
	}
}

func TestChangePlanSamePriceIsNoop(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})}
	api := listClient(&subs)
	api.updateSubscription = func(string, *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		t.Fatal("no processor call expected for a same-price change")
		return nil, nil
	}
	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.ChangePlan(t.Context(), testOrgID, priceProMonth)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if !change.OK || change.Changed {
		t.Fatalf("unexpected decision: %+v", change)
	}
}

func TestChangePlanDeclinedCardFailsUpgrade(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})}
	api := listClient(&subs)
	api.updateSubscription = func(string, *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		return nil, errors.New("card_declined")
	}
	svc := newTestService(t, api)
	bindCustomer(t, svc)

	if _, err := svc.ChangePlan(t.Context(), testOrgID, priceEntMonth); err == nil {
		t.Fatal("expected error when the upgrade invoice cannot be collected")
	}
}

func TestChangePlanWithoutSubscription(t *testing.T) {
	subs := []*stripelib.Subscription{}
	svc := newTestService(t, listClient(&subs))
	bindCustomer(t, svc)

	if _, err := svc.ChangePlan(t.Context(), testOrgID, priceProMonth); !errors.Is(err, ErrNoActiveSubscription) {
		t.Fatalf("err = %v, want ErrNoActiveSubscription", err)
	}
}

func TestCancelScheduledChange(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceEntYear, subOpts{
		schedule: &stripelib.SubscriptionSchedule{ID: "sched_1"},
	})}
	api := listClient(&subs)
	released := ""
	api.releaseSchedule = func(id string, _ *stripelib.SubscriptionScheduleReleaseParams) (*stripelib.SubscriptionSchedule, error) {
		released = id
		subs = []*stripelib.Subscription{makeSub("sub_1", priceEntYear, subOpts{})}
		return &stripelib.SubscriptionSchedule{ID: id}, nil
	}
	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.CancelScheduledChange(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("CancelScheduledChange: %v", err)
	}
	if !change.OK || released != "sched_1" {
		t.Fatalf("decision %+v, released %q", change, released)
	}
}

func TestCancelScheduledChangeWithoutSchedule(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})}
	svc := newTestService(t, listClient(&subs))
	bindCustomer(t, svc)

	change, err := svc.CancelScheduledChange(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("CancelScheduledChange: %v", err)
	}
	if change.OK {
		t.Fatalf("expected rejection, got %+v", change)
	}
}

func TestCancelAtPeriodEndAndResume(t *testing.T) {
	subs := []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})}
	api := listClient(&subs)
	api.updateSubscription = func(_ string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		cancel := stripelib.BoolValue(params.CancelAtPeriodEnd)
		subs = []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{cancelAtEnd: cancel})}
		return subs[0], nil
	}
	svc := newTestService(t, api)
	bindCustomer(t, svc)

	change, err := svc.CancelAtPeriodEnd(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("CancelAtPeriodEnd: %v", err)
	}
	if !change.OK || !change.Changed {
		t.Fatalf("unexpected decision: %+v", change)
	}

	// Repeating the request is a no-op, not an error.
	change, err = svc.CancelAtPeriodEnd(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("CancelAtPeriodEnd repeat: %v", err)
	}
	if !change.OK || change.Changed {
		t.Fatalf("repeat should be a no-op: %+v", change)
	}

	change, err = svc.ResumeSubscription(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("ResumeSubscription: %v", err)
	}
	if !change.OK || !change.Changed {
		t.Fatalf("unexpected decision: %+v", change)
	}
	snaps, err := svc.store.GetSnapshots(testCustomerID)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].CancelAtPeriodEnd {
		t.Fatalf("snapshot still canceling: %+v", snaps)
	}
}
