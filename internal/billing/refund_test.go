package billing

import (
	"errors"
	"strings"
	"testing"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
)

// refundFixture wires a fake processor holding charges, refunds, and
// subscriptions for the test customer.
type refundFixture struct {
	subs    []*stripelib.Subscription
	charges []*stripelib.Charge
	refunds map[string][]*stripelib.Refund

	canceled []string
	issued   []*stripelib.RefundParams
}

func (f *refundFixture) client(t *testing.T) *Client {
	t.Helper()
	return &Client{
		listSubscriptions: func(params *stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error) {
			return f.subs, nil
		},
		cancelSubscription: func(id string, _ *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
			f.canceled = append(f.canceled, id)
			for _, sub := range f.subs {
				if sub.ID == id {
					sub.Status = stripelib.SubscriptionStatusCanceled
				}
			}
			return nil, nil
		},
		listCharges: func(params *stripelib.ChargeListParams) ([]*stripelib.Charge, error) {
			if got := stripelib.StringValue(params.Customer); got != testCustomerID {
				t.Errorf("charges listed for %q, want %q", got, testCustomerID)
			}
			return f.charges, nil
		},
		listRefunds: func(params *stripelib.RefundListParams) ([]*stripelib.Refund, error) {
			return f.refunds[stripelib.StringValue(params.Charge)], nil
		},
		createRefund: func(params *stripelib.RefundParams) (*stripelib.Refund, error) {
			f.issued = append(f.issued, params)
			chargeID := stripelib.StringValue(params.Charge)
			var amount int64
			for _, ch := range f.charges {
				if ch.ID == chargeID {
					amount = ch.Amount - ch.AmountRefunded
					ch.AmountRefunded = ch.Amount
				}
			}
			ref := &stripelib.Refund{ID: "re_" + chargeID, Amount: amount, Metadata: params.Metadata}
			if f.refunds == nil {
				f.refunds = map[string][]*stripelib.Refund{}
			}
			f.refunds[chargeID] = append(f.refunds[chargeID], ref)
			return ref, nil
		},
	}
}

func makeCharge(id string, amount int64, created time.Time) *stripelib.Charge {
	return &stripelib.Charge{ID: id, Amount: amount, Paid: true, Created: created.Unix()}
}

func TestRefundEligibilityRequiresHistory(t *testing.T) {
	fix := &refundFixture{}
	svc := newTestService(t, fix.client(t))
	bindCustomer(t, svc)

	elig, err := svc.CheckRefundEligibility(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("CheckRefundEligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatalf("eligible without payment history: %+v", elig)
	}
}

func TestRefundEligibilityWindow(t *testing.T) {
	tests := []struct {
		name        string
		firstCharge time.Time
		eligible    bool
	}{
		{"inside window", testNow.AddDate(0, 0, -29), true},
		{"boundary day", testNow.AddDate(0, 0, -30), true},
		{"window passed", testNow.AddDate(0, 0, -31), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix := &refundFixture{charges: []*stripelib.Charge{makeCharge("ch_1", 2900, tt.firstCharge)}}
			svc := newTestService(t, fix.client(t))
			bindCustomer(t, svc)

			elig, err := svc.CheckRefundEligibility(t.Context(), testOrgID)
			if err != nil {
				t.Fatalf("CheckRefundEligibility: %v", err)
			}
			if elig.Eligible != tt.eligible {
				t.Errorf("eligible = %v, want %v (%s)", elig.Eligible, tt.eligible, elig.Reason)
			}
		})
	}
}

func TestRefundEligibilityWindowAnchorsOnFirstCharge(t *testing.T) {
	// A recent renewal charge must not reopen the window.
	fix := &refundFixture{charges: []*stripelib.Charge{
		makeCharge("ch_renewal", 2900, testNow.AddDate(0, 0, -2)),
		makeCharge("ch_first", 2900, testNow.AddDate(0, 0, -45)),
	}}
	svc := newTestService(t, fix.client(t))
	bindCustomer(t, svc)

	elig, err := svc.CheckRefundEligibility(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("CheckRefundEligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatalf("window reopened by renewal charge: %+v", elig)
	}
}

func TestExecuteRefundCancelsAndRefunds(t *testing.T) {
	fix := &refundFixture{
		subs: []*stripelib.Subscription{makeSub("sub_1", priceProMonth, subOpts{})},
		charges: []*stripelib.Charge{
			makeCharge("ch_1", 2900, testNow.AddDate(0, 0, -20)),
			makeCharge("ch_2", 2900, testNow.AddDate(0, 0, -5)),
		},
	}
	svc := newTestService(t, fix.client(t))
	bindCustomer(t, svc)

	result, err := svc.ExecuteRefund(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("ExecuteRefund: %v", err)
	}
	if !result.OK {
		t.Fatalf("refund failed: %+v", result)
	}
	if len(fix.canceled) != 1 || fix.canceled[0] != "sub_1" {
		t.Errorf("canceled = %v, want [sub_1]", fix.canceled)
	}
	if result.RefundedCount != 2 || result.RefundedCents != 5800 {
		t.Errorf("refunded %d charges / %d cents, want 2 / 5800", result.RefundedCount, result.RefundedCents)
	}
	keys := map[string]bool{}
	for _, params := range fix.issued {
		if params.Metadata["reason"] != guaranteeMarker {
			t.Errorf("refund missing guarantee marker: %v", params.Metadata)
		}
		if params.Metadata["org_id"] != testOrgID {
			t.Errorf("refund missing org id: %v", params.Metadata)
		}
		key := stripelib.StringValue(params.IdempotencyKey)
		if !strings.HasPrefix(key, "bil-") {
			t.Errorf("idempotency key = %q, want bil- prefix", key)
		}
		if keys[key] {
			t.Errorf("idempotency key %q reused across charges", key)
		}
		keys[key] = true
	}
}

func TestExecuteRefundSecondInvocationRejected(t *testing.T) {
	fix := &refundFixture{
		charges: []*stripelib.Charge{makeCharge("ch_1", 2900, testNow.AddDate(0, 0, -10))},
	}
	svc := newTestService(t, fix.client(t))
	bindCustomer(t, svc)

	first, err := svc.ExecuteRefund(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("first ExecuteRefund: %v", err)
	}
	if !first.OK {
		t.Fatalf("first refund failed: %+v", first)
	}

	// The marker lives in processor metadata, so the rule holds even
	// though the fake's charge amounts were already zeroed out.
	second, err := svc.ExecuteRefund(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("second ExecuteRefund: %v", err)
	}
	if second.OK {
		t.Fatalf("guarantee honored twice: %+v", second)
	}
	if !strings.Contains(second.Message, "already used") {
		t.Errorf("message = %q, want already-used explanation", second.Message)
	}
}

func TestExecuteRefundPartialFailure(t *testing.T) {
	fix := &refundFixture{
		charges: []*stripelib.Charge{
			makeCharge("ch_ok", 2900, testNow.AddDate(0, 0, -10)),
			makeCharge("ch_bad", 2900, testNow.AddDate(0, 0, -8)),
		},
	}
	api := fix.client(t)
	inner := api.createRefund
	api.createRefund = func(params *stripelib.RefundParams) (*stripelib.Refund, error) {
		if stripelib.StringValue(params.Charge) == "ch_bad" {
			return nil, errors.New("charge is disputed")
		}
		return inner(params)
	}
	svc := newTestService(t, api)
	bindCustomer(t, svc)

	result, err := svc.ExecuteRefund(t.Context(), testOrgID)
	if err != nil {
		t.Fatalf("ExecuteRefund: %v", err)
	}
	if result.OK {
		t.Fatalf("partial failure reported as success: %+v", result)
	}
	if result.RefundedCount != 1 {
		t.Errorf("refunded count = %d, want 1", result.RefundedCount)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "ch_bad") {
		t.Errorf("errors = %v, want one naming ch_bad", result.Errors)
	}
}
