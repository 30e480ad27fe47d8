package billing

import (
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionschedule"
)

// Client isolates every outbound Stripe call behind swappable function
// fields so tests can run against in-process fakes. All list calls are
// materialized into slices here; iterators never leak into business logic.
type Client struct {
	listSubscriptions  func(params *stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error)
	createSubscription func(params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	updateSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	cancelSubscription func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)

	createSchedule  func(params *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error)
	getSchedule     func(id string, params *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error)
	updateSchedule  func(id string, params *stripelib.SubscriptionScheduleParams) (*stripelib.SubscriptionSchedule, error)
	releaseSchedule func(id string, params *stripelib.SubscriptionScheduleReleaseParams) (*stripelib.SubscriptionSchedule, error)

	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getCheckoutSession    func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)

	listCharges  func(params *stripelib.ChargeListParams) ([]*stripelib.Charge, error)
	listRefunds  func(params *stripelib.RefundListParams) ([]*stripelib.Refund, error)
	createRefund func(params *stripelib.RefundParams) (*stripelib.Refund, error)
	listInvoices func(params *stripelib.InvoiceListParams) ([]*stripelib.Invoice, error)
}

// NewClient creates a Client backed by the Stripe API.
func NewClient(apiKey string) *Client {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &Client{
		listSubscriptions: func(params *stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error) {
			var subs []*stripelib.Subscription
			iter := subscription.List(params)
			for iter.Next() {
				subs = append(subs, iter.Subscription())
			}
			return subs, iter.Err()
		},
		createSubscription: subscription.New,
		updateSubscription: subscription.Update,
		cancelSubscription: subscription.Cancel,

		createSchedule:  subscriptionschedule.New,
		getSchedule:     subscriptionschedule.Get,
		updateSchedule:  subscriptionschedule.Update,
		releaseSchedule: subscriptionschedule.Release,

		createCustomer:        customer.New,
		createCheckoutSession: checkoutsession.New,
		getCheckoutSession:    checkoutsession.Get,

		listCharges: func(params *stripelib.ChargeListParams) ([]*stripelib.Charge, error) {
			var charges []*stripelib.Charge
			iter := charge.List(params)
			for iter.Next() {
				charges = append(charges, iter.Charge())
			}
			return charges, iter.Err()
		},
		listRefunds: func(params *stripelib.RefundListParams) ([]*stripelib.Refund, error) {
			var refunds []*stripelib.Refund
			iter := refund.List(params)
			for iter.Next() {
				refunds = append(refunds, iter.Refund())
			}
			return refunds, iter.Err()
		},
		createRefund: refund.New,
		listInvoices: func(params *stripelib.InvoiceListParams) ([]*stripelib.Invoice, error) {
			var invoices []*stripelib.Invoice
			iter := invoice.List(params)
			for iter.Next() {
				invoices = append(invoices, iter.Invoice())
			}
			return invoices, iter.Err()
		},
	}
}
