package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SubscriptionStatus mirrors the processor's subscription status vocabulary,
// plus "none" for organizations that have never subscribed.
type SubscriptionStatus string

const (
	StatusNone              SubscriptionStatus = "none"
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusPaused            SubscriptionStatus = "paused"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusUnpaid            SubscriptionStatus = "unpaid"
)

// Qualifying reports whether the status counts as a live subscription for
// plan changes and deletion safety.
func (s SubscriptionStatus) Qualifying() bool {
	return s == StatusActive || s == StatusTrialing
}

// Binding maps an internal organization to its external billing customer.
// Created lazily on first checkout, never deleted while the org exists.
// The pending_* fields carry the "checkout started but never completed"
// pseudo-state.
type Binding struct {
	OrgID                    string    `json:"org_id"`
	StripeCustomerID         string    `json:"stripe_customer_id"`
	PendingCheckoutSessionID string    `json:"pending_checkout_session_id,omitempty"`
	PendingPriceID           string    `json:"pending_price_id,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Snapshot is the locally cached projection of one remote subscription.
// Rows for a customer are fully replaced on every resync, never patched.
// Timestamps are epoch milliseconds.
type Snapshot struct {
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	Status               SubscriptionStatus `json:"status"`
	PriceID              string             `json:"price_id"`
	Tier                 string             `json:"tier"`
	BillingInterval      string             `json:"billing_interval"`
	CurrentPeriodStart   int64              `json:"current_period_start"`
	CurrentPeriodEnd     int64              `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CancelAt             *int64             `json:"cancel_at,omitempty"`
	TrialStart           *int64             `json:"trial_start,omitempty"`
	TrialEnd             *int64             `json:"trial_end,omitempty"`
	PaymentMethodBrand   string             `json:"payment_method_brand,omitempty"`
	PaymentMethodLast4   string             `json:"payment_method_last4,omitempty"`
	ScheduleID           string             `json:"schedule_id,omitempty"`
	ScheduledPriceID     string             `json:"scheduled_price_id,omitempty"`
	Quantity             int64              `json:"quantity"`
	RemoteCreatedAt      int64              `json:"remote_created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// TrialUsage records that an organization has consumed its one-ever trial.
// Written once, never deleted.
type TrialUsage struct {
	OrgID          string `json:"org_id"`
	TrialStartedAt int64  `json:"trial_started_at"`
	TrialEndsAt    int64  `json:"trial_ends_at"`
}

// AuditRecord captures one successful billing mutation for the activity
// timeline.
type AuditRecord struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAuditID returns a lexicographically sortable audit record ID.
func NewAuditID() string {
	return ulid.Make().String()
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateIdempotencyKey returns a request idempotency key of the form
// "bil-" followed by 20 random Crockford base32 characters.
func GenerateIdempotencyKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate idempotency key: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("bil-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
