// Package pricing maps Stripe price identifiers to plan tiers and billing
// intervals, and classifies plan changes. It is pure and performs no I/O.
package pricing

import "strings"

// Tier is the subscription plan level. Tiers are totally ordered:
// personal < pro < enterprise.
type Tier string

const (
	TierPersonal   Tier = "personal"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierPersonal:   0,
	TierPro:        1,
	TierEnterprise: 2,
}

// Rank returns the position of t in the tier order. Unknown tiers rank lowest.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Interval is the billing cadence of a price.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

var intervalRank = map[Interval]int{
	IntervalMonth: 0,
	IntervalYear:  1,
}

// SeatAllowance returns the number of seats included with a tier.
func (t Tier) SeatAllowance() int {
	switch t {
	case TierEnterprise:
		return 250
	case TierPro:
		return 25
	default:
		return 3
	}
}

// Price describes one purchasable plan variant.
type Price struct {
	ID       string
	Tier     Tier
	Interval Interval
}

// Catalog resolves price identifiers. The personal tier has no price: it is
// the free plan every organization starts on.
type Catalog struct {
	prices map[string]Price
}

// CatalogConfig names the configured price ID for each paid tier/interval pair.
type CatalogConfig struct {
	ProMonth        string
	ProYear         string
	EnterpriseMonth string
	EnterpriseYear  string
}

// NewCatalog builds a catalog from configured price identifiers.
func NewCatalog(cfg CatalogConfig) *Catalog {
	c := &Catalog{prices: make(map[string]Price)}
	c.add(cfg.ProMonth, TierPro, IntervalMonth)
	c.add(cfg.ProYear, TierPro, IntervalYear)
	c.add(cfg.EnterpriseMonth, TierEnterprise, IntervalMonth)
	c.add(cfg.EnterpriseYear, TierEnterprise, IntervalYear)
	return c
}

func (c *Catalog) add(priceID string, tier Tier, interval Interval) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return
	}
	c.prices[priceID] = Price{ID: priceID, Tier: tier, Interval: interval}
}

// Lookup resolves a price ID. ok is false for unknown identifiers.
func (c *Catalog) Lookup(priceID string) (Price, bool) {
	p, ok := c.prices[strings.TrimSpace(priceID)]
	return p, ok
}

// TierOf resolves a price ID to its tier. Unknown prices resolve to the
// personal tier so read paths stay total when price configuration drifts;
// money-changing paths must use Lookup or Classify, which reject unknown
// requested prices.
func (c *Catalog) TierOf(priceID string) Tier {
	if p, ok := c.Lookup(priceID); ok {
		return p.Tier
	}
	return TierPersonal
}

// IntervalOf resolves a price ID to its billing interval. Unknown prices
// resolve to monthly.
func (c *Catalog) IntervalOf(priceID string) Interval {
	if p, ok := c.Lookup(priceID); ok {
		return p.Interval
	}
	return IntervalMonth
}

// IsUpgrade reports whether moving from tier a to tier b moves up the order.
func IsUpgrade(a, b Tier) bool {
	return b.Rank() > a.Rank()
}

// IsDowngrade reports whether moving from tier a to tier b moves down the order.
func IsDowngrade(a, b Tier) bool {
	return b.Rank() < a.Rank()
}

// ChangeKind classifies a requested plan change.
type ChangeKind string

const (
	// ChangeUpgrade: at least one axis moves up and neither moves down.
	ChangeUpgrade ChangeKind = "upgrade"
	// ChangeDowngrade: at least one axis moves down and neither moves up.
	ChangeDowngrade ChangeKind = "downgrade"
	// ChangeNone: tier and interval are both unchanged.
	ChangeNone ChangeKind = "none"
	// ChangeAmbiguous: the axes move in opposite directions (e.g. tier up,
	// interval down). Rejected rather than guessed at.
	ChangeAmbiguous ChangeKind = "ambiguous"
	// ChangeUnknownPrice: the requested price is not in the catalog. Unknown
	// requested prices fail closed.
	ChangeUnknownPrice ChangeKind = "unknown_price"
)

// Classify compares the current plan against a requested price along the tier
// and interval axes independently. The current price may be unknown (config
// drift on an existing subscription); it then counts as personal/monthly.
func (c *Catalog) Classify(currentPriceID, requestedPriceID string) ChangeKind {
	requested, ok := c.Lookup(requestedPriceID)
	if !ok {
		return ChangeUnknownPrice
	}

	currentTier := c.TierOf(currentPriceID)
	currentInterval := c.IntervalOf(currentPriceID)

	tierDelta := requested.Tier.Rank() - currentTier.Rank()
	intervalDelta := intervalRank[requested.Interval] - intervalRank[currentInterval]

	switch {
	case tierDelta == 0 && intervalDelta == 0:
		return ChangeNone
	case tierDelta >= 0 && intervalDelta >= 0:
		return ChangeUpgrade
	case tierDelta <= 0 && intervalDelta <= 0:
		return ChangeDowngrade
	default:
		return ChangeAmbiguous
	}
}
