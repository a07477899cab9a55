package coupon

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Eligibility is the result of IsValid. Reason is set only when Valid is false.
type Eligibility struct {
	Valid  bool
	Reason string
}

func ineligible(reason string) Eligibility {
	return Eligibility{Reason: reason}
}

// IsValid checks whether the coupon may be applied to an order. Checks run in
// a fixed order and the first failure is reported.
func IsValid(c *Coupon, now time.Time, orderAmount decimal.Decimal, itemCount, uniqueItemCount int) Eligibility {
	if !c.Active {
		return ineligible("Coupon is not active")
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return ineligible("Coupon is not yet active")
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return ineligible("Coupon has expired")
	}
	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return ineligible(ReasonUsageLimit)
	}
	if orderAmount.LessThan(c.MinOrderAmount) {
		return ineligible("Minimum order amount is ₹" + c.MinOrderAmount.String())
	}

	if p, ok := c.Policy.(BuyXGetYFree); ok {
		have, unit := itemCount, "item(s)"
		if p.UniqueProducts {
			have, unit = uniqueItemCount, "different product(s)"
		}
		if short := p.Threshold() - have; short > 0 {
			return ineligible(fmt.Sprintf("Add %d more %s to use this coupon", short, unit))
		}
	}

	return Eligibility{Valid: true}
}

// CalculateDiscount returns the discount the coupon grants for the order. It
// assumes IsValid already passed. The result is never negative, never exceeds
// the amount it targets (delivery charge for free delivery, subtotal
// otherwise) and is rounded to cents.
func CalculateDiscount(c *Coupon, subtotal, deliveryCharge decimal.Decimal, items []Item) decimal.Decimal {
	limit := subtotal
	var amount decimal.Decimal

	switch p := c.Policy.(type) {
	case Percentage:
		amount = subtotal.Mul(p.Rate).Div(hundred)
		if p.MaxDiscount.Valid {
			amount = decimal.Min(amount, p.MaxDiscount.Decimal)
		}
	case Fixed:
		amount = p.Amount
	case FreeDelivery:
		amount = deliveryCharge
		limit = deliveryCharge
	case BuyXGetYFree:
		amount = freeUnitsValue(p, items)
	default:
		return decimal.Zero
	}

	return clamp(amount, limit).Round(2)
}

// freeUnitsValue sums the prices of the p.Free cheapest qualifying units, or
// returns zero when the cart does not fill the bundle. Lines are walked in
// price order, so the cost does not depend on quantities.
func freeUnitsValue(p BuyXGetYFree, items []Item) decimal.Decimal {
	var lines []Item
	if p.UniqueProducts {
		lines = cheapestPerProduct(items)
	} else {
		lines = qualifyingLines(items)
	}
	if !hasUnits(lines, p.Threshold()) {
		return decimal.Zero
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].UnitPrice.LessThan(lines[j].UnitPrice)
	})

	sum := decimal.Zero
	left := p.Free
	for _, l := range lines {
		if left == 0 {
			break
		}
		n := min(l.Quantity, left)
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(n))))
		left -= n
	}
	return sum
}

func qualifyingLines(items []Item) []Item {
	lines := make([]Item, 0, len(items))
	for _, it := range items {
		if qualifies(it) {
			lines = append(lines, it)
		}
	}
	return lines
}

// cheapestPerProduct returns one single-unit line per distinct product, at
// the lowest price seen for that product.
func cheapestPerProduct(items []Item) []Item {
	byProduct := make(map[string]int, len(items))
	var lines []Item
	for _, it := range items {
		if !qualifies(it) {
			continue
		}
		i, ok := byProduct[it.ProductID]
		if !ok {
			byProduct[it.ProductID] = len(lines)
			lines = append(lines, Item{ProductID: it.ProductID, UnitPrice: it.UnitPrice, Quantity: 1})
			continue
		}
		if it.UnitPrice.LessThan(lines[i].UnitPrice) {
			lines[i].UnitPrice = it.UnitPrice
		}
	}
	return lines
}

// hasUnits reports whether lines hold at least n units.
func hasUnits(lines []Item, n int) bool {
	for _, l := range lines {
		if n <= l.Quantity {
			return true
		}
		n -= l.Quantity
	}
	return n <= 0
}

func qualifies(it Item) bool {
	return it.Quantity > 0 && it.UnitPrice.IsPositive()
}

func clamp(amount, limit decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() || limit.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, limit)
}
