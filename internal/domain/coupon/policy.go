package coupon

import (
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeDelivery waives the delivery charge.
	DiscountFreeDelivery DiscountType = "free_delivery"
	// DiscountBuyXGetYFree makes the cheapest qualifying units free.
	DiscountBuyXGetYFree DiscountType = "buy_x_get_y_free"
)

// Default bundle sizes for buy-X-get-Y coupons.
const (
	DefaultBuyQuantity  = 3
	DefaultFreeQuantity = 1
)

var hundred = decimal.NewFromInt(100)

// Policy is the discount strategy of a coupon. It is implemented by
// Percentage, Fixed, FreeDelivery and BuyXGetYFree only.
type Policy interface {
	Type() DiscountType
	isPolicy()
}

// Percentage discounts Rate percent of the subtotal.
type Percentage struct {
	Rate decimal.Decimal
	// MaxDiscount caps the discount when Valid.
	MaxDiscount decimal.NullDecimal
}

// Fixed discounts a flat Amount.
type Fixed struct {
	Amount decimal.Decimal
}

// FreeDelivery discounts the full delivery charge.
type FreeDelivery struct{}

// BuyXGetYFree makes the Free cheapest of Buy+Free qualifying units free.
type BuyXGetYFree struct {
	Buy  int
	Free int
	// UniqueProducts counts distinct products instead of units.
	UniqueProducts bool
}

func (Percentage) Type() DiscountType   { return DiscountPercentage }
func (Fixed) Type() DiscountType        { return DiscountFixed }
func (FreeDelivery) Type() DiscountType { return DiscountFreeDelivery }
func (BuyXGetYFree) Type() DiscountType { return DiscountBuyXGetYFree }

func (Percentage) isPolicy()   {}
func (Fixed) isPolicy()        {}
func (FreeDelivery) isPolicy() {}
func (BuyXGetYFree) isPolicy() {}

// Threshold returns how many qualifying units the bundle needs.
func (p BuyXGetYFree) Threshold() int {
	return p.Buy + p.Free
}

// Terms is the flat representation of a Policy used for storage and the wire.
type Terms struct {
	Type           DiscountType
	Value          decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	BuyQuantity    int
	FreeQuantity   int
	UniqueProducts bool
}

// NewPolicy validates flat terms and converts them to a Policy.
func NewPolicy(t Terms) (Policy, error) {
	switch t.Type {
	case DiscountPercentage:
		if !t.Value.IsPositive() || t.Value.GreaterThan(hundred) {
			return nil, &ValidationError{Field: "value", Message: "percentage must be in (0, 100]"}
		}
		if t.MaxDiscount.Valid && !t.MaxDiscount.Decimal.IsPositive() {
			return nil, &ValidationError{Field: "maxDiscount", Message: "must be positive"}
		}
		return Percentage{Rate: t.Value, MaxDiscount: t.MaxDiscount}, nil
	case DiscountFixed:
		if !t.Value.IsPositive() {
			return nil, &ValidationError{Field: "value", Message: "fixed discount must be positive"}
		}
		return Fixed{Amount: t.Value}, nil
	case DiscountFreeDelivery:
		return FreeDelivery{}, nil
	case DiscountBuyXGetYFree:
		p := BuyXGetYFree{Buy: t.BuyQuantity, Free: t.FreeQuantity, UniqueProducts: t.UniqueProducts}
		if p.Buy == 0 {
			p.Buy = DefaultBuyQuantity
		}
		if p.Free == 0 {
			p.Free = DefaultFreeQuantity
		}
		if p.Buy < 1 || p.Free < 1 {
			return nil, &ValidationError{Field: "buyQuantity", Message: "buy and free quantities must be at least 1"}
		}
		return p, nil
	default:
		return nil, &ValidationError{Field: "discountType", Message: "unsupported discount type " + string(t.Type)}
	}
}

// TermsOf flattens a Policy. Fields that do not apply to the variant are zero.
func TermsOf(p Policy) Terms {
	switch p := p.(type) {
	case Percentage:
		return Terms{Type: DiscountPercentage, Value: p.Rate, MaxDiscount: p.MaxDiscount}
	case Fixed:
		return Terms{Type: DiscountFixed, Value: p.Amount}
	case FreeDelivery:
		return Terms{Type: DiscountFreeDelivery}
	case BuyXGetYFree:
		return Terms{
			Type:           DiscountBuyXGetYFree,
			BuyQuantity:    p.Buy,
			FreeQuantity:   p.Free,
			UniqueProducts: p.UniqueProducts,
		}
	default:
		return Terms{}
	}
}
