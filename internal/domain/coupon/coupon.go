package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ReasonUsageLimit is the ineligibility reason for a coupon with no uses left.
const ReasonUsageLimit = "Coupon usage limit reached"

var (
	// ErrNotFound is returned when no coupon exists for a code.
	ErrNotFound = errors.New("Invalid coupon code")
	// ErrUsageLimitReached is returned by Redeem when the coupon has no uses left.
	ErrUsageLimitReached = errors.New(ReasonUsageLimit)
	// ErrDuplicateCode is returned when creating a coupon whose code is taken.
	ErrDuplicateCode = errors.New("coupon code already exists")
)

// IneligibleError reports that a coupon exists but cannot be applied to the
// cart. Reason is user-facing and returned verbatim.
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string {
	return e.Reason
}

// ValidationError reports an invalid coupon definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Coupon is a discount policy identified by an uppercase code.
type Coupon struct {
	ID             int64
	Code           string
	Description    string
	Policy         Policy
	MinOrderAmount decimal.Decimal
	// MaxUses is nil for unlimited coupons.
	MaxUses   *int
	UsedCount int
	StartsAt  *time.Time
	ExpiresAt *time.Time
	Active    bool
	Visible   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Type returns the discount type of the coupon's policy.
func (c *Coupon) Type() DiscountType {
	if c.Policy == nil {
		return ""
	}
	return c.Policy.Type()
}

// Summary returns the fields that are safe to show to customers.
func (c *Coupon) Summary() Summary {
	t := TermsOf(c.Policy)
	return Summary{
		Code:           c.Code,
		Description:    c.Description,
		Type:           t.Type,
		Value:          t.Value,
		MinOrderAmount: c.MinOrderAmount,
		BuyQuantity:    t.BuyQuantity,
		FreeQuantity:   t.FreeQuantity,
		UniqueProducts: t.UniqueProducts,
		ExpiresAt:      c.ExpiresAt,
	}
}

// Summary is the public view of a coupon.
type Summary struct {
	Code           string
	Description    string
	Type           DiscountType
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	BuyQuantity    int
	FreeQuantity   int
	UniqueProducts bool
	ExpiresAt      *time.Time
}

// Item is a cart line as seen by the discount engine.
type Item struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Cart is the order context a coupon is evaluated against.
type Cart struct {
	Items          []Item
	Subtotal       decimal.Decimal
	DeliveryCharge decimal.Decimal
}

// ItemCount returns the number of qualifying units in the cart. Lines
// without a positive price or quantity are not counted.
func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		if qualifies(it) {
			n += it.Quantity
		}
	}
	return n
}

// UniqueItemCount returns the number of distinct products with at least one
// qualifying unit.
func (c Cart) UniqueItemCount() int {
	seen := make(map[string]struct{}, len(c.Items))
	for _, it := range c.Items {
		if qualifies(it) {
			seen[it.ProductID] = struct{}{}
		}
	}
	return len(seen)
}

// Check reports whether every line carries a product, a positive quantity and
// a positive price.
func (c Cart) Check() error {
	for i, it := range c.Items {
		switch {
		case it.ProductID == "":
			return errors.Errorf("item %d: missing product id", i)
		case it.Quantity <= 0:
			return errors.Errorf("item %d: quantity must be positive", i)
		case !it.UnitPrice.IsPositive():
			return errors.Errorf("item %d: unit price must be positive", i)
		}
	}
	if c.Subtotal.IsNegative() || c.DeliveryCharge.IsNegative() {
		return errors.New("negative cart amounts")
	}
	return nil
}

// Quote is the outcome of applying a coupon to a cart.
type Quote struct {
	Coupon   Summary
	Discount decimal.Decimal
}

// Redemption records one use of a coupon by an order.
type Redemption struct {
	Code     string
	OrderID  string
	Discount decimal.Decimal
}

// Filter narrows admin coupon listings.
type Filter struct {
	Code   string
	Active *bool
	Limit  int
	Offset int
}

// Repository provides coupon persistence.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	ListVisible(ctx context.Context) ([]Coupon, error)
	List(ctx context.Context, f Filter) ([]Coupon, error)
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, c *Coupon) error
	Delete(ctx context.Context, code string) error
	// Redeem atomically increments the usage counter, unless the coupon has
	// reached MaxUses, and records the redemption for the order. A second
	// call for the same order is a no-op.
	Redeem(ctx context.Context, r Redemption) error
}

// NormalizeCode trims and uppercases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
