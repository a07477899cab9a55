package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// reasonMalformedCart is reported when cart lines cannot be priced.
const reasonMalformedCart = "Cart contains invalid items"

// Service validates, prices and redeems coupons, and manages their
// definitions for the back office.
type Service struct {
	repo        Repository
	now         func() time.Time
	redemptions metric.Int64Counter
}

// NewService creates a Service backed by repo. Redemption outcomes are
// counted on the given meter.
func NewService(repo Repository, meter metric.Meter) (*Service, error) {
	redemptions, err := meter.Int64Counter("coupon.redemptions",
		metric.WithDescription("Coupon redemption attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create redemptions counter")
	}
	return &Service{
		repo:        repo,
		now:         time.Now,
		redemptions: redemptions,
	}, nil
}

// Lookup returns the coupon for code. Codes are matched case-insensitively.
func (s *Service) Lookup(ctx context.Context, code string) (*Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}
	c, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	return c, nil
}

// Quote looks up the coupon and prices it against the cart. It returns
// ErrNotFound for unknown codes and *IneligibleError when the coupon cannot be
// applied. Coupon state is re-read on every call.
func (s *Service) Quote(ctx context.Context, code string, cart Cart) (*Quote, error) {
	c, err := s.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := cart.Check(); err != nil {
		return nil, &IneligibleError{Reason: reasonMalformedCart}
	}

	e := IsValid(c, s.now(), cart.Subtotal, cart.ItemCount(), cart.UniqueItemCount())
	if !e.Valid {
		return nil, &IneligibleError{Reason: e.Reason}
	}

	return &Quote{
		Coupon:   c.Summary(),
		Discount: CalculateDiscount(c, cart.Subtotal, cart.DeliveryCharge, cart.Items),
	}, nil
}

// Redeem records one use of the coupon by an order. It is safe to retry with
// the same order ID.
func (s *Service) Redeem(ctx context.Context, r Redemption) error {
	r.Code = NormalizeCode(r.Code)
	err := s.repo.Redeem(ctx, r)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUsageLimitReached):
		outcome = "limit_reached"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	s.redemptions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coupon.code", r.Code),
		attribute.String("outcome", outcome),
	))

	if err != nil && outcome == "error" {
		return errors.Wrapf(err, "redeem coupon %s", r.Code)
	}
	return err
}

// ListVisible returns coupons customers may browse: visible, active and inside
// their validity window.
func (s *Service) ListVisible(ctx context.Context) ([]Summary, error) {
	coupons, err := s.repo.ListVisible(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list visible coupons")
	}

	now := s.now()
	out := make([]Summary, 0, len(coupons))
	for i := range coupons {
		c := &coupons[i]
		if !c.Visible || !c.Active {
			continue
		}
		if c.StartsAt != nil && now.Before(*c.StartsAt) {
			continue
		}
		if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
			continue
		}
		out = append(out, c.Summary())
	}
	return out, nil
}

// List returns coupons for the back office.
func (s *Service) List(ctx context.Context, f Filter) ([]Coupon, error) {
	f.Code = NormalizeCode(f.Code)
	coupons, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return coupons, nil
}

// Get returns a coupon by code for the back office.
func (s *Service) Get(ctx context.Context, code string) (*Coupon, error) {
	return s.Lookup(ctx, code)
}

// Create stores a new coupon definition.
func (s *Service) Create(ctx context.Context, c *Coupon) error {
	if err := s.prepare(c); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return ErrDuplicateCode
		}
		return errors.Wrap(err, "create coupon")
	}
	return nil
}

// Update replaces an existing coupon definition. Any field may change,
// including the usage counter.
func (s *Service) Update(ctx context.Context, c *Coupon) error {
	if err := s.prepare(c); err != nil {
		return err
	}
	if c.UsedCount < 0 {
		return &ValidationError{Field: "usedCount", Message: "must not be negative"}
	}
	if err := s.repo.Update(ctx, c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "update coupon")
	}
	return nil
}

// Delete removes a coupon. Orders keep their discount snapshot.
func (s *Service) Delete(ctx context.Context, code string) error {
	if err := s.repo.Delete(ctx, NormalizeCode(code)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "delete coupon")
	}
	return nil
}

// prepare normalizes the code and checks fields the policy does not cover.
func (s *Service) prepare(c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	switch {
	case c.Code == "":
		return &ValidationError{Field: "code", Message: "required"}
	case c.Policy == nil:
		return &ValidationError{Field: "discountType", Message: "required"}
	case c.MinOrderAmount.IsNegative():
		return &ValidationError{Field: "minOrderAmount", Message: "must not be negative"}
	case c.MaxUses != nil && *c.MaxUses < 0:
		return &ValidationError{Field: "maxUses", Message: "must not be negative"}
	case c.StartsAt != nil && c.ExpiresAt != nil && c.ExpiresAt.Before(*c.StartsAt):
		return &ValidationError{Field: "expiryDate", Message: "must not be before startDate"}
	}
	return nil
}
