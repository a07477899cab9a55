package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/product"
)

// MaxQuantity is the largest quantity accepted for a single line.
const MaxQuantity = 1000

// Sentinel errors for order validation.
var (
	ErrEmptyItems      = errors.New("items required")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item quantity outside 1..MaxQuantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be between 1 and %d for product %s", MaxQuantity, e.ProductID)
}

func (e *InvalidQuantityError) Unwrap() error {
	return ErrInvalidQuantity
}

// Coupons is the part of the coupon service used at checkout.
type Coupons interface {
	Quote(ctx context.Context, code string, cart coupon.Cart) (*coupon.Quote, error)
	Redeem(ctx context.Context, r coupon.Redemption) error
}

// RedemptionQueue schedules a redemption to be retried in the background.
type RedemptionQueue interface {
	EnqueueRedeem(ctx context.Context, r coupon.Redemption) error
}

// Pricing holds the delivery charge rules.
type Pricing struct {
	DeliveryCharge decimal.Decimal
	// FreeDeliveryFrom waives the delivery charge for subtotals at or above
	// it. Zero disables the threshold.
	FreeDeliveryFrom decimal.Decimal
}

// DeliveryFor returns the delivery charge for a subtotal.
func (p Pricing) DeliveryFor(subtotal decimal.Decimal) decimal.Decimal {
	if p.FreeDeliveryFrom.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeDeliveryFrom) {
		return decimal.Zero
	}
	return p.DeliveryCharge
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Items      []OrderItem
	CouponCode string
}

// Checkout is a priced cart. It is the result of Quote and the basis of every
// placed order.
type Checkout struct {
	Lines          []Line
	Products       []product.Product
	Subtotal       decimal.Decimal
	DeliveryCharge decimal.Decimal
	Discount       decimal.Decimal
	Total          decimal.Decimal
	// Coupon is set when a coupon code was applied.
	Coupon *coupon.Summary
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order    *Order
	Products []product.Product
}

// Service encapsulates order placement and fulfilment.
type Service struct {
	products product.Repository
	coupons  Coupons
	orders   Repository
	retries  RedemptionQueue
	pricing  Pricing
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates an order Service. retries may be nil, in which case
// failed redemptions are only logged.
func NewService(
	products product.Repository,
	coupons Coupons,
	orders Repository,
	retries RedemptionQueue,
	pricing Pricing,
	tp trace.TracerProvider,
) *Service {
	return &Service{
		products: products,
		coupons:  coupons,
		orders:   orders,
		retries:  retries,
		pricing:  pricing,
		tracer:   tp.Tracer("github.com/xenking/shopfront/internal/domain/order"),
		now:      time.Now,
	}
}

// Quote prices the cart and applies the coupon without placing an order.
func (s *Service) Quote(ctx context.Context, req PlaceOrderRequest) (*Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "order.Quote")
	defer span.End()

	c, err := s.checkout(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return c, nil
}

// PlaceOrder prices the cart, applies the coupon, persists the order and then
// redeems the coupon. If the coupon ran out of uses or disappeared after the
// quote, the order is cancelled and the checkout fails as ineligible.
// Transient redemption failures keep the order.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer span.End()

	c, err := s.checkout(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := s.now().UTC()
	o := &Order{
		ID:             uuid.New().String(),
		Lines:          c.Lines,
		Subtotal:       c.Subtotal,
		DeliveryCharge: c.DeliveryCharge,
		Discount:       c.Discount,
		Total:          c.Total,
		Status:         StatusPlaced,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.Coupon != nil {
		o.CouponCode = c.Coupon.Code
	}
	if err := s.orders.Create(ctx, o); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, "create order")
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	if o.CouponCode != "" {
		err := s.redeem(ctx, coupon.Redemption{
			Code:     o.CouponCode,
			OrderID:  o.ID,
			Discount: o.Discount,
		})
		if err != nil {
			s.void(ctx, o)
			span.SetStatus(codes.Error, err.Error())
			return nil, errors.Wrap(err, "apply coupon")
		}
	}

	return &PlaceOrderResult{
		Order:    o,
		Products: c.Products,
	}, nil
}

// redeem consumes one coupon use for a persisted order. It returns an error
// only when the coupon can no longer be applied; transient failures are
// logged and handed to the retry queue.
func (s *Service) redeem(ctx context.Context, r coupon.Redemption) error {
	lg := zctx.From(ctx).With(
		zap.String("order_id", r.OrderID),
		zap.String("coupon", r.Code),
	)

	err := s.coupons.Redeem(ctx, r)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coupon.ErrUsageLimitReached):
		lg.Warn("Coupon ran out of uses after quote", zap.Error(err))
		return &coupon.IneligibleError{Reason: coupon.ReasonUsageLimit}
	case errors.Is(err, coupon.ErrNotFound):
		lg.Warn("Coupon removed after quote", zap.Error(err))
		return coupon.ErrNotFound
	}

	lg.Warn("Coupon redemption failed", zap.Error(err))
	if s.retries == nil {
		return nil
	}
	if err := s.retries.EnqueueRedeem(ctx, r); err != nil {
		lg.Error("Enqueue coupon redemption retry", zap.Error(err))
	}
	return nil
}

// void cancels an order whose coupon could not be redeemed.
func (s *Service) void(ctx context.Context, o *Order) {
	if _, err := s.orders.UpdateStatus(ctx, o.ID, StatusPlaced, StatusCancelled); err != nil {
		zctx.From(ctx).Error("Cancel order after failed redemption",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return
	}
	o.Status = StatusCancelled
}

// checkout validates items, fetches products in a single batch and prices the
// cart including delivery and coupon discount.
func (s *Service) checkout(ctx context.Context, req PlaceOrderRequest) (*Checkout, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 || item.Quantity > MaxQuantity {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	c := &Checkout{
		Lines:    make([]Line, 0, len(req.Items)),
		Products: make([]product.Product, 0, len(req.Items)),
		Subtotal: decimal.Zero,
		Discount: decimal.Zero,
	}
	items := make([]coupon.Item, 0, len(req.Items))
	for _, item := range req.Items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		line := Line{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  item.Quantity,
		}
		c.Lines = append(c.Lines, line)
		c.Products = append(c.Products, p)
		c.Subtotal = c.Subtotal.Add(line.Amount())
		items = append(items, coupon.Item{
			ProductID: p.ID,
			UnitPrice: p.Price,
			Quantity:  item.Quantity,
		})
	}
	c.Subtotal = c.Subtotal.Round(2)
	c.DeliveryCharge = s.pricing.DeliveryFor(c.Subtotal).Round(2)

	if code := coupon.NormalizeCode(req.CouponCode); code != "" {
		q, err := s.coupons.Quote(ctx, code, coupon.Cart{
			Items:          items,
			Subtotal:       c.Subtotal,
			DeliveryCharge: c.DeliveryCharge,
		})
		if err != nil {
			return nil, errors.Wrap(err, "apply coupon")
		}
		c.Discount = q.Discount.Round(2)
		c.Coupon = &q.Coupon
	}

	total := c.Subtotal.Add(c.DeliveryCharge).Sub(c.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	c.Total = total.Round(2)

	return c, nil
}

// GetOrder returns an order by ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// ListOrders returns orders for the back office, newest first.
func (s *Service) ListOrders(ctx context.Context, f Filter) ([]Order, error) {
	orders, err := s.orders.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// CancelOrder cancels an order that has not shipped yet. The coupon use it
// consumed is not given back.
func (s *Service) CancelOrder(ctx context.Context, id string) (*Order, error) {
	return s.UpdateStatus(ctx, id, StatusCancelled)
}

// UpdateStatus moves an order along its lifecycle.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.status", string(to)),
	))
	defer span.End()

	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Status.CanTransition(to) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s to %s", cur.Status, to)
	}

	o, err := s.orders.UpdateStatus(ctx, id, cur.Status, to)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, "update order status")
	}

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", id),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
	)
	return o, nil
}
