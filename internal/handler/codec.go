package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// badRequestError marks malformed request input.
type badRequestError struct {
	msg string
	err error
}

func (e *badRequestError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &badRequestError{msg: msg, err: err}
}

// writeJSON encodes the body with fn and writes it with status.
func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	fn(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeBody reads a JSON object from r and calls fn for every field.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return badRequest("read body", err)
	}
	if len(body) == 0 {
		return badRequest("request body required", nil)
	}
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return fn(d, string(key))
	}); err != nil {
		var bre *badRequestError
		if errors.As(err, &bre) {
			return err
		}
		return badRequest("invalid JSON body", err)
	}
	return nil
}

// --- Field encoders ---

func encodeMoney(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Raw([]byte(v.StringFixed(2)))
}

func encodeNumber(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Raw([]byte(v.String()))
}

func encodeTime(e *jx.Encoder, field string, t *time.Time) {
	e.FieldStart(field)
	if t == nil {
		e.Null()
		return
	}
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	encodeMoney(e, "price", p.Price)
	e.FieldStart("category")
	e.Str(p.Category)
	e.FieldStart("image")
	e.ObjStart()
	e.FieldStart("thumbnail")
	e.Str(p.Image.Thumbnail)
	e.FieldStart("mobile")
	e.Str(p.Image.Mobile)
	e.FieldStart("tablet")
	e.Str(p.Image.Tablet)
	e.FieldStart("desktop")
	e.Str(p.Image.Desktop)
	e.ObjEnd()
	e.ObjEnd()
}

func encodeProducts(e *jx.Encoder, field string, products []product.Product) {
	e.FieldStart(field)
	e.ArrStart()
	for _, p := range products {
		encodeProduct(e, p)
	}
	e.ArrEnd()
}

func encodeSummary(e *jx.Encoder, s coupon.Summary) {
	e.ObjStart()
	e.FieldStart("code")
	e.Str(s.Code)
	e.FieldStart("description")
	e.Str(s.Description)
	e.FieldStart("discountType")
	e.Str(string(s.Type))
	switch s.Type {
	case coupon.DiscountPercentage, coupon.DiscountFixed:
		encodeNumber(e, "value", s.Value)
	case coupon.DiscountBuyXGetYFree:
		e.FieldStart("buyQuantity")
		e.Int(s.BuyQuantity)
		e.FieldStart("freeQuantity")
		e.Int(s.FreeQuantity)
		e.FieldStart("uniqueProducts")
		e.Bool(s.UniqueProducts)
	}
	encodeMoney(e, "minOrderAmount", s.MinOrderAmount)
	if s.ExpiresAt != nil {
		encodeTime(e, "expiryDate", s.ExpiresAt)
	}
	e.ObjEnd()
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	t := coupon.TermsOf(c.Policy)

	e.ObjStart()
	e.FieldStart("id")
	e.Int64(c.ID)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("description")
	e.Str(c.Description)
	e.FieldStart("discountType")
	e.Str(string(t.Type))
	encodeNumber(e, "value", t.Value)
	e.FieldStart("maxDiscount")
	if t.MaxDiscount.Valid {
		e.Raw([]byte(t.MaxDiscount.Decimal.StringFixed(2)))
	} else {
		e.Null()
	}
	e.FieldStart("buyQuantity")
	e.Int(t.BuyQuantity)
	e.FieldStart("freeQuantity")
	e.Int(t.FreeQuantity)
	e.FieldStart("uniqueProducts")
	e.Bool(t.UniqueProducts)
	encodeMoney(e, "minOrderAmount", c.MinOrderAmount)
	e.FieldStart("maxUses")
	if c.MaxUses != nil {
		e.Int(*c.MaxUses)
	} else {
		e.Null()
	}
	e.FieldStart("usedCount")
	e.Int(c.UsedCount)
	encodeTime(e, "startDate", c.StartsAt)
	encodeTime(e, "expiryDate", c.ExpiresAt)
	e.FieldStart("isActive")
	e.Bool(c.Active)
	e.FieldStart("visible")
	e.Bool(c.Visible)
	encodeTime(e, "createdAt", &c.CreatedAt)
	encodeTime(e, "updatedAt", &c.UpdatedAt)
	e.ObjEnd()
}

func encodeLines(e *jx.Encoder, lines []order.Line) {
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range lines {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(l.ProductID)
		e.FieldStart("name")
		e.Str(l.Name)
		encodeMoney(e, "unitPrice", l.UnitPrice)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
}

// encodeOrderFields writes the order fields without the enclosing object.
func encodeOrderFields(e *jx.Encoder, o *order.Order) {
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	encodeLines(e, o.Lines)
	encodeMoney(e, "subtotal", o.Subtotal)
	encodeMoney(e, "deliveryCharge", o.DeliveryCharge)
	encodeMoney(e, "discount", o.Discount)
	encodeMoney(e, "total", o.Total)
	if o.CouponCode != "" {
		e.FieldStart("couponCode")
		e.Str(o.CouponCode)
	}
	encodeTime(e, "createdAt", &o.CreatedAt)
	encodeTime(e, "updatedAt", &o.UpdatedAt)
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	encodeOrderFields(e, o)
	e.ObjEnd()
}

func encodeCheckout(e *jx.Encoder, c *order.Checkout) {
	e.ObjStart()
	e.FieldStart("valid")
	e.Bool(true)
	encodeLines(e, c.Lines)
	encodeMoney(e, "subtotal", c.Subtotal)
	encodeMoney(e, "deliveryCharge", c.DeliveryCharge)
	encodeMoney(e, "discount", c.Discount)
	encodeMoney(e, "total", c.Total)
	if c.Coupon != nil {
		e.FieldStart("coupon")
		encodeSummary(e, *c.Coupon)
	}
	e.ObjEnd()
}

// --- Field decoders ---

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

func decodeNullDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	if d.Next() == jx.Null {
		return decimal.NullDecimal{}, d.Null()
	}
	v, err := decodeDecimal(d)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

func decodeNullInt(d *jx.Decoder) (*int, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, badRequest("invalid date "+s, err)
	}
	return &t, nil
}

// decodeCart decodes the items and couponCode fields shared by checkout and
// coupon validation.
func decodeCart(r *http.Request) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "couponCode":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			req.CouponCode = v
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var item order.OrderItem
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "productId":
						v, err := d.Str()
						item.ProductID = v
						return err
					case "quantity":
						v, err := d.Int()
						item.Quantity = v
						return err
					default:
						return d.Skip()
					}
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	return req, err
}
