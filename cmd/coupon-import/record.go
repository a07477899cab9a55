package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
)

// parseRecord decodes one JSON-lines coupon record. Field names match the
// admin API.
func parseRecord(line []byte) (coupon.Coupon, error) {
	var (
		c       = coupon.Coupon{Active: true}
		terms   coupon.Terms
		minimum decimal.Decimal
	)
	d := jx.DecodeBytes(line)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "discountType":
			var s string
			s, err = d.Str()
			terms.Type = coupon.DiscountType(s)
		case "value":
			terms.Value, err = decimalField(d)
		case "maxDiscount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = decimalField(d)
			terms.MaxDiscount = decimal.NewNullDecimal(v)
		case "buyQuantity":
			terms.BuyQuantity, err = d.Int()
		case "freeQuantity":
			terms.FreeQuantity, err = d.Int()
		case "uniqueProducts":
			terms.UniqueProducts, err = d.Bool()
		case "minOrderAmount":
			minimum, err = decimalField(d)
		case "maxUses":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v int
			v, err = d.Int()
			c.MaxUses = &v
		case "startDate":
			c.StartsAt, err = timeField(d)
		case "expiryDate":
			c.ExpiresAt, err = timeField(d)
		case "isActive":
			c.Active, err = d.Bool()
		case "visible":
			c.Visible, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return c, errors.Wrap(err, "decode record")
	}

	c.Code = coupon.NormalizeCode(c.Code)
	if c.Code == "" {
		return c, errors.New("code is required")
	}
	if minimum.IsNegative() {
		return c, errors.New("minOrderAmount must not be negative")
	}
	c.MinOrderAmount = minimum
	if c.Policy, err = coupon.NewPolicy(terms); err != nil {
		return c, err
	}
	return c, nil
}

func decimalField(d *jx.Decoder) (decimal.Decimal, error) {
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

func timeField(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
