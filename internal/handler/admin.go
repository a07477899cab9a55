package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/order"
)

// couponRequest is the admin representation of a coupon definition.
type couponRequest struct {
	Code           string `validate:"required,max=64,printascii"`
	Description    string `validate:"max=500"`
	DiscountType   string `validate:"required,oneof=percentage fixed free_delivery buy_x_get_y_free"`
	Value          decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	BuyQuantity    int `validate:"gte=0,lte=1000"`
	FreeQuantity   int `validate:"gte=0,lte=1000"`
	UniqueProducts bool
	MinOrderAmount decimal.Decimal
	MaxUses        *int `validate:"omitempty,gte=0"`
	UsedCount      int  `validate:"gte=0"`
	StartsAt       *time.Time
	ExpiresAt      *time.Time
	IsActive       *bool
	Visible        bool
}

func decodeCouponRequest(r *http.Request) (couponRequest, error) {
	var req couponRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.Code, err = d.Str()
		case "description":
			req.Description, err = d.Str()
		case "discountType":
			req.DiscountType, err = d.Str()
		case "value":
			req.Value, err = decodeDecimal(d)
		case "maxDiscount":
			req.MaxDiscount, err = decodeNullDecimal(d)
		case "buyQuantity":
			req.BuyQuantity, err = d.Int()
		case "freeQuantity":
			req.FreeQuantity, err = d.Int()
		case "uniqueProducts":
			req.UniqueProducts, err = d.Bool()
		case "minOrderAmount":
			req.MinOrderAmount, err = decodeDecimal(d)
		case "maxUses":
			req.MaxUses, err = decodeNullInt(d)
		case "usedCount":
			req.UsedCount, err = d.Int()
		case "startDate":
			req.StartsAt, err = decodeTime(d)
		case "expiryDate":
			req.ExpiresAt, err = decodeTime(d)
		case "isActive":
			var v bool
			v, err = d.Bool()
			req.IsActive = &v
		case "visible":
			req.Visible, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

// toCoupon converts a validated request to a domain coupon. Omitted isActive
// means active.
func (req couponRequest) toCoupon() (*coupon.Coupon, error) {
	policy, err := coupon.NewPolicy(coupon.Terms{
		Type:           coupon.DiscountType(req.DiscountType),
		Value:          req.Value,
		MaxDiscount:    req.MaxDiscount,
		BuyQuantity:    req.BuyQuantity,
		FreeQuantity:   req.FreeQuantity,
		UniqueProducts: req.UniqueProducts,
	})
	if err != nil {
		return nil, err
	}
	if req.StartsAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.StartsAt) {
		return nil, &coupon.ValidationError{Field: "expiryDate", Message: "must be after startDate"}
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &coupon.Coupon{
		Code:           req.Code,
		Description:    req.Description,
		Policy:         policy,
		MinOrderAmount: req.MinOrderAmount,
		MaxUses:        req.MaxUses,
		UsedCount:      req.UsedCount,
		StartsAt:       req.StartsAt,
		ExpiresAt:      req.ExpiresAt,
		Active:         active,
		Visible:        req.Visible,
	}, nil
}

func (h *Handler) couponFromRequest(r *http.Request, pathCode string) (*coupon.Coupon, error) {
	req, err := decodeCouponRequest(r)
	if err != nil {
		return nil, err
	}
	if pathCode != "" {
		req.Code = pathCode
	}
	if err := h.validate.Struct(req); err != nil {
		return nil, err
	}
	return req.toCoupon()
}

// AdminListCoupons lists coupon definitions. Supports code prefix, active,
// limit and offset query parameters.
func (h *Handler) AdminListCoupons(w http.ResponseWriter, r *http.Request) {
	var f coupon.Filter
	q := r.URL.Query()
	f.Code = q.Get("code")
	if s := q.Get("active"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			fail(w, r, badRequest("invalid active", err))
			return
		}
		f.Active = &v
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		fail(w, r, err)
		return
	}

	coupons, err := h.coupons.List(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range coupons {
			encodeCoupon(e, &coupons[i])
		}
		e.ArrEnd()
	})
}

// AdminCreateCoupon stores a new coupon.
func (h *Handler) AdminCreateCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.couponFromRequest(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.coupons.Create(r.Context(), c); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeCoupon(e, c)
	})
}

// AdminGetCoupon returns a coupon definition.
func (h *Handler) AdminGetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeCoupon(e, c)
	})
}

// AdminUpdateCoupon replaces a coupon definition. The code in the path wins
// over the body.
func (h *Handler) AdminUpdateCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.couponFromRequest(r, chi.URLParam(r, "code"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.coupons.Update(r.Context(), c); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeCoupon(e, c)
	})
}

// AdminDeleteCoupon removes a coupon.
func (h *Handler) AdminDeleteCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminListOrders lists orders, newest first.
func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	var f order.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := order.ParseStatus(s)
		if err != nil {
			fail(w, r, badRequest(err.Error(), nil))
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		fail(w, r, err)
		return
	}

	orders, err := h.orders.ListOrders(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
}

// AdminUpdateOrderStatus moves an order to the status in the body.
func (h *Handler) AdminUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var raw string
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		v, err := d.Str()
		raw = v
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	to, err := order.ParseStatus(raw)
	if err != nil {
		fail(w, r, badRequest(err.Error(), nil))
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}
