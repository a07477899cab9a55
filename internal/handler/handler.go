// Package handler exposes the storefront and back-office HTTP API.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

// Catalog serves products.
type Catalog interface {
	List(ctx context.Context) ([]product.Product, error)
	Get(ctx context.Context, id string) (*product.Product, error)
	Resolve(p *product.Product)
}

// Coupons manages coupon definitions.
type Coupons interface {
	ListVisible(ctx context.Context) ([]coupon.Summary, error)
	List(ctx context.Context, f coupon.Filter) ([]coupon.Coupon, error)
	Get(ctx context.Context, code string) (*coupon.Coupon, error)
	Create(ctx context.Context, c *coupon.Coupon) error
	Update(ctx context.Context, c *coupon.Coupon) error
	Delete(ctx context.Context, code string) error
}

// Orders prices carts and manages orders.
type Orders interface {
	Quote(ctx context.Context, req order.PlaceOrderRequest) (*order.Checkout, error)
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, f order.Filter) ([]order.Order, error)
	CancelOrder(ctx context.Context, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id string, to order.Status) (*order.Order, error)
}

// Authenticator resolves API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

// Handler implements the HTTP endpoints on top of the domain services.
type Handler struct {
	catalog  Catalog
	coupons  Coupons
	orders   Orders
	validate *validator.Validate
}

// New returns a Handler.
func New(catalog Catalog, coupons Coupons, orders Orders) *Handler {
	return &Handler{
		catalog:  catalog,
		coupons:  coupons,
		orders:   orders,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RouterConfig holds router dependencies that are not domain services.
type RouterConfig struct {
	Auth Authenticator
	// ValidateLimiter throttles coupon validation per client. Nil disables it.
	ValidateLimiter *httpmiddleware.Limiter
}

// Router returns the API routes mounted under /api.
func (h *Handler) Router(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
		r.Get("/coupons", h.ListCoupons)

		validate := http.Handler(http.HandlerFunc(h.ValidateCoupon))
		if cfg.ValidateLimiter != nil {
			validate = httpmiddleware.RateLimit(cfg.ValidateLimiter, nil)(validate)
		}
		r.Method(http.MethodPost, "/coupons/validate", validate)

		r.Group(func(r chi.Router) {
			r.Use(RequireScope(cfg.Auth, auth.ScopeOrders))
			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireScope(cfg.Auth, auth.ScopeAdmin))
			r.Get("/coupons", h.AdminListCoupons)
			r.Post("/coupons", h.AdminCreateCoupon)
			r.Get("/coupons/{code}", h.AdminGetCoupon)
			r.Put("/coupons/{code}", h.AdminUpdateCoupon)
			r.Delete("/coupons/{code}", h.AdminDeleteCoupon)
			r.Get("/orders", h.AdminListOrders)
			r.Patch("/orders/{id}/status", h.AdminUpdateOrderStatus)
		})
	})
	return r
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}

// fail maps err to an HTTP error response. Unexpected errors are logged and
// their message is not exposed.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		badReq      *badRequestError
		ineligible  *coupon.IneligibleError
		invalid     *coupon.ValidationError
		validation  validator.ValidationErrors
		quantity    *order.InvalidQuantityError
		missingProd *order.ProductNotFoundError
	)
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, badReq.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validationMessage(validation))
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, order.ErrEmptyItems):
		writeError(w, http.StatusBadRequest, order.ErrEmptyItems.Error())
	case errors.As(err, &ineligible):
		writeError(w, http.StatusUnprocessableEntity, ineligible.Reason)
	case errors.As(err, &quantity):
		writeError(w, http.StatusUnprocessableEntity, quantity.Error())
	case errors.As(err, &missingProd):
		writeError(w, http.StatusUnprocessableEntity, missingProd.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, coupon.ErrNotFound.Error())
	case errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, product.ErrNotFound.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, order.ErrNotFound.Error())
	case errors.Is(err, coupon.ErrDuplicateCode):
		writeError(w, http.StatusConflict, coupon.ErrDuplicateCode.Error())
	case errors.Is(err, order.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func validationMessage(errs validator.ValidationErrors) string {
	if len(errs) == 0 {
		return "validation failed"
	}
	fe := errs[0]
	msg := fe.Field() + " failed on " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return msg
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, badRequest("invalid "+name, nil)
	}
	return v, nil
}
