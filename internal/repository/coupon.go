package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
)

const couponColumns = `id, code, description, discount_type, value, max_discount,
	buy_quantity, free_quantity, unique_products, min_order_amount,
	max_uses, used_count, starts_at, expires_at, active, visible,
	created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	listVisibleCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE visible AND active ORDER BY code`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE ($1 = '' OR starts_with(code, $1))
		  AND ($2::boolean IS NULL OR active = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($3, 0) OFFSET $4`

	insertCouponSQL = `INSERT INTO coupons (code, description, discount_type, value, max_discount,
		buy_quantity, free_quantity, unique_products, min_order_amount,
		max_uses, used_count, starts_at, expires_at, active, visible)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at`

	upsertCouponSQL = `INSERT INTO coupons (code, description, discount_type, value, max_discount,
		buy_quantity, free_quantity, unique_products, min_order_amount,
		max_uses, used_count, starts_at, expires_at, active, visible)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			max_discount = EXCLUDED.max_discount,
			buy_quantity = EXCLUDED.buy_quantity,
			free_quantity = EXCLUDED.free_quantity,
			unique_products = EXCLUDED.unique_products,
			min_order_amount = EXCLUDED.min_order_amount,
			max_uses = EXCLUDED.max_uses,
			starts_at = EXCLUDED.starts_at,
			expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active,
			visible = EXCLUDED.visible,
			updated_at = NOW()`

	updateCouponSQL = `UPDATE coupons SET description = $2, discount_type = $3, value = $4,
		max_discount = $5, buy_quantity = $6, free_quantity = $7, unique_products = $8,
		min_order_amount = $9, max_uses = $10, used_count = $11, starts_at = $12,
		expires_at = $13, active = $14, visible = $15, updated_at = NOW()
		WHERE code = $1
		RETURNING id, created_at, updated_at`

	deleteCouponSQL = `DELETE FROM coupons WHERE code = $1`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (order_id, coupon_code, discount)
		VALUES ($1, $2, $3) ON CONFLICT (order_id) DO NOTHING`

	incrementCouponUsageSQL = `UPDATE coupons SET used_count = used_count + 1, updated_at = NOW()
		WHERE code = $1 AND (max_uses IS NULL OR used_count < max_uses)`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`

	listCouponCodesSQL = `SELECT code FROM coupons`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode returns the coupon with the given normalized code regardless of
// its state. Eligibility is decided by the engine.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return &c, nil
}

// ListVisible returns active coupons flagged for the storefront.
func (r *CouponRepository) ListVisible(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listVisibleCouponsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list visible coupons")
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// List returns coupons matching f, newest first.
func (r *CouponRepository) List(ctx context.Context, f coupon.Filter) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL, f.Code, f.Active, f.Limit, f.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// Create inserts c and fills its ID and timestamps.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	err := r.pool.QueryRow(ctx, insertCouponSQL, couponArgs(c)...).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrDuplicateCode
		}
		return errors.Wrapf(err, "insert coupon %q", c.Code)
	}
	return nil
}

// Update overwrites the coupon identified by c.Code, including its usage
// counter.
func (r *CouponRepository) Update(ctx context.Context, c *coupon.Coupon) error {
	err := r.pool.QueryRow(ctx, updateCouponSQL, couponArgs(c)...).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrNotFound
		}
		return errors.Wrapf(err, "update coupon %q", c.Code)
	}
	return nil
}

// Delete removes the coupon. Its redemption records are kept.
func (r *CouponRepository) Delete(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx, deleteCouponSQL, code)
	if err != nil {
		return errors.Wrapf(err, "delete coupon %q", code)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// Redeem records the redemption and increments the usage counter in one
// transaction. The increment is conditional on the cap, so concurrent
// redemptions can never push used_count past max_uses. A repeated call for
// the same order is a no-op.
func (r *CouponRepository) Redeem(ctx context.Context, rd coupon.Redemption) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertRedemptionSQL, rd.OrderID, rd.Code, rd.Discount)
		if err != nil {
			return errors.Wrap(err, "record redemption")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		tag, err = tx.Exec(ctx, incrementCouponUsageSQL, rd.Code)
		if err != nil {
			return errors.Wrap(err, "increment usage")
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx, couponExistsSQL, rd.Code).Scan(&exists); err != nil {
			return errors.Wrap(err, "check coupon")
		}
		if exists {
			return coupon.ErrUsageLimitReached
		}
		return coupon.ErrNotFound
	})
	if err != nil {
		if errors.Is(err, coupon.ErrUsageLimitReached) || errors.Is(err, coupon.ErrNotFound) {
			return err
		}
		return errors.Wrapf(err, "redeem coupon %q for order %q", rd.Code, rd.OrderID)
	}
	return nil
}

// Upsert inserts c or overwrites the definition of an existing coupon with the
// same code. The usage counter of an existing coupon is left untouched.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	if _, err := r.pool.Exec(ctx, upsertCouponSQL, couponArgs(c)...); err != nil {
		return errors.Wrapf(err, "upsert coupon %q", c.Code)
	}
	return nil
}

// CopyNew bulk-inserts coupons that are known not to exist yet.
func (r *CouponRepository) CopyNew(ctx context.Context, coupons []coupon.Coupon) (int64, error) {
	columns := []string{
		"code", "description", "discount_type", "value", "max_discount",
		"buy_quantity", "free_quantity", "unique_products", "min_order_amount",
		"max_uses", "used_count", "starts_at", "expires_at", "active", "visible",
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"coupons"}, columns,
		pgx.CopyFromSlice(len(coupons), func(i int) ([]any, error) {
			return couponArgs(&coupons[i]), nil
		}),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, coupon.ErrDuplicateCode
		}
		return 0, errors.Wrap(err, "copy coupons")
	}
	return n, nil
}

// EachCode calls fn for every stored coupon code.
func (r *CouponRepository) EachCode(ctx context.Context, fn func(code string)) error {
	rows, err := r.pool.Query(ctx, listCouponCodesSQL)
	if err != nil {
		return errors.Wrap(err, "list coupon codes")
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return errors.Wrap(err, "scan coupon code")
		}
		fn(code)
	}
	return rows.Err()
}

func couponArgs(c *coupon.Coupon) []any {
	t := coupon.TermsOf(c.Policy)
	var maxUses *int32
	if c.MaxUses != nil {
		v := int32(*c.MaxUses)
		maxUses = &v
	}
	return []any{
		c.Code, c.Description, string(t.Type), t.Value, t.MaxDiscount,
		int32(t.BuyQuantity), int32(t.FreeQuantity), t.UniqueProducts, c.MinOrderAmount,
		maxUses, int32(c.UsedCount), c.StartsAt, c.ExpiresAt, c.Active, c.Visible,
	}
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		value        decimal.Decimal
		maxDiscount  decimal.NullDecimal
		buyQty       int32
		freeQty      int32
		unique       bool
		maxUses      *int32
		usedCount    int32
		startsAt     *time.Time
		expiresAt    *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &value, &maxDiscount,
		&buyQty, &freeQty, &unique, &c.MinOrderAmount,
		&maxUses, &usedCount, &startsAt, &expiresAt, &c.Active, &c.Visible,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	c.Policy, err = coupon.NewPolicy(coupon.Terms{
		Type:           coupon.DiscountType(discountType),
		Value:          value,
		MaxDiscount:    maxDiscount,
		BuyQuantity:    int(buyQty),
		FreeQuantity:   int(freeQty),
		UniqueProducts: unique,
	})
	if err != nil {
		return c, errors.Wrapf(err, "decode coupon %q policy", c.Code)
	}
	if maxUses != nil {
		v := int(*maxUses)
		c.MaxUses = &v
	}
	c.UsedCount = int(usedCount)
	c.StartsAt = startsAt
	c.ExpiresAt = expiresAt
	return c, nil
}
