// Command seed-db applies the schema and loads sample products, coupons and
// API keys.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/db"
	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/repository"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	Image    struct {
		Thumbnail string `json:"thumbnail"`
		Mobile    string `json:"mobile"`
		Tablet    string `json:"tablet"`
		Desktop   string `json:"desktop"`
	} `json:"image"`
}

type options struct {
	databaseURL  string
	productsFile string
	apiKey       string
	adminKey     string
	pepper       string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "", "products JSON file (defaults to the embedded catalog)")
	flag.StringVar(&opts.apiKey, "api-key", "", "storefront API key to seed (or SHOP_SEED_API_KEY env)")
	flag.StringVar(&opts.adminKey, "admin-key", "", "admin API key to seed (or SHOP_SEED_ADMIN_KEY env)")
	flag.StringVar(&opts.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SHOP_API_KEY_PEPPER env)")
	flag.Parse()

	opts.databaseURL = orEnv(opts.databaseURL, "SHOP_DATABASE_URL", "DATABASE_URL")
	opts.apiKey = orEnv(opts.apiKey, "SHOP_SEED_API_KEY")
	opts.adminKey = orEnv(opts.adminKey, "SHOP_SEED_ADMIN_KEY")
	opts.pepper = orEnv(opts.pepper, "SHOP_API_KEY_PEPPER")

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if opts.databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		if err := run(ctx, lg, opts); err != nil {
			return errors.Wrap(err, "seed")
		}
		lg.Info("Seed completed")
		return nil
	})
}

func orEnv(v string, keys ...string) string {
	for _, k := range keys {
		if v != "" {
			return v
		}
		v = os.Getenv(k)
	}
	return v
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	lg.Info("Connecting to database")
	pool, err := repository.NewPool(ctx, opts.databaseURL, repository.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return err
	}

	data := db.Products
	if opts.productsFile != "" {
		if data, err = os.ReadFile(opts.productsFile); err != nil {
			return errors.Wrap(err, "read products file")
		}
	}
	products, err := parseProducts(data)
	if err != nil {
		return err
	}
	productRepo := repository.NewProductRepository(pool)
	for _, p := range products {
		if err := productRepo.Upsert(ctx, p); err != nil {
			return err
		}
	}
	lg.Info("Products seeded", zap.Int("count", len(products)))

	coupons, err := sampleCoupons()
	if err != nil {
		return err
	}
	couponRepo := repository.NewCouponRepository(pool)
	for i := range coupons {
		if err := couponRepo.Upsert(ctx, &coupons[i]); err != nil {
			return err
		}
		lg.Info("Coupon seeded",
			zap.String("code", coupons[i].Code),
			zap.String("type", string(coupons[i].Type())),
		)
	}

	keys := apiKeys(opts)
	if len(keys) == 0 {
		lg.Warn("No API keys given, skipping")
	}
	keyRepo := repository.NewAPIKeyRepository(pool)
	for _, k := range keys {
		if err := keyRepo.Save(ctx, k); err != nil {
			return err
		}
		lg.Info("API key seeded", zap.String("id", k.ID), zap.Strings("scopes", k.Scopes))
	}
	return nil
}

func parseProducts(data []byte) ([]product.Product, error) {
	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}
	products := make([]product.Product, 0, len(raw))
	for _, p := range raw {
		if p.ID == "" || !p.Price.IsPositive() {
			return nil, errors.Errorf("invalid product %q", p.ID)
		}
		products = append(products, product.Product{
			ID:       p.ID,
			Name:     p.Name,
			Price:    p.Price,
			Category: p.Category,
			Image: product.Image{
				Thumbnail: p.Image.Thumbnail,
				Mobile:    p.Image.Mobile,
				Tablet:    p.Image.Tablet,
				Desktop:   p.Image.Desktop,
			},
		})
	}
	return products, nil
}

func sampleCoupons() ([]coupon.Coupon, error) {
	flatUses := 1000
	samples := []struct {
		code, description string
		terms             coupon.Terms
		minOrder          int64
		maxUses           *int
		visible           bool
	}{
		{
			code:        "WELCOME10",
			description: "10% off your first order, up to ₹200",
			terms: coupon.Terms{
				Type:        coupon.DiscountPercentage,
				Value:       decimal.NewFromInt(10),
				MaxDiscount: decimal.NewNullDecimal(decimal.NewFromInt(200)),
			},
			minOrder: 500,
			visible:  true,
		},
		{
			code:        "FLAT100",
			description: "₹100 off orders above ₹999",
			terms:       coupon.Terms{Type: coupon.DiscountFixed, Value: decimal.NewFromInt(100)},
			minOrder:    999,
			maxUses:     &flatUses,
			visible:     true,
		},
		{
			code:        "FREEDELIVERY",
			description: "Free delivery on any order",
			terms:       coupon.Terms{Type: coupon.DiscountFreeDelivery},
			visible:     true,
		},
		{
			code:        "BUY3GET1",
			description: "Buy 3 get the cheapest 1 free",
			terms:       coupon.Terms{Type: coupon.DiscountBuyXGetYFree, BuyQuantity: 3, FreeQuantity: 1},
			visible:     true,
		},
		{
			code:        "BUNDLE3",
			description: "Pick 3 different products, get the cheapest free",
			terms: coupon.Terms{
				Type:           coupon.DiscountBuyXGetYFree,
				BuyQuantity:    2,
				FreeQuantity:   1,
				UniqueProducts: true,
			},
		},
	}

	coupons := make([]coupon.Coupon, 0, len(samples))
	for _, s := range samples {
		policy, err := coupon.NewPolicy(s.terms)
		if err != nil {
			return nil, errors.Wrapf(err, "coupon %s", s.code)
		}
		coupons = append(coupons, coupon.Coupon{
			Code:           s.code,
			Description:    s.description,
			Policy:         policy,
			MinOrderAmount: decimal.NewFromInt(s.minOrder),
			MaxUses:        s.maxUses,
			Active:         true,
			Visible:        s.visible,
		})
	}
	return coupons, nil
}

func apiKeys(opts options) []auth.APIKeyInfo {
	pepper := []byte(opts.pepper)
	var keys []auth.APIKeyInfo
	if opts.apiKey != "" {
		keys = append(keys, auth.APIKeyInfo{
			ID:      "storefront",
			KeyHash: auth.HashKey(pepper, opts.apiKey),
			Name:    "Storefront key",
			Scopes:  []string{auth.ScopeOrders},
		})
	}
	if opts.adminKey != "" {
		keys = append(keys, auth.APIKeyInfo{
			ID:      "admin",
			KeyHash: auth.HashKey(pepper, opts.adminKey),
			Name:    "Back office key",
			Scopes:  []string{auth.ScopeAdmin},
		})
	}
	return keys
}
