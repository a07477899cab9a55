package product

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item available for purchase.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	Image    Image
}

// Image holds responsive image locations for a product.
type Image struct {
	Thumbnail string
	Mobile    string
	Tablet    string
	Desktop   string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// Catalog serves products to the storefront with image paths resolved
// against a public base URL.
type Catalog struct {
	repo    Repository
	baseURL string
}

// NewCatalog returns a Catalog. An empty baseURL leaves image paths as stored.
func NewCatalog(repo Repository, baseURL string) *Catalog {
	return &Catalog{repo: repo, baseURL: strings.TrimRight(baseURL, "/")}
}

// List returns the whole catalog.
func (c *Catalog) List(ctx context.Context) ([]Product, error) {
	products, err := c.repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	for i := range products {
		c.resolve(&products[i])
	}
	return products, nil
}

// Get returns one product.
func (c *Catalog) Get(ctx context.Context, id string) (*Product, error) {
	p, err := c.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get product")
	}
	c.resolve(p)
	return p, nil
}

// Resolve rewrites relative image paths of p to absolute URLs.
func (c *Catalog) Resolve(p *Product) {
	c.resolve(p)
}

func (c *Catalog) resolve(p *Product) {
	if c.baseURL == "" {
		return
	}
	for _, s := range []*string{&p.Image.Thumbnail, &p.Image.Mobile, &p.Image.Tablet, &p.Image.Desktop} {
		if *s == "" || strings.Contains(*s, "://") {
			continue
		}
		*s = c.baseURL + "/" + strings.TrimLeft(*s, "/")
	}
}
