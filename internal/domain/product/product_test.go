package product

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	products []Product
	err      error
}

func (m *mockRepo) List(_ context.Context) ([]Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	return append([]Product(nil), m.products...), nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, p := range m.products {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetByIDs(_ context.Context, _ []string) ([]Product, error) {
	return nil, nil
}

func waffle() Product {
	return Product{
		ID:       "1",
		Name:     "Waffle with Berries",
		Price:    decimal.RequireFromString("6.5"),
		Category: "Waffle",
		Image: Image{
			Thumbnail: "/images/waffle-thumbnail.jpg",
			Mobile:    "images/waffle-mobile.jpg",
			Tablet:    "https://cdn.example.com/waffle-tablet.jpg",
		},
	}
}

func TestCatalog_ResolvesImages(t *testing.T) {
	c := NewCatalog(&mockRepo{products: []Product{waffle()}}, "https://shop.example.com/")

	got, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	img := got[0].Image
	assert.Equal(t, "https://shop.example.com/images/waffle-thumbnail.jpg", img.Thumbnail)
	assert.Equal(t, "https://shop.example.com/images/waffle-mobile.jpg", img.Mobile)
	assert.Equal(t, "https://cdn.example.com/waffle-tablet.jpg", img.Tablet)
	assert.Empty(t, img.Desktop)
}

func TestCatalog_NoBaseURL(t *testing.T) {
	c := NewCatalog(&mockRepo{products: []Product{waffle()}}, "")

	p, err := c.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "/images/waffle-thumbnail.jpg", p.Image.Thumbnail)
}

func TestCatalog_Get(t *testing.T) {
	c := NewCatalog(&mockRepo{products: []Product{waffle()}}, "")

	_, err := c.Get(context.Background(), "404")
	require.ErrorIs(t, err, ErrNotFound)

	c = NewCatalog(&mockRepo{err: errors.New("boom")}, "")
	_, err = c.Get(context.Background(), "1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get product")
}
