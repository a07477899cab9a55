package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/shopfront/internal/domain/coupon"
)

// --- Mock implementations ---

type mockStore struct {
	existing []string
	copyErr  error

	copied   []string
	upserted []string
}

func (m *mockStore) EachCode(_ context.Context, fn func(code string)) error {
	for _, c := range m.existing {
		fn(c)
	}
	return nil
}

func (m *mockStore) CopyNew(_ context.Context, coupons []coupon.Coupon) (int64, error) {
	if m.copyErr != nil {
		return 0, m.copyErr
	}
	for _, c := range coupons {
		m.copied = append(m.copied, c.Code)
	}
	return int64(len(coupons)), nil
}

func (m *mockStore) Upsert(_ context.Context, c *coupon.Coupon) error {
	m.upserted = append(m.upserted, c.Code)
	return nil
}

// --- Helpers ---

func writeFile(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := []byte(strings.Join(lines, "\n") + "\n")
	if !strings.HasSuffix(name, ".gz") {
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// --- Tests ---

func TestParseRecord(t *testing.T) {
	c, err := parseRecord([]byte(`{"code":" spring20 ","discountType":"percentage","value":"20","maxDiscount":300,` +
		`"minOrderAmount":1000,"maxUses":50,"expiryDate":"2026-06-01T00:00:00Z","visible":true,"extra":[1,2]}`))
	require.NoError(t, err)

	assert.Equal(t, "SPRING20", c.Code)
	assert.True(t, c.Active)
	assert.True(t, c.Visible)
	require.NotNil(t, c.MaxUses)
	assert.Equal(t, 50, *c.MaxUses)
	require.NotNil(t, c.ExpiresAt)
	p, ok := c.Policy.(coupon.Percentage)
	require.True(t, ok)
	assert.Equal(t, "20", p.Rate.String())
	assert.Equal(t, "300", p.MaxDiscount.Decimal.String())
}

func TestParseRecord_Invalid(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"discountType":"fixed","value":10}`,
		`{"code":"X","discountType":"fixed","value":0}`,
		`{"code":"X","discountType":"mystery"}`,
		`{"code":"X","discountType":"free_delivery","minOrderAmount":-5}`,
		`{"code":"X","discountType":"free_delivery","expiryDate":"tomorrow"}`,
	} {
		_, err := parseRecord([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestReadFile(t *testing.T) {
	lg := zaptest.NewLogger(t)
	lines := []string{
		`{"code":"A1","discountType":"free_delivery"}`,
		``,
		`{"code":"broken"`,
		`{"code":"B2","discountType":"buy_x_get_y_free","buyQuantity":2,"freeQuantity":1}`,
	}

	for _, name := range []string{"coupons.jsonl", "coupons.jsonl.gz"} {
		t.Run(name, func(t *testing.T) {
			coupons, skipped, err := readFile(context.Background(), lg, writeFile(t, name, lines...))
			require.NoError(t, err)
			assert.Equal(t, 1, skipped)
			require.Len(t, coupons, 2)
			assert.Equal(t, "A1", coupons[0].Code)
			assert.Equal(t, coupon.DiscountBuyXGetYFree, coupons[1].Type())
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, _, err := readFile(context.Background(), zaptest.NewLogger(t), filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
}

func TestDedupe_LaterWins(t *testing.T) {
	out := dedupe([][]coupon.Coupon{
		{{Code: "A", Description: "first"}, {Code: "B"}},
		{{Code: "A", Description: "second"}},
	})

	require.Len(t, out, 2)
	assert.Equal(t, "second", out[0].Description)
}

func TestSplit(t *testing.T) {
	filter := bloom.NewWithEstimates(100, bloomFPR)
	filter.AddString("OLD")

	fresh, maybe := split(filter, []coupon.Coupon{{Code: "OLD"}, {Code: "NEW"}})

	require.Len(t, maybe, 1)
	assert.Equal(t, "OLD", maybe[0].Code)
	require.Len(t, fresh, 1)
	assert.Equal(t, "NEW", fresh[0].Code)
}

func TestImportFiles(t *testing.T) {
	lg := zaptest.NewLogger(t)
	first := writeFile(t, "a.jsonl",
		`{"code":"OLD1","discountType":"fixed","value":50}`,
		`{"code":"NEW1","discountType":"fixed","value":50}`,
	)
	second := writeFile(t, "b.jsonl.gz",
		`{"code":"NEW2","discountType":"free_delivery"}`,
		`{"code":"new1","discountType":"fixed","value":75}`,
	)
	s := &mockStore{existing: []string{"OLD1"}}

	require.NoError(t, importFiles(context.Background(), lg, s, []string{first, second}, 1000))

	assert.Equal(t, []string{"NEW1", "NEW2"}, sorted(s.copied))
	assert.Equal(t, []string{"OLD1"}, s.upserted)
}

func TestImportFiles_CopyConflictFallsBackToUpsert(t *testing.T) {
	path := writeFile(t, "a.jsonl", `{"code":"RACE","discountType":"free_delivery"}`)
	s := &mockStore{copyErr: coupon.ErrDuplicateCode}

	require.NoError(t, importFiles(context.Background(), zaptest.NewLogger(t), s, []string{path}, 10))

	assert.Empty(t, s.copied)
	assert.Equal(t, []string{"RACE"}, s.upserted)
}

func TestImportFiles_ParseFailureAborts(t *testing.T) {
	s := &mockStore{}
	err := importFiles(context.Background(), zaptest.NewLogger(t), s,
		[]string{filepath.Join(t.TempDir(), "missing.jsonl")}, 10)

	require.Error(t, err)
	assert.Empty(t, s.copied)
}
