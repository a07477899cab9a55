package coupon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

// --- Mock implementations ---

type mockRepo struct {
	mu          sync.Mutex
	byCode      map[string]*Coupon
	findErr     error
	redeemErr   error
	redeemed    map[string]Redemption
	created     *Coupon
	lastFilter  Filter
	deletedCode string
}

func newMockRepo(coupons ...Coupon) *mockRepo {
	m := &mockRepo{
		byCode:   make(map[string]*Coupon, len(coupons)),
		redeemed: make(map[string]Redemption),
	}
	for i := range coupons {
		m.byCode[coupons[i].Code] = &coupons[i]
	}
	return m
}

func (m *mockRepo) FindByCode(_ context.Context, code string) (*Coupon, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	c, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) ListVisible(_ context.Context) ([]Coupon, error) {
	var out []Coupon
	for _, c := range m.byCode {
		if c.Visible {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockRepo) List(_ context.Context, f Filter) ([]Coupon, error) {
	m.lastFilter = f
	var out []Coupon
	for _, c := range m.byCode {
		out = append(out, *c)
	}
	return out, nil
}

func (m *mockRepo) Create(_ context.Context, c *Coupon) error {
	if _, ok := m.byCode[c.Code]; ok {
		return errors.Wrap(ErrDuplicateCode, "insert")
	}
	m.created = c
	m.byCode[c.Code] = c
	return nil
}

func (m *mockRepo) Update(_ context.Context, c *Coupon) error {
	if _, ok := m.byCode[c.Code]; !ok {
		return ErrNotFound
	}
	m.byCode[c.Code] = c
	return nil
}

func (m *mockRepo) Delete(_ context.Context, code string) error {
	if _, ok := m.byCode[code]; !ok {
		return ErrNotFound
	}
	m.deletedCode = code
	delete(m.byCode, code)
	return nil
}

func (m *mockRepo) Redeem(_ context.Context, r Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redeemErr != nil {
		return m.redeemErr
	}
	if _, ok := m.redeemed[r.OrderID]; ok {
		return nil
	}
	c, ok := m.byCode[r.Code]
	if !ok {
		return ErrNotFound
	}
	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return ErrUsageLimitReached
	}
	c.UsedCount++
	m.redeemed[r.OrderID] = r
	return nil
}

// --- Helpers ---

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := NewService(repo, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return svc
}

func welcome10() Coupon {
	return Coupon{
		Code:           "WELCOME10",
		Description:    "10% off up to ₹200",
		Policy:         percentage("10", "200"),
		MinOrderAmount: d("500"),
		Active:         true,
		Visible:        true,
	}
}

func flat100() Coupon {
	return Coupon{
		Code:           "FLAT100",
		Policy:         Fixed{Amount: d("100")},
		MinOrderAmount: d("999"),
		Active:         true,
		Visible:        true,
	}
}

func cartOf(delivery string, items ...Item) Cart {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return Cart{Items: items, Subtotal: subtotal, DeliveryCharge: d(delivery)}
}

// --- Tests ---

func TestQuote(t *testing.T) {
	oneUse := 1
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name       string
		coupons    []Coupon
		code       string
		cart       Cart
		want       string
		wantReason string
		wantErr    error
	}{
		{
			name:    "percentage below cap",
			coupons: []Coupon{welcome10()},
			code:    "WELCOME10",
			cart:    cartOf("0", Item{ProductID: "a", UnitPrice: d("1500"), Quantity: 1}),
			want:    "150",
		},
		{
			name:    "percentage capped",
			coupons: []Coupon{welcome10()},
			code:    "WELCOME10",
			cart:    cartOf("0", Item{ProductID: "a", UnitPrice: d("3000"), Quantity: 1}),
			want:    "200",
		},
		{
			name:    "code is case insensitive",
			coupons: []Coupon{welcome10()},
			code:    "  welcome10 ",
			cart:    cartOf("0", Item{ProductID: "a", UnitPrice: d("1500"), Quantity: 1}),
			want:    "150",
		},
		{
			name:       "below minimum",
			coupons:    []Coupon{flat100()},
			code:       "FLAT100",
			cart:       cartOf("0", Item{ProductID: "a", UnitPrice: d("80"), Quantity: 1}),
			wantReason: "Minimum order amount is ₹999",
		},
		{
			name: "free delivery",
			coupons: []Coupon{{
				Code: "FREEDELIVERY", Policy: FreeDelivery{}, Active: true,
			}},
			code: "FREEDELIVERY",
			cart: cartOf("49", Item{ProductID: "a", UnitPrice: d("300"), Quantity: 1}),
			want: "49",
		},
		{
			name: "buy 3 get 1",
			coupons: []Coupon{{
				Code: "BUY3GET1", Policy: BuyXGetYFree{Buy: 3, Free: 1}, Active: true,
			}},
			code: "BUY3GET1",
			cart: cartOf("0",
				Item{ProductID: "a", UnitPrice: d("200"), Quantity: 1},
				Item{ProductID: "b", UnitPrice: d("150"), Quantity: 1},
				Item{ProductID: "c", UnitPrice: d("300"), Quantity: 1},
				Item{ProductID: "d", UnitPrice: d("100"), Quantity: 1},
			),
			want: "100",
		},
		{
			name: "usage exhausted",
			coupons: []Coupon{{
				Code: "ONCE", Policy: Fixed{Amount: d("10")}, Active: true,
				MaxUses: &oneUse, UsedCount: 1,
			}},
			code:       "ONCE",
			cart:       cartOf("0", Item{ProductID: "a", UnitPrice: d("100"), Quantity: 1}),
			wantReason: "Coupon usage limit reached",
		},
		{
			name: "expired",
			coupons: []Coupon{{
				Code: "OLD", Policy: Fixed{Amount: d("10")}, Active: true, ExpiresAt: &past,
			}},
			code:       "OLD",
			cart:       cartOf("0", Item{ProductID: "a", UnitPrice: d("100"), Quantity: 1}),
			wantReason: "Coupon has expired",
		},
		{
			name:    "unknown code",
			coupons: []Coupon{welcome10()},
			code:    "NOPE",
			cart:    cartOf("0", Item{ProductID: "a", UnitPrice: d("100"), Quantity: 1}),
			wantErr: ErrNotFound,
		},
		{
			name:    "blank code",
			code:    "   ",
			wantErr: ErrNotFound,
		},
		{
			name:       "malformed cart",
			coupons:    []Coupon{welcome10()},
			code:       "WELCOME10",
			cart:       Cart{Items: []Item{{ProductID: "a", UnitPrice: d("100"), Quantity: -1}}},
			wantReason: "Cart contains invalid items",
		},
		{
			name:    "cart line without a price",
			coupons: []Coupon{welcome10()},
			code:    "WELCOME10",
			cart: cartOf("0",
				Item{ProductID: "a", UnitPrice: d("1500"), Quantity: 1},
				Item{ProductID: "b", Quantity: 1},
			),
			wantReason: "Cart contains invalid items",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, newMockRepo(tt.coupons...))

			q, err := svc.Quote(context.Background(), tt.code, tt.cart)

			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.wantReason != "":
				var ie *IneligibleError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, tt.wantReason, ie.Reason)
			default:
				require.NoError(t, err)
				assert.True(t, d(tt.want).Equal(q.Discount), "expected %s, got %s", tt.want, q.Discount)
				assert.Equal(t, NormalizeCode(tt.code), q.Coupon.Code)
			}
		})
	}
}

func TestQuote_RepositoryError(t *testing.T) {
	repo := newMockRepo()
	repo.findErr = errors.New("connection refused")
	svc := newTestService(t, repo)

	_, err := svc.Quote(context.Background(), "WELCOME10", Cart{})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRedeem(t *testing.T) {
	maxUses := 2
	c := Coupon{Code: "LIMITED", Policy: Fixed{Amount: d("10")}, Active: true, MaxUses: &maxUses}
	repo := newMockRepo(c)
	svc := newTestService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Redeem(ctx, Redemption{Code: "limited", OrderID: "o1", Discount: d("10")}))
	// Retrying the same order does not consume another use.
	require.NoError(t, svc.Redeem(ctx, Redemption{Code: "LIMITED", OrderID: "o1", Discount: d("10")}))
	require.NoError(t, svc.Redeem(ctx, Redemption{Code: "LIMITED", OrderID: "o2", Discount: d("10")}))

	err := svc.Redeem(ctx, Redemption{Code: "LIMITED", OrderID: "o3", Discount: d("10")})
	require.ErrorIs(t, err, ErrUsageLimitReached)
	assert.Equal(t, 2, repo.byCode["LIMITED"].UsedCount)

	err = svc.Redeem(ctx, Redemption{Code: "GONE", OrderID: "o4"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedeem_Concurrent(t *testing.T) {
	maxUses := 5
	repo := newMockRepo(Coupon{Code: "RACE", Policy: Fixed{Amount: d("1")}, Active: true, MaxUses: &maxUses})
	svc := newTestService(t, repo)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		limited int
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Redeem(context.Background(), Redemption{
				Code:    "RACE",
				OrderID: "order-" + string(rune('a'+i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrUsageLimitReached):
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 15, limited)
	assert.Equal(t, 5, repo.byCode["RACE"].UsedCount)
}

func TestRedeem_WrapsUnexpectedErrors(t *testing.T) {
	repo := newMockRepo()
	repo.redeemErr = errors.New("deadlock detected")
	svc := newTestService(t, repo)

	err := svc.Redeem(context.Background(), Redemption{Code: "X", OrderID: "o1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redeem coupon X")
}

func TestListVisible(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	repo := newMockRepo(
		welcome10(),
		Coupon{Code: "HIDDEN", Policy: FreeDelivery{}, Active: true, Visible: false},
		Coupon{Code: "PAUSED", Policy: FreeDelivery{}, Active: false, Visible: true},
		Coupon{Code: "EXPIRED", Policy: FreeDelivery{}, Active: true, Visible: true, ExpiresAt: &past},
		Coupon{Code: "SOON", Policy: FreeDelivery{}, Active: true, Visible: true, StartsAt: &future},
	)
	svc := newTestService(t, repo)

	got, err := svc.ListVisible(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "WELCOME10", got[0].Code)
	assert.Equal(t, DiscountPercentage, got[0].Type)
	assert.True(t, d("10").Equal(got[0].Value))
}

func TestCreate(t *testing.T) {
	t.Run("normalizes code", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(t, repo)

		c := &Coupon{Code: " spring25 ", Policy: percentage("25", ""), Active: true}
		require.NoError(t, svc.Create(context.Background(), c))
		require.NotNil(t, repo.created)
		assert.Equal(t, "SPRING25", repo.created.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		svc := newTestService(t, newMockRepo(welcome10()))

		err := svc.Create(context.Background(), &Coupon{Code: "WELCOME10", Policy: FreeDelivery{}})
		require.ErrorIs(t, err, ErrDuplicateCode)
	})

	t.Run("validation", func(t *testing.T) {
		start := testNow
		end := testNow.Add(-time.Hour)
		negative := -1

		tests := []struct {
			name   string
			coupon Coupon
			field  string
		}{
			{"missing code", Coupon{Policy: FreeDelivery{}}, "code"},
			{"missing policy", Coupon{Code: "X"}, "discountType"},
			{"negative minimum", Coupon{Code: "X", Policy: FreeDelivery{}, MinOrderAmount: d("-1")}, "minOrderAmount"},
			{"negative max uses", Coupon{Code: "X", Policy: FreeDelivery{}, MaxUses: &negative}, "maxUses"},
			{"window inverted", Coupon{Code: "X", Policy: FreeDelivery{}, StartsAt: &start, ExpiresAt: &end}, "expiryDate"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc := newTestService(t, newMockRepo())

				err := svc.Create(context.Background(), &tt.coupon)

				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			})
		}
	})
}

func TestUpdate(t *testing.T) {
	repo := newMockRepo(welcome10())
	svc := newTestService(t, repo)
	ctx := context.Background()

	c := welcome10()
	c.UsedCount = 0
	c.Active = false
	require.NoError(t, svc.Update(ctx, &c))
	assert.False(t, repo.byCode["WELCOME10"].Active)

	c.UsedCount = -1
	var verr *ValidationError
	require.ErrorAs(t, svc.Update(ctx, &c), &verr)
	assert.Equal(t, "usedCount", verr.Field)

	missing := flat100()
	require.ErrorIs(t, svc.Update(ctx, &missing), ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo := newMockRepo(welcome10())
	svc := newTestService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, "welcome10"))
	assert.Equal(t, "WELCOME10", repo.deletedCode)
	require.ErrorIs(t, svc.Delete(ctx, "WELCOME10"), ErrNotFound)
}

func TestList_NormalizesFilter(t *testing.T) {
	repo := newMockRepo(welcome10(), flat100())
	svc := newTestService(t, repo)

	got, err := svc.List(context.Background(), Filter{Code: " welcome", Limit: 10})

	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "WELCOME", repo.lastFilter.Code)
	assert.Equal(t, 10, repo.lastFilter.Limit)
}
