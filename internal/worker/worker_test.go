package worker

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/queue"
)

type mockRedeemer struct {
	err   error
	calls []coupon.Redemption
}

func (m *mockRedeemer) Redeem(_ context.Context, r coupon.Redemption) error {
	m.calls = append(m.calls, r)
	return m.err
}

func redeemTask() *asynq.Task {
	return queue.NewRedeemTask(coupon.Redemption{
		Code:     "FLAT100",
		OrderID:  "order-1",
		Discount: decimal.NewFromInt(100),
	})
}

func TestHandleRedeem(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   bool
		wantRetry bool
	}{
		{name: "redeemed"},
		{name: "limit reached", err: coupon.ErrUsageLimitReached, wantErr: true},
		{name: "coupon deleted", err: coupon.ErrNotFound, wantErr: true},
		{name: "transient", err: errors.New("connection reset"), wantErr: true, wantRetry: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockRedeemer{err: tt.err}
			c := NewConsumer(m, zaptest.NewLogger(t))

			err := c.HandleRedeem(context.Background(), redeemTask())

			require.Len(t, m.calls, 1)
			assert.Equal(t, "order-1", m.calls[0].OrderID)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, !tt.wantRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleRedeem_MalformedTask(t *testing.T) {
	m := &mockRedeemer{}
	c := NewConsumer(m, zaptest.NewLogger(t))

	err := c.HandleRedeem(context.Background(), asynq.NewTask(queue.TypeRedeemCoupon, []byte(`not json`)))

	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, m.calls)
}

func TestRegister(t *testing.T) {
	m := &mockRedeemer{}
	mux := asynq.NewServeMux()
	NewConsumer(m, zaptest.NewLogger(t)).Register(mux)

	require.NoError(t, mux.ProcessTask(context.Background(), redeemTask()))
	assert.Len(t, m.calls, 1)
}
