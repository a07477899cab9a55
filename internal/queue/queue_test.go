package queue

import (
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopfront/internal/domain/coupon"
)

func TestRedeemTask(t *testing.T) {
	in := coupon.Redemption{
		Code:     "WELCOME10",
		OrderID:  "3f2c8f8e-4a7b-4d2c-9b1e-2f6f1c0d9a11",
		Discount: decimal.RequireFromString("149.5"),
	}

	task := NewRedeemTask(in)
	assert.Equal(t, TypeRedeemCoupon, task.Type())
	assert.JSONEq(t, `{"code":"WELCOME10","order_id":"3f2c8f8e-4a7b-4d2c-9b1e-2f6f1c0d9a11","discount":"149.50"}`, string(task.Payload()))

	out, err := ParseRedeemTask(task)
	require.NoError(t, err)
	assert.Equal(t, in.Code, out.Code)
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.True(t, in.Discount.Equal(out.Discount))
}

func TestParseRedeemTask_Invalid(t *testing.T) {
	tests := []struct {
		name string
		task *asynq.Task
	}{
		{"wrong type", asynq.NewTask("coupon:other", []byte(`{}`))},
		{"malformed json", asynq.NewTask(TypeRedeemCoupon, []byte(`{"code":`))},
		{"missing order", asynq.NewTask(TypeRedeemCoupon, []byte(`{"code":"X"}`))},
		{"bad discount", asynq.NewTask(TypeRedeemCoupon, []byte(`{"code":"X","order_id":"o","discount":"ten"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRedeemTask(tt.task)
			require.Error(t, err)
		})
	}
}

func TestParseRedeemTask_IgnoresUnknownFields(t *testing.T) {
	task := asynq.NewTask(TypeRedeemCoupon, []byte(`{"code":"X","order_id":"o1","attempt":3}`))

	r, err := ParseRedeemTask(task)
	require.NoError(t, err)
	assert.Equal(t, "o1", r.OrderID)
	assert.True(t, r.Discount.IsZero())
}
