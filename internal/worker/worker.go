// Package worker consumes background coupon tasks.
package worker

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/queue"
)

// Redeemer records coupon redemptions.
type Redeemer interface {
	Redeem(ctx context.Context, r coupon.Redemption) error
}

// Consumer handles redemption retry tasks.
type Consumer struct {
	coupons Redeemer
	lg      *zap.Logger
}

// NewConsumer returns a Consumer that redeems through coupons.
func NewConsumer(coupons Redeemer, lg *zap.Logger) *Consumer {
	return &Consumer{coupons: coupons, lg: lg}
}

// Register binds the consumer's handlers to mux.
func (c *Consumer) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeRedeemCoupon, c.HandleRedeem)
}

// HandleRedeem retries a redemption. Malformed tasks and coupons that are
// exhausted or gone are not retried; any other failure is.
func (c *Consumer) HandleRedeem(ctx context.Context, t *asynq.Task) error {
	r, err := queue.ParseRedeemTask(t)
	if err != nil {
		c.lg.Error("Drop malformed redeem task", zap.Error(err))
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}

	lg := c.lg.With(
		zap.String("order_id", r.OrderID),
		zap.String("coupon", r.Code),
	)
	if id, ok := asynq.GetTaskID(ctx); ok {
		lg = lg.With(zap.String("task_id", id))
	}
	ctx = zctx.Base(ctx, lg)

	err = c.coupons.Redeem(ctx, r)
	switch {
	case err == nil:
		lg.Info("Coupon redeemed on retry")
		return nil
	case errors.Is(err, coupon.ErrUsageLimitReached), errors.Is(err, coupon.ErrNotFound):
		lg.Warn("Coupon redemption rejected", zap.Error(err))
		return errors.Wrap(asynq.SkipRetry, err.Error())
	default:
		retried, _ := asynq.GetRetryCount(ctx)
		lg.Warn("Coupon redemption retry failed", zap.Error(err), zap.Int("retried", retried))
		return err
	}
}

// Config configures the asynq server.
type Config struct {
	Concurrency int
}

// NewServer returns an asynq server consuming the redemptions queue.
func NewServer(opt asynq.RedisConnOpt, cfg Config, lg *zap.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{queue.QueueRedemptions: 1},
		Logger:      lg.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			lg.Debug("Task failed", zap.String("type", t.Type()), zap.Error(err))
		}),
	})
}
