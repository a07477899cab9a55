// Package queue schedules background coupon work on asynq.
package queue

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/coupon"
)

// TypeRedeemCoupon is the task type of a deferred coupon redemption.
const TypeRedeemCoupon = "coupon:redeem"

// QueueRedemptions is the asynq queue redemption tasks are put on.
const QueueRedemptions = "redemptions"

// Config tunes redemption tasks.
type Config struct {
	MaxRetry int
	Timeout  time.Duration
	// Retention keeps completed task IDs so a late duplicate is rejected.
	Retention time.Duration
}

// NewRedeemTask encodes r as a TypeRedeemCoupon task.
func NewRedeemTask(r coupon.Redemption, opts ...asynq.Option) *asynq.Task {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("code")
	e.Str(r.Code)
	e.FieldStart("order_id")
	e.Str(r.OrderID)
	e.FieldStart("discount")
	e.Str(r.Discount.StringFixed(2))
	e.ObjEnd()

	payload := append([]byte(nil), e.Bytes()...)
	return asynq.NewTask(TypeRedeemCoupon, payload, opts...)
}

// ParseRedeemTask decodes the payload of a TypeRedeemCoupon task.
func ParseRedeemTask(t *asynq.Task) (coupon.Redemption, error) {
	var r coupon.Redemption
	if t.Type() != TypeRedeemCoupon {
		return r, errors.Errorf("unexpected task type %q", t.Type())
	}

	d := jx.DecodeBytes(t.Payload())
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "code":
			v, err := d.Str()
			r.Code = v
			return err
		case "order_id":
			v, err := d.Str()
			r.OrderID = v
			return err
		case "discount":
			v, err := d.Str()
			if err != nil {
				return err
			}
			r.Discount, err = decimal.NewFromString(v)
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return r, errors.Wrap(err, "decode redeem payload")
	}
	if r.Code == "" || r.OrderID == "" {
		return r, errors.New("redeem payload requires code and order_id")
	}
	return r, nil
}

// Client enqueues redemption retries.
type Client struct {
	client *asynq.Client
	cfg    Config
}

// NewClient connects to redis with opt.
func NewClient(opt asynq.RedisConnOpt, cfg Config) *Client {
	return &Client{client: asynq.NewClient(opt), cfg: cfg}
}

// EnqueueRedeem schedules r. Each order is enqueued at most once while its
// task is retained.
func (c *Client) EnqueueRedeem(ctx context.Context, r coupon.Redemption) error {
	opts := []asynq.Option{
		asynq.Queue(QueueRedemptions),
		asynq.TaskID("redeem:" + r.OrderID),
	}
	if c.cfg.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(c.cfg.MaxRetry))
	}
	if c.cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(c.cfg.Timeout))
	}
	if c.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(c.cfg.Retention))
	}

	info, err := c.client.EnqueueContext(ctx, NewRedeemTask(r), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			zctx.From(ctx).Debug("Redemption retry already queued", zap.String("order_id", r.OrderID))
			return nil
		}
		return errors.Wrap(err, "enqueue redeem task")
	}

	zctx.From(ctx).Info("Redemption retry queued",
		zap.String("order_id", r.OrderID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// Close releases the redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
