package smtp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/bounce"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/pool"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return Receipt{}, errors.New("missing deadline")
	}
	if f.err != nil {
		return Receipt{}, f.err
	}
	f.sent = append(f.sent, msg)
	return Receipt{MessageID: "<test@local>", SentAt: time.Now()}, nil
}

func TestDispatcher(t *testing.T) {
	t.Run("请求取消后仍完成投递", func(t *testing.T) {
		sender := &fakeSender{}
		wp := pool.NewWorkerPool(1, 4, nil)
		metrics := monitoring.NewMetrics()
		d := NewDispatcher(sender, wp, time.Second, nil, metrics, nil)

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, d.Dispatch(ctx, KindRelay, Message{To: "owner@example.com"}))
		cancel()

		wp.Start(context.Background())
		wp.Stop()
		require.Len(t, sender.sent, 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues(KindRelay, "delivered")))
	})

	t.Run("永久失败写入退信列表", func(t *testing.T) {
		sender := &fakeSender{err: &gosmtp.SMTPError{Code: 550, Message: "no such user"}}
		bounces := bounce.NewMemory()
		wp := pool.NewWorkerPool(1, 4, nil)
		wp.Start(context.Background())
		d := NewDispatcher(sender, wp, time.Second, bounces, nil, nil)

		require.NoError(t, d.Dispatch(context.Background(), KindConfirmation, Message{To: "Gone@Example.com"}))
		wp.Stop()

		blocked, reason, err := bounces.IsBlocked(context.Background(), "gone@example.com")
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Contains(t, reason, "no such user")
	})

	t.Run("临时失败不写入退信列表", func(t *testing.T) {
		sender := &fakeSender{err: &gosmtp.SMTPError{Code: 421}}
		bounces := bounce.NewMemory()
		wp := pool.NewWorkerPool(1, 4, nil)
		wp.Start(context.Background())
		d := NewDispatcher(sender, wp, time.Second, bounces, nil, nil)

		require.NoError(t, d.Dispatch(context.Background(), KindRelay, Message{To: "owner@example.com"}))
		wp.Stop()

		blocked, _, _ := bounces.IsBlocked(context.Background(), "owner@example.com")
		assert.False(t, blocked)
	})

	t.Run("队列满", func(t *testing.T) {
		wp := pool.NewWorkerPool(1, 1, nil)
		d := NewDispatcher(&fakeSender{}, wp, time.Second, nil, nil, nil)

		require.NoError(t, d.Dispatch(context.Background(), KindRelay, Message{To: "a@example.com"}))
		assert.ErrorIs(t, d.Dispatch(context.Background(), KindRelay, Message{To: "b@example.com"}), ErrQueueFull)
	})
}
