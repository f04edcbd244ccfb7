package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/queue"
)

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client := newRedis(t)

	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              queue.KindAdoptIntent,
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("store down")
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: queue.KindAdoptIntent, Payload: []byte("draft"), IdempotencyKey: "pi_dead"}))

	var dead []queue.DeadLetter
	require.Eventually(t, func() bool {
		var err error
		dead, err = queue.DeadLetters(context.Background(), client, "dlq", queue.KindAdoptIntent, 10)
		return err == nil && len(dead) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, "pi_dead", dead[0].IdempotencyKey)
	require.Equal(t, 2, dead[0].Attempts)
	require.Equal(t, "store down", dead[0].LastError)
	require.Equal(t, []byte("draft"), dead[0].Payload)

	cancel()
	<-done

	moved, err := queue.RequeueDeadLetters(context.Background(), enq, queue.KindAdoptIntent)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	depth, err := client.ZCard(context.Background(), "dlq:queue:checkout:adopt").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}
