package wsserver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendQueueStallClosesOnceOnOverflow(t *testing.T) {
	var closes int32
	var writes int32

	q := NewSendQueue(1, 1<<20, 80*time.Millisecond,
		func(payload []byte) {
			atomic.AddInt32(&writes, 1)
			// startWrite deliberately never calls OnWriteComplete,
			// simulating a stalled client connection.
		},
		func() { atomic.AddInt32(&closes, 1) },
	)
	defer q.Shutdown()

	q.Enqueue([]byte("aa"))
	q.Enqueue([]byte("bb"))
	q.Enqueue([]byte("cc"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&closes) == 1
	}, 500*time.Millisecond, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&closes), "closeForBackpressure must fire exactly once")

	q.Enqueue([]byte("dropped"))
	require.Equal(t, 0, q.Len(), "enqueues after close are dropped")
}

func TestSendQueueBelowThresholdNeverCloses(t *testing.T) {
	var mu sync.Mutex
	var pending [][]byte
	var closes int32

	q := NewSendQueue(5, 1<<20, 60*time.Millisecond,
		func(payload []byte) {
			mu.Lock()
			pending = append(pending, payload)
			mu.Unlock()
		},
		func() { atomic.AddInt32(&closes, 1) },
	)
	defer q.Shutdown()

	for i := 0; i < 3; i++ {
		q.Enqueue([]byte("x"))
	}
	require.Never(t, func() bool {
		return atomic.LoadInt32(&closes) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSendQueueSerializesOneWriteAtATime(t *testing.T) {
	var inFlight int32
	var maxInFlight int32

	var q *SendQueue
	q = NewSendQueue(500, 1<<20, time.Second,
		func(payload []byte) {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxInFlight) {
				atomic.StoreInt32(&maxInFlight, n)
			}
			go func() {
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				q.OnWriteComplete(len(payload))
			}()
		},
		func() {},
	)
	defer q.Shutdown()

	for i := 0; i < 10; i++ {
		q.Enqueue([]byte("msg"))
	}

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(1))
}
