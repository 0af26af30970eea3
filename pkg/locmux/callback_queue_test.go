package locmux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCallbackQueue_RunsInOrder(t *testing.T) {
	q := newCallbackQueue(zaptest.NewLogger(t).Sugar())
	q.start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		q.enqueue(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
	}

	done := make(chan struct{})
	q.enqueue(func() { close(done) })
	<-done

	q.stop()

	assert.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestCallbackQueue_SurvivesPanic(t *testing.T) {
	q := newCallbackQueue(zaptest.NewLogger(t).Sugar())
	q.start()

	ran := make(chan struct{})
	q.enqueue(func() { panic("handler bug") })
	q.enqueue(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queue stopped after a panicking callback")
	}

	q.stop()
}

func TestCallbackQueue_DropsAfterStop(t *testing.T) {
	q := newCallbackQueue(zaptest.NewLogger(t).Sugar())
	q.start()
	q.stop()

	called := false
	q.enqueue(func() { called = true })
	q.stop()

	assert.False(t, called)
}

func TestCallbackQueue_CallbackMayEnqueue(t *testing.T) {
	q := newCallbackQueue(zaptest.NewLogger(t).Sugar())
	q.start()
	defer q.stop()

	done := make(chan struct{})
	q.enqueue(func() {
		q.enqueue(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested callback never ran")
	}
}

func TestCallbackQueue_StopFromCallback(t *testing.T) {
	q := newCallbackQueue(zaptest.NewLogger(t).Sugar())
	q.start()

	returned := make(chan struct{})
	after := make(chan struct{})
	q.enqueue(func() {
		q.stop()
		close(returned)
	})
	q.enqueue(func() { close(after) })

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("stop deadlocked when called from a callback")
	}

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("callbacks queued before stop didn't run")
	}

	q.wg.Wait()
}
