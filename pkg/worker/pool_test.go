package worker

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatchRunsTasks(t *testing.T) {
	p := NewPool(2, 8)
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		p.Dispatch("count", func() error {
			ran.Add(1)
			return nil
		})
	}
	assert.Eventually(t, func() bool { return ran.Load() == 5 }, time.Second, time.Millisecond)
}

func TestTaskErrorsDoNotStopWorkers(t *testing.T) {
	p := NewPool(1, 8)
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	p.Dispatch("fails", func() error { return errors.New("boom") })
	p.Dispatch("after", func() error {
		ran.Add(1)
		return nil
	})
	assert.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	p := NewPool(1, 1)
	p.Start()

	release := make(chan struct{})
	p.Dispatch("blocker", func() error { <-release; return nil })
	time.Sleep(10 * time.Millisecond) // let the worker take the blocker
	p.Dispatch("queued", func() error { return nil })

	done := make(chan struct{})
	go func() {
		p.Dispatch("dropped", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
	close(release)
	p.Stop()
}

func TestDispatchAfterStopDropsTask(t *testing.T) {
	p := NewPool(1, 4)
	p.Start()
	p.Stop()

	var ran atomic.Int32
	p.Dispatch("late", func() error {
		ran.Add(1)
		return nil
	})
	assert.Zero(t, ran.Load(), "a stopped pool drops instead of panicking")
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	p := NewPool(1, 16)
	p.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		p.Dispatch("drain", func() error {
			ran.Add(1)
			return nil
		})
	}
	p.Stop()
	assert.Equal(t, int32(10), ran.Load(), "Stop waits for queued work")

	p.Stop() // no-op on a stopped pool
}

func TestStartTwiceIsNoOp(t *testing.T) {
	p := NewPool(2, 8)
	p.Start()
	p.Start()
	p.Stop()
}
