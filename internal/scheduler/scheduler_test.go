package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type blockingReconciler struct {
	started chan struct{}
	release chan struct{}
	runs    int32
}

func (r *blockingReconciler) Run(ctx context.Context) error {
	atomic.AddInt32(&r.runs, 1)
	r.started <- struct{}{}
	<-r.release
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestStopWaitsForStartupCycle(t *testing.T) {
	fake := &blockingReconciler{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	s := NewScheduler(fake, 60, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}

	select {
	case <-fake.started:
	case <-time.After(time.Second):
		t.Fatal("Startup cycle did not begin")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(fake.release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	if runs := atomic.LoadInt32(&fake.runs); runs != 1 {
		t.Errorf("Expected exactly 1 cycle, got %d", runs)
	}
}
