package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitReturnsAfterGoroutinesExit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	done := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		close(done)
		return nil
	})
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPanicIsRecoveredAndSurfaced(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("boomer", func(ctx context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "panic in boomer: boom" {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestCancelOnErrorCancelsContext(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(ctx context.Context) error { return errors.New("nope") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after first error")
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	runs := make(chan struct{}, 4)
	s.GoRestart("once", func(ctx context.Context) error {
		runs <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}
}

func TestGoRestartRetriesOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	attempts := 0
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop never reached the third attempt")
	}
}

func TestStopCancelsRunningGoroutines(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("sleeper", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d, want 0", s.Active())
	}
}
