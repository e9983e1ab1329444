package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"trbot/internal/transport"
	"trbot/pkg/logx"
)

type editCall struct {
	ref  transport.MessageRef
	edit transport.Edit
	at   time.Time
}

// fakeClient records edits and replays scripted errors in call order.
type fakeClient struct {
	mu    sync.Mutex
	calls []editCall
	errs  []error
}

func (f *fakeClient) EditMessage(_ context.Context, ref transport.MessageRef, edit transport.Edit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, editCall{ref: ref, edit: edit, at: time.Now()})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) SendReply(context.Context, int64, int, string, bool) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}
func (f *fakeClient) DeleteMessage(context.Context, transport.MessageRef) error { return nil }
func (f *fakeClient) DownloadMedia(_ context.Context, _ string, destPath string, _ transport.ProgressFunc) (string, error) {
	return destPath, nil
}
func (f *fakeClient) MediaExists(context.Context, string) (bool, error) { return true, nil }
func (f *fakeClient) ChatLabel(chatID int64) string                    { return "" }

func (f *fakeClient) snapshot() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editCall(nil), f.calls...)
}

func (f *fakeClient) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func startScheduler(t *testing.T, fc *fakeClient, interval time.Duration) *Scheduler {
	t.Helper()
	s := New(Config{Interval: interval}, fc, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return s
}

func waitEdits(t *testing.T, fc *fakeClient, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fc.editCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d edits, got %d", n, fc.editCount())
}

func TestRequestCoalesces(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := startScheduler(t, fc, 80*time.Millisecond)
	key := Key{ChatID: 1, MessageID: 10}

	s.Request(key, "warm", Meta{})
	waitEdits(t, fc, 1)

	// All three land inside one pacing window; only the last survives.
	s.Request(key, "x1", Meta{})
	s.Request(key, "x2", Meta{})
	s.Request(key, "x3", Meta{})
	waitEdits(t, fc, 2)
	time.Sleep(200 * time.Millisecond)

	calls := fc.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d edits, want 2", len(calls))
	}
	if calls[1].edit.Text != "x3" {
		t.Errorf("dispatched %q, want %q", calls[1].edit.Text, "x3")
	}
}

func TestPacingInterval(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := startScheduler(t, fc, 100*time.Millisecond)
	key := Key{ChatID: 1, MessageID: 10}

	s.Request(key, "first", Meta{})
	waitEdits(t, fc, 1)
	s.Request(key, "second", Meta{})
	waitEdits(t, fc, 2)

	calls := fc.snapshot()
	if gap := calls[1].at.Sub(calls[0].at); gap < 90*time.Millisecond {
		t.Errorf("edits %v apart, want at least the pacing interval", gap)
	}
}

func TestCancelDropsPendingDuringPacing(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := startScheduler(t, fc, 100*time.Millisecond)
	key := Key{ChatID: 2, MessageID: 20}

	s.Request(key, "warm", Meta{})
	waitEdits(t, fc, 1)

	// The dispatch loop is now inside the pacing sleep for this entry.
	s.Request(key, "stale", Meta{})
	s.CancelAndClear(key)

	time.Sleep(350 * time.Millisecond)
	if got := fc.editCount(); got != 1 {
		t.Fatalf("got %d edits after cancel, want 1", got)
	}
}

func TestCancelConsumedOnce(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := startScheduler(t, fc, 40*time.Millisecond)
	key := Key{ChatID: 3, MessageID: 30}

	s.Request(key, "warm", Meta{})
	waitEdits(t, fc, 1)
	s.CancelAndClear(key)

	// First request after the cancel is eaten by the cancellation mark.
	s.Request(key, "eaten", Meta{})
	time.Sleep(250 * time.Millisecond)
	if got := fc.editCount(); got != 1 {
		t.Fatalf("got %d edits, want cancelled update skipped", got)
	}

	s.Request(key, "after", Meta{})
	waitEdits(t, fc, 2)
	calls := fc.snapshot()
	if calls[1].edit.Text != "after" {
		t.Errorf("dispatched %q, want %q", calls[1].edit.Text, "after")
	}
}

func TestAuthoritativeNotModifiedIsSuccess(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{errs: []error{transport.ErrNotModified}}
	s := startScheduler(t, fc, 50*time.Millisecond)

	err := s.DispatchAuthoritative(context.Background(), Key{ChatID: 4, MessageID: 40}, transport.Edit{Text: "final"})
	if err != nil {
		t.Fatalf("DispatchAuthoritative: %v", err)
	}
}

func TestAuthoritativeFloodRetriesOnce(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{errs: []error{&transport.FloodError{RetryAfter: 10 * time.Millisecond}}}
	s := startScheduler(t, fc, 50*time.Millisecond)

	start := time.Now()
	err := s.DispatchAuthoritative(context.Background(), Key{ChatID: 5, MessageID: 50}, transport.Edit{Text: "final"})
	if err != nil {
		t.Fatalf("DispatchAuthoritative: %v", err)
	}
	if got := fc.editCount(); got != 2 {
		t.Fatalf("got %d edit attempts, want 2", got)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retried after %v, want at least RetryAfter+1s", elapsed)
	}
}

func TestAuthoritativeClipsText(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := startScheduler(t, fc, 50*time.Millisecond)

	long := strings.Repeat("я", transport.MaxMessageLen+500)
	err := s.DispatchAuthoritative(context.Background(), Key{ChatID: 6, MessageID: 60}, transport.Edit{Text: long})
	if err != nil {
		t.Fatalf("DispatchAuthoritative: %v", err)
	}
	calls := fc.snapshot()
	if n := len([]rune(calls[0].edit.Text)); n != transport.MaxMessageLen {
		t.Errorf("clipped to %d runes, want %d", n, transport.MaxMessageLen)
	}
}

func TestShutdownStopsDispatch(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := New(Config{Interval: 20 * time.Millisecond}, fc, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	key := Key{ChatID: 7, MessageID: 70}
	s.Request(key, "one", Meta{})
	waitEdits(t, fc, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	s.Request(key, "late", Meta{})
	time.Sleep(100 * time.Millisecond)
	if got := fc.editCount(); got != 1 {
		t.Fatalf("got %d edits after shutdown, want 1", got)
	}
}
