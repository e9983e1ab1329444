package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"trbot/internal/asr"
	"trbot/internal/media"
	"trbot/internal/scheduler"
	"trbot/internal/storage"
	"trbot/internal/transport"
	"trbot/pkg/logx"
)

type dispatchCall struct {
	key  scheduler.Key
	edit transport.Edit
}

type fakeUpdater struct {
	mu        sync.Mutex
	requests  []string
	dispatch  []dispatchCall
	dispErrs  []error
}

func (f *fakeUpdater) Request(key scheduler.Key, text string, meta scheduler.Meta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, text)
}

func (f *fakeUpdater) DispatchAuthoritative(_ context.Context, key scheduler.Key, edit transport.Edit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, dispatchCall{key: key, edit: edit})
	if len(f.dispErrs) > 0 {
		err := f.dispErrs[0]
		f.dispErrs = f.dispErrs[1:]
		return err
	}
	return nil
}

type fakeDownloader struct {
	transport.Client
	fail bool
}

func (f *fakeDownloader) DownloadMedia(_ context.Context, fileID, destPath string, onProgress transport.ProgressFunc) (string, error) {
	if f.fail {
		return "", errors.New("file reference expired")
	}
	if onProgress != nil {
		onProgress(50, 100)
		onProgress(100, 100)
	}
	if err := os.WriteFile(destPath, []byte("media"), 0o600); err != nil {
		return "", err
	}
	return destPath, nil
}

type fakeTranscoder struct {
	failConvert bool
	duration    float64
}

func (f *fakeTranscoder) DurationSeconds(context.Context, string) (float64, error) {
	if f.duration <= 0 {
		return 0, errors.New("no duration")
	}
	return f.duration, nil
}

func (f *fakeTranscoder) ConvertToWAV(_ context.Context, _, outputPath string, onProgress media.ConvertProgress) error {
	if f.failConvert {
		return errors.New("ffmpeg exploded")
	}
	if onProgress != nil {
		onProgress(50, true, "")
		onProgress(100, true, "")
	}
	return os.WriteFile(outputPath, []byte("wav"), 0o600)
}

type fakeEngine struct {
	text     string
	language string
	segments []asr.Segment
}

func (f *fakeEngine) Transcribe(_ context.Context, _ string, _ asr.Options, onSegment func(asr.Segment)) (asr.Result, error) {
	for _, seg := range f.segments {
		if onSegment != nil {
			onSegment(seg)
		}
	}
	return asr.Result{Text: f.text, Language: f.language}, nil
}

type fakeEngines struct{ engine asr.Engine }

func (f *fakeEngines) Get(string) (asr.Engine, error) { return f.engine, nil }

func newTestRunner(t *testing.T, up *fakeUpdater, dl *fakeDownloader, tc *fakeTranscoder, eng asr.Engine) *Runner {
	t.Helper()
	r := NewRunner(
		Config{TempDir: t.TempDir()},
		dl,
		up,
		tc,
		&fakeEngines{engine: eng},
		nil,
		NewRegistry(),
		logx.Nop(),
	)
	r.diskFree = func(string) (uint64, error) { return 1 << 40, nil }
	return r
}

func baseJob() Job {
	return Job{
		ChatID:    100,
		MessageID: 7,
		Media:     transport.MediaInfo{Kind: transport.MediaVoice, FileID: "f1", Size: 100},
		Model:     "large",
		LangForce: "ru",
		TZ:        "UTC",
		ChatLabel: "Test Chat",
	}
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{}
	r := newTestRunner(t, up, &fakeDownloader{}, &fakeTranscoder{duration: 10},
		&fakeEngine{text: "hello world", language: "ru", segments: []asr.Segment{{Text: "hello world", End: 10}}})

	if err := r.Run(context.Background(), baseJob()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(up.dispatch) != 2 {
		t.Fatalf("got %d authoritative edits, want initial + final", len(up.dispatch))
	}
	if !strings.Contains(up.dispatch[0].edit.Text, "Downloading media 0%") {
		t.Errorf("initial edit = %q", up.dispatch[0].edit.Text)
	}
	final := up.dispatch[1].edit
	if final.Text != "🤖 Transcription (model large):" || final.Quote != "hello world" {
		t.Errorf("final edit = %+v", final)
	}
	if final.Attachment != "" {
		t.Errorf("unexpected attachment %q", final.Attachment)
	}
	if len(up.requests) == 0 {
		t.Error("expected intermediate low-priority updates")
	}
	if r.Registry().Len() != 0 {
		t.Error("registry should be empty after the job")
	}
}

func TestRunAbortsWhenInitialEditFails(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{dispErrs: []error{transport.ErrNotEditable}}
	dl := &fakeDownloader{fail: true} // would error if reached
	r := newTestRunner(t, up, dl, &fakeTranscoder{duration: 10}, &fakeEngine{})

	if err := r.Run(context.Background(), baseJob()); err != nil {
		t.Fatalf("Run should abort silently, got %v", err)
	}
	if len(up.dispatch) != 1 {
		t.Fatalf("got %d edits, want only the failed initial one", len(up.dispatch))
	}
}

func TestRunResumeSkipsInitialEdit(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{}
	r := newTestRunner(t, up, &fakeDownloader{}, &fakeTranscoder{duration: 10},
		&fakeEngine{text: "resumed"})

	job := baseJob()
	job.Resume = true
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(up.dispatch) != 1 {
		t.Fatalf("got %d authoritative edits, want only the final one", len(up.dispatch))
	}
	if up.dispatch[0].edit.Quote != "resumed" {
		t.Errorf("final edit = %+v", up.dispatch[0].edit)
	}
	if len(up.requests) == 0 {
		t.Error("resume mode should still push low-priority progress")
	}
}

func TestRunQuietSuppressesProgress(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{}
	r := newTestRunner(t, up, &fakeDownloader{}, &fakeTranscoder{duration: 10},
		&fakeEngine{text: "upgraded"})

	job := baseJob()
	job.Quiet = true
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(up.requests) != 0 {
		t.Errorf("quiet job pushed %d low-priority updates", len(up.requests))
	}
	if len(up.dispatch) != 1 || up.dispatch[0].edit.Quote != "upgraded" {
		t.Errorf("dispatch = %+v", up.dispatch)
	}
}

func TestRunLongTranscriptGoesToFile(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{}
	long := strings.Repeat("word ", 1200)
	r := newTestRunner(t, up, &fakeDownloader{}, &fakeTranscoder{duration: 10},
		&fakeEngine{text: long})

	if err := r.Run(context.Background(), baseJob()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := up.dispatch[len(up.dispatch)-1].edit
	if final.Quote != AttachPlaceholder {
		t.Errorf("final quote = %q, want placeholder", final.Quote)
	}
	if final.Attachment == "" {
		t.Fatal("expected an attachment path")
	}
}

func TestRunStageFailureSendsBoundedError(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	up := &fakeUpdater{}
	r := NewRunner(Config{TempDir: tmp}, &fakeDownloader{}, up,
		&fakeTranscoder{failConvert: true, duration: 10},
		&fakeEngines{engine: &fakeEngine{}}, nil, NewRegistry(), logx.Nop())
	r.diskFree = func(string) (uint64, error) { return 1 << 40, nil }

	err := r.Run(context.Background(), baseJob())
	if err == nil {
		t.Fatal("expected a stage error")
	}
	if len(up.dispatch) != 2 {
		t.Fatalf("got %d authoritative edits, want the initial one plus exactly one diagnostic", len(up.dispatch))
	}
	final := up.dispatch[1].edit
	if !strings.HasPrefix(final.Text, "🤖 Transcription failed:") {
		t.Errorf("error edit = %q", final.Text)
	}
	if !strings.Contains(final.Text, "ffmpeg exploded") {
		t.Errorf("error edit should carry the diagnostic: %q", final.Text)
	}
	if n := len([]rune(final.Text)); n > 2100 {
		t.Errorf("error edit too long: %d runes", n)
	}
	if _, err := os.Stat(filepath.Join(tmp, "job_100_7")); !os.IsNotExist(err) {
		t.Errorf("workspace should be removed after a failed job, stat err = %v", err)
	}
}

func TestRunAbortWritesTerminalRecord(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		dispErrs []error
		cancel   bool
		want     string
	}{
		// Initial edit fails: the message is gone before the job starts.
		{"initial edit", []error{transport.ErrNotEditable}, false, "🤖 Transcription failed:"},
		// Final edit fails after a full run.
		{"final edit", []error{nil, transport.ErrNotEditable}, false, "🤖 Transcription failed:"},
		// Shutdown: the unfinished status must survive so the job resumes.
		{"shutdown", []error{nil, context.Canceled}, true, "Extracting text"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			store, err := storage.Open(storage.Config{Driver: "file", Path: dir + "/log.db"}, logx.Nop())
			if err != nil {
				t.Fatalf("storage.Open: %v", err)
			}
			defer store.Close()

			up := &fakeUpdater{dispErrs: tc.dispErrs}
			r := NewRunner(Config{TempDir: t.TempDir()}, &fakeDownloader{}, up,
				&fakeTranscoder{duration: 10}, &fakeEngines{engine: &fakeEngine{text: "done"}},
				store, NewRegistry(), logx.Nop())
			r.diskFree = func(string) (uint64, error) { return 1 << 40, nil }

			ctx := context.Background()
			if tc.cancel {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				cancel()
			}
			if err := r.Run(ctx, baseJob()); err != nil {
				t.Fatalf("Run should absorb edit failures, got %v", err)
			}

			recs, err := store.RecentStatuses(context.Background(), time.Now().Add(-time.Minute))
			if err != nil {
				t.Fatalf("RecentStatuses: %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("got %d records, want 1", len(recs))
			}
			if !strings.Contains(recs[0].Text, tc.want) {
				t.Errorf("stored text = %q, want it to contain %q", recs[0].Text, tc.want)
			}
			if !tc.cancel && strings.Contains(recs[0].Text, "🤖 Transcription:") {
				t.Errorf("terminal record still looks like an unfinished status: %q", recs[0].Text)
			}
		})
	}
}

func TestRunDetectedLanguageAnnotation(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{}
	r := newTestRunner(t, up, &fakeDownloader{}, &fakeTranscoder{duration: 10},
		&fakeEngine{text: "bonjour", language: "fr"})

	job := baseJob()
	job.LangForce = ""
	job.LangAllowed = []string{"ru", "en"}
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := up.dispatch[len(up.dispatch)-1].edit
	if !strings.Contains(final.Quote, "[detected_language=fr not_in_allowed=ru,en]") {
		t.Errorf("final quote = %q", final.Quote)
	}
}

func TestRunPreflightRejectsFullDisk(t *testing.T) {
	t.Parallel()

	up := &fakeUpdater{}
	r := newTestRunner(t, up, &fakeDownloader{}, &fakeTranscoder{duration: 10}, &fakeEngine{})
	r.diskFree = func(string) (uint64, error) { return 1 << 10, nil }

	err := r.Run(context.Background(), baseJob())
	if err == nil || !strings.Contains(err.Error(), "free disk space") {
		t.Fatalf("err = %v", err)
	}
	if len(up.dispatch) != 1 || !strings.Contains(up.dispatch[0].edit.Text, "failed") {
		t.Errorf("dispatch = %+v", up.dispatch)
	}
}

func TestRunRecordsStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: dir + "/log.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	up := &fakeUpdater{}
	r := NewRunner(Config{TempDir: t.TempDir()}, &fakeDownloader{}, up,
		&fakeTranscoder{duration: 10}, &fakeEngines{engine: &fakeEngine{text: "done"}},
		st, NewRegistry(), logx.Nop())
	r.diskFree = func(string) (uint64, error) { return 1 << 40, nil }

	if err := r.Run(context.Background(), baseJob()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs, err := st.RecentStatuses(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecentStatuses: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1 (latest per message)", len(recs))
	}
	rec := recs[0]
	if rec.ChatID != 100 || rec.MessageID != 7 || rec.FileID != "f1" {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.Text, "(model large)") {
		t.Errorf("final record text = %q", rec.Text)
	}
}
