package progress

import (
	"strings"
	"testing"
	"time"

	"trbot/internal/transport"
)

func TestBuildText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		snap Snapshot
		want string
	}{
		{
			name: "download start",
			snap: Snapshot{Stage: StageDownload, Percent: 0, PercentKnown: true},
			want: "/transcription 🤖 Transcription: Downloading media 0%\nDownload finished at: —",
		},
		{
			name: "download with eta",
			snap: Snapshot{Stage: StageDownload, Percent: 42, PercentKnown: true, DoneAt: "2026-08-23 10:00:00 +0300"},
			want: "/transcription 🤖 Transcription: Downloading media 42%\nDownload finished at: 2026-08-23 10:00:00 +0300",
		},
		{
			name: "convert unknown progress",
			snap: Snapshot{Stage: StageConvert, Note: NoteUnknown},
			want: "/transcription 🤖 Transcription: Converting media (progress unknown)\nConversion finished at: —",
		},
		{
			name: "transcribe complete",
			snap: Snapshot{Stage: StageTranscribe, Percent: 100, PercentKnown: true, DoneAt: "2026-08-23 10:05:00 +0300"},
			want: "/transcription 🤖 Transcription: Extracting text 100%\nCompleted at: 2026-08-23 10:05:00 +0300",
		},
		{
			name: "percent not known renders zero",
			snap: Snapshot{Stage: StageTranscribe},
			want: "/transcription 🤖 Transcription: Extracting text 0%\nCompleted at: —",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := BuildText(tc.snap); got != tc.want {
				t.Errorf("BuildText = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildTextClipsToMessageLimit(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Stage: Stage(strings.Repeat("x", transport.MaxMessageLen*2)), Percent: 1, PercentKnown: true}
	if n := len([]rune(BuildText(snap))); n > transport.MaxMessageLen {
		t.Errorf("got %d runes, want at most %d", n, transport.MaxMessageLen)
	}
}

func TestETA(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		percent int
		elapsed time.Duration
		want    time.Duration
		ok      bool
	}{
		{"halfway", 50, 10 * time.Second, 10 * time.Second, true},
		{"quarter", 25, 5 * time.Second, 15 * time.Second, true},
		{"almost done", 99, 99 * time.Second, time.Second, true},
		{"zero percent", 0, 10 * time.Second, 0, false},
		{"negative percent", -5, 10 * time.Second, 0, false},
		{"too early", 50, 400 * time.Millisecond, 0, false},
		{"exactly half a second", 50, 500 * time.Millisecond, 500 * time.Millisecond, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ETA(tc.percent, tc.elapsed)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Errorf("ETA = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPercentOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		done, total int64
		want        int
		ok          bool
	}{
		{"zero total", 100, 0, 0, false},
		{"negative total", 100, -1, 0, false},
		{"half", 50, 100, 50, true},
		{"capped at 99", 100, 100, 99, true},
		{"overshoot capped", 150, 100, 99, true},
		{"start", 0, 100, 0, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := PercentOf(tc.done, tc.total)
			if got != tc.want || ok != tc.ok {
				t.Errorf("PercentOf(%d, %d) = %d, %v; want %d, %v", tc.done, tc.total, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 23, 7, 0, 0, 0, time.UTC)
	if got := FormatTime(ts, "UTC"); got != "2026-08-23 07:00:00 +0000" {
		t.Errorf("FormatTime = %q", got)
	}
	// Unknown zone keeps the original location.
	if got := FormatTime(ts, "No/Such_Zone"); got != "2026-08-23 07:00:00 +0000" {
		t.Errorf("FormatTime fallback = %q", got)
	}
}
