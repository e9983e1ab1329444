// Package progress renders job status texts and completion estimates.
// It is pure: no I/O, no clocks beyond what callers pass in.
package progress

import (
	"strconv"
	"time"

	"trbot/internal/transport"
)

// Stage is the pipeline phase a status text reports on.
type Stage string

const (
	StageDownload   Stage = "download"
	StageConvert    Stage = "convert"
	StageTranscribe Stage = "transcribe"
	StageDone       Stage = "done"
	StageError      Stage = "error"
)

// TimeLayout is how completion timestamps appear inside status messages.
const TimeLayout = "2006-01-02 15:04:05 -0700"

// Prefix opens every intermediate status text. The leading command token
// keeps the message recognizable to the resume scanner's classifier.
const Prefix = "/transcription 🤖 Transcription: "

// NoteUnknown marks a stage whose progress cannot be measured.
const NoteUnknown = "progress unknown"

// Snapshot is one point-in-time view of a running job.
type Snapshot struct {
	Stage        Stage
	Percent      int
	PercentKnown bool
	DoneAt       string // formatted completion (or predicted completion) time
	Note         string // replaces the percentage when progress is unmeasurable
}

func stageLabels(st Stage) (label, tsLabel string) {
	switch st {
	case StageDownload:
		return "Downloading media", "Download finished at"
	case StageConvert:
		return "Converting media", "Conversion finished at"
	case StageTranscribe:
		return "Extracting text", "Completed at"
	default:
		return string(st), "Date"
	}
}

// BuildText renders the status message for a snapshot, clipped to the
// platform message limit.
func BuildText(s Snapshot) string {
	label, tsLabel := stageLabels(s.Stage)

	doneAt := s.DoneAt
	if doneAt == "" {
		doneAt = "—"
	}

	var body string
	if s.Note != "" {
		body = Prefix + label + " (" + s.Note + ")"
	} else {
		pct := "0%"
		if s.PercentKnown {
			pct = strconv.Itoa(s.Percent) + "%"
		}
		body = Prefix + label + " " + pct
	}
	body += "\n" + tsLabel + ": " + doneAt

	return clip(body, transport.MaxMessageLen)
}

// ETA predicts the remaining time from a percentage and the elapsed time,
// assuming a constant rate. The estimate is only meaningful once some
// progress exists and enough time has passed to measure a rate: percent
// must be positive and elapsed at least 500ms, otherwise ok is false.
func ETA(percent int, elapsed time.Duration) (eta time.Duration, ok bool) {
	if percent <= 0 || elapsed < 500*time.Millisecond {
		return 0, false
	}
	return time.Duration(float64(100-percent) / float64(percent) * float64(elapsed)), true
}

// PercentOf converts a done/total byte count into a display percentage.
// Capped at 99 so only an explicit completion shows 100%.
func PercentOf(done, total int64) (int, bool) {
	if total <= 0 {
		return 0, false
	}
	pct := int(float64(done) / float64(total) * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct, true
}

// FormatTime renders t in the named IANA timezone; an unknown name falls
// back to t's own location.
func FormatTime(t time.Time, tzName string) string {
	if tzName != "" {
		if loc, err := time.LoadLocation(tzName); err == nil {
			t = t.In(loc)
		}
	}
	return t.Format(TimeLayout)
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
