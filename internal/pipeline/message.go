package pipeline

import (
	"regexp"
	"strings"

	"trbot/internal/transport"
)

// FinalMarker opens every finished-transcription message. The resume
// scanner's classifier keys off it, so compose and classify must agree.
const FinalMarker = "🤖 Transcription"

// AttachPlaceholder replaces the transcript body when it is shipped as a
// document instead of inline text.
const AttachPlaceholder = "(attached as file)"

// ComposeFinal builds the final result edit: the model-stamped prefix plus
// the transcript body as an expandable quote.
func ComposeFinal(text, modelName string) transport.Edit {
	body := strings.TrimSpace(text)
	if body == "" {
		body = " "
	}
	return transport.Edit{
		Text:  FinalMarker + " (model " + modelName + "):",
		Quote: body,
	}
}

// PlainLen is the rendered length of an edit in runes, prefix plus the
// newline plus the quote body, used against the platform message limit.
func PlainLen(e transport.Edit) int {
	n := len([]rune(e.Text))
	if e.Quote != "" {
		n += 1 + len([]rune(e.Quote))
	}
	return n
}

// FormatError renders one bounded diagnostic message for a failed job.
func FormatError(err error) string {
	diag := ""
	if err != nil {
		diag = strings.TrimSpace(err.Error())
	}
	if diag == "" {
		diag = "unknown error"
	}
	if rs := []rune(diag); len(rs) > 2000 {
		diag = string(rs[:2000])
	}
	return FinalMarker + " failed:\n```\n" + diag + "\n```"
}

var modelMarkerRe = regexp.MustCompile(`🤖 Transcription\s*\(model\s+(\w+)\)\s*:`)

// ParseModelMarker extracts the model name from a finished-transcription
// message. A completed message from before model stamping (no "(model …)")
// reports "small". Returns ok=false for anything that is not a finished
// transcription message.
func ParseModelMarker(text string) (model string, ok bool) {
	if text == "" || !strings.Contains(text, FinalMarker) {
		return "", false
	}
	if m := modelMarkerRe.FindStringSubmatch(text); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1])), true
	}
	if strings.Contains(text, FinalMarker+":") && !strings.Contains(text, "(model ") {
		return "small", true
	}
	return "", false
}
