// Package resume finds transcription targets worth re-running after a
// restart: jobs that never finished, and finished ones produced by a model
// weaker than the current default. Candidates come from the status-message
// log the pipeline writes; classification works on the recorded status text.
package resume

import (
	"strings"

	"trbot/internal/asr"
	"trbot/internal/pipeline"
)

// Action is what the scanner decides to do with one recorded status.
type Action int

const (
	// ActionNone: finished with an acceptable model, an error report, or
	// not a transcription status at all.
	ActionNone Action = iota
	// ActionResume: the job never reached a final state; re-run it in
	// resume mode (progress edits continue on the same message).
	ActionResume
	// ActionUpgrade: finished, but with a model ranked below the default;
	// re-run quietly and replace the result.
	ActionUpgrade
)

var stageMarkers = []string{"Downloading media", "Converting media", "Extracting text"}

// statusMarker appears in every intermediate status text (note the colon:
// error reports read "Transcription failed" and do not match).
const statusMarker = pipeline.FinalMarker + ":"

func isUnfinished(text string) bool {
	if text == "" || !strings.Contains(text, statusMarker) {
		return false
	}
	for _, m := range stageMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	if strings.Contains(text, "Completed at: —") {
		return true
	}
	return strings.Contains(text, "%")
}

func isWorseThanDefault(text, defaultModel string) bool {
	if text == "" || !strings.Contains(text, pipeline.FinalMarker) {
		return false
	}
	for _, m := range stageMarkers {
		if strings.Contains(text, m) {
			return false
		}
	}
	if strings.Contains(text, "Completed at: —") {
		return false
	}
	model, ok := pipeline.ParseModelMarker(text)
	if !ok {
		return false
	}
	defaultRank := asr.QualityRank(defaultModel)
	rank := asr.QualityRank(model)
	if defaultRank < 0 || rank < 0 {
		return false
	}
	return rank < defaultRank
}

// Classify decides the action for one recorded status text.
// Unfinished wins over everything else.
func Classify(text, defaultModel string) Action {
	switch {
	case isUnfinished(text):
		return ActionResume
	case isWorseThanDefault(text, defaultModel):
		return ActionUpgrade
	default:
		return ActionNone
	}
}
