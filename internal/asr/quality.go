package asr

import "strings"

// ModelOrder lists the known whisper model families from worst to best
// transcription quality.
var ModelOrder = [...]string{"tiny", "base", "small", "medium", "turbo", "large"}

// QualityRank returns the model's index in ModelOrder (0 = tiny), or -1 for
// an unknown model name.
func QualityRank(modelName string) int {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if name == "" {
		return -1
	}
	for i, m := range ModelOrder {
		if m == name {
			return i
		}
	}
	return -1
}
