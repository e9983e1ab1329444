package storage

// Package storage persists the status-message log: the latest status text
// the bot wrote for each transcription target, plus enough source-media
// context to re-run the job. The resume scanner reads it back on startup.
