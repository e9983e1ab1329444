package storage

import (
	"errors"
	"strconv"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StatusRecord is the latest known status of one transcription target
// message. One record per (ChatID, MessageID); writes replace.
type StatusRecord struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	JobID     string    `json:"job_id"`
	Text      string    `json:"text"`
	FileID    string    `json:"file_id"`
	MediaKind string    `json:"media_kind"`
	ChatLabel string    `json:"chat_label,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the record's target message.
func (r StatusRecord) Key() string {
	return strconv.FormatInt(r.ChatID, 10) + "/" + strconv.Itoa(r.MessageID)
}
