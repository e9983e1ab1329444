package transport

import (
	"context"
	"time"
)

// MaxMessageLen is the hard length limit the platform enforces on a single
// message. Longer final transcripts are shipped as an attachment instead.
const MaxMessageLen = 4096

// MessageRef identifies one editable message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Edit describes one outbound message edit.
//
// Text is always set. Quote, when non-empty, is rendered below Text as an
// expandable blockquote. Attachment, when non-empty, is a local file path
// uploaded as a document replacing the message content (Text becomes the
// caption). Quote and Attachment are only ever used by authoritative edits.
type Edit struct {
	Text       string
	Quote      string
	Attachment string
}

// MediaKind classifies a message's media for subscription matching.
type MediaKind string

const (
	MediaNone       MediaKind = ""
	MediaVoice      MediaKind = "record_audio"
	MediaVideoNote  MediaKind = "record_video"
	MediaAudio      MediaKind = "audio"
	MediaVideo      MediaKind = "video"
)

// MediaInfo describes downloadable media attached to a message.
type MediaInfo struct {
	Kind   MediaKind
	FileID string
	Size   int64 // 0 when the platform does not report a size
}

// Message is the transport-neutral inbound message shape.
type Message struct {
	ID        int
	ChatID    int64
	ChatLabel string
	FromID    int64
	Text      string
	Date      time.Time
	Media     *MediaInfo
	ReplyTo   *Message
}

// Update is one inbound event handed off from the platform adapter.
type Update struct {
	Message *Message
}

// ProgressFunc reports download progress. total is 0 when unknown.
type ProgressFunc func(done, total int64)

// Client is the messaging platform contract the core consumes.
//
// Implementations map platform-specific failures onto the error taxonomy in
// errors.go so the scheduler and pipeline can branch on errors.Is/As.
type Client interface {
	// EditMessage edits a previously sent message in place.
	EditMessage(ctx context.Context, ref MessageRef, edit Edit) error

	// SendReply sends a new message replying to replyTo in chatID.
	SendReply(ctx context.Context, chatID int64, replyTo int, text string, silent bool) (MessageRef, error)

	// DeleteMessage removes a message (best effort).
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// DownloadMedia streams the file behind fileID to destPath, invoking
	// onProgress as bytes arrive. Returns the local path written.
	DownloadMedia(ctx context.Context, fileID, destPath string, onProgress ProgressFunc) (string, error)

	// MediaExists reports whether the file behind fileID is still resolvable.
	MediaExists(ctx context.Context, fileID string) (bool, error)

	// ChatLabel returns a human-readable label for a chat, for logs.
	ChatLabel(chatID int64) string
}
