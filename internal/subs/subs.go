// Package subs keeps per-chat auto-transcription subscriptions in a small
// JSON file. Writes are atomic (tmp file + rename) so a crash never leaves
// a half-written subscription list.
package subs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"trbot/internal/transport"
	"trbot/pkg/logx"
)

// Flags is one chat's subscription state: which media kinds trigger an
// automatic transcription, plus a display name for listings.
type Flags struct {
	RecordAudio bool   `json:"subscribe_record_audio"`
	RecordVideo bool   `json:"subscribe_record_video"`
	Audio       bool   `json:"subscribe_audio"`
	Video       bool   `json:"subscribe_video"`
	Name        string `json:"name,omitempty"`
}

// Enabled reports whether the given media kind is subscribed.
func (f Flags) Enabled(kind transport.MediaKind) bool {
	switch kind {
	case transport.MediaVoice:
		return f.RecordAudio
	case transport.MediaVideoNote:
		return f.RecordVideo
	case transport.MediaAudio:
		return f.Audio
	case transport.MediaVideo:
		return f.Video
	default:
		return false
	}
}

// Any reports whether at least one media kind is subscribed.
func (f Flags) Any() bool {
	return f.RecordAudio || f.RecordVideo || f.Audio || f.Video
}

type fileFormat struct {
	Chats map[string]Flags `json:"chats"`
}

// Store is a mutable, concurrency-safe subscription registry backed by one
// JSON file.
type Store struct {
	path string
	log  logx.Logger

	mu    sync.Mutex
	chats map[string]Flags
}

// Load reads the subscription file. A missing file yields an empty store;
// a corrupt one is logged and treated as empty.
func Load(path string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("subs: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log, chats: map[string]Flags{}}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var ff fileFormat
	if err := json.Unmarshal(b, &ff); err != nil {
		log.Warn("failed to parse subscriptions file; starting empty",
			logx.String("path", path), logx.Err(err))
		return s, nil
	}
	if ff.Chats != nil {
		s.chats = ff.Chats
	}
	return s, nil
}

func chatKey(chatID int64) string { return strconv.FormatInt(chatID, 10) }

// Get returns the flags for a chat.
func (s *Store) Get(chatID int64) (Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.chats[chatKey(chatID)]
	return f, ok
}

// Enabled reports whether chatID is subscribed to the given media kind.
func (s *Store) Enabled(chatID int64, kind transport.MediaKind) bool {
	f, ok := s.Get(chatID)
	return ok && f.Enabled(kind)
}

// Update mutates one chat's flags under the store lock and persists the
// result. A chat whose flags end up all-off is removed from the file.
func (s *Store) Update(chatID int64, name string, mutate func(*Flags)) error {
	s.mu.Lock()
	key := chatKey(chatID)
	f := s.chats[key]
	if name != "" {
		f.Name = name
	}
	if mutate != nil {
		mutate(&f)
	}
	if f.Any() {
		s.chats[key] = f
	} else {
		delete(s.chats, key)
	}
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// SetAll turns every media kind on or off for a chat.
func (s *Store) SetAll(chatID int64, name string, on bool) error {
	return s.Update(chatID, name, func(f *Flags) {
		f.RecordAudio = on
		f.RecordVideo = on
		f.Audio = on
		f.Video = on
	})
}

// All returns a copy of the registry keyed by chat id string.
func (s *Store) All() map[string]Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Flags, len(s.chats))
	for k, v := range s.chats {
		out[k] = v
	}
	return out
}

// JSON renders the registry the way it is stored on disk.
func (s *Store) JSON() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.MarshalIndent(fileFormat{Chats: s.chats}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var kindLabels = []struct {
	label string
	match func(Flags) bool
}{
	{"voice messages", func(f Flags) bool { return f.RecordAudio }},
	{"video messages", func(f Flags) bool { return f.RecordVideo }},
	{"audio", func(f Flags) bool { return f.Audio }},
	{"video", func(f Flags) bool { return f.Video }},
}

// ListText renders the registry for humans, sorted by chat name.
func (s *Store) ListText() string {
	chats := s.All()
	if len(chats) == 0 {
		return "Chats subscribed to auto-transcription:\n\n(none)"
	}

	keys := make([]string, 0, len(chats))
	for k := range chats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(chats[keys[i]].Name) < strings.ToLower(chats[keys[j]].Name)
	})

	lines := []string{"Chats subscribed to auto-transcription:", ""}
	for _, k := range keys {
		f := chats[k]
		name := f.Name
		if name == "" {
			name = "(unnamed)"
		}
		var active []string
		for _, kl := range kindLabels {
			if kl.match(f) {
				active = append(active, kl.label)
			}
		}
		mode := "—"
		if len(active) > 0 {
			mode = strings.Join(active, ", ")
		}
		lines = append(lines, "• "+name+" (id="+k+")", "  Mode: "+mode, "")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fileFormat{Chats: s.chats}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
