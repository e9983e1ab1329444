// Package command parses the bot's chat commands. Arguments are
// shell-tokenized key=value pairs, so quoted values survive intact.
package command

import (
	"strings"

	"github.com/google/shlex"
)

// Command is a parsed chat command.
type Command struct {
	Name string // canonical: /tr, /ts, /transcription, /tr_show_list, /tr_show_tasks

	Model string
	Lang  string
	TZ    string

	Subscribe            *bool
	SubscribeRecordAudio *bool
	SubscribeRecordVideo *bool
	SubscribeAudio       *bool
	SubscribeVideo       *bool

	DestructMessage bool
	Help            bool

	ShowList  bool
	Format    string // text | json, /tr_show_list only
	ShowTasks bool
}

// HasSubscriptionArgs reports whether any subscription flag was supplied.
func (c *Command) HasSubscriptionArgs() bool {
	return c.Subscribe != nil || c.SubscribeRecordAudio != nil || c.SubscribeRecordVideo != nil ||
		c.SubscribeAudio != nil || c.SubscribeVideo != nil
}

// Parse recognizes one of the transcription commands in text. The command
// token may carry a @botname suffix. Returns (nil, false) for anything else.
func Parse(text string) (*Command, bool) {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil, false
	}

	if strings.HasPrefix(t, "/tr_show_tasks") {
		return &Command{Name: "/tr_show_tasks", ShowTasks: true}, true
	}
	if strings.HasPrefix(t, "/tr_show_list") {
		cmd := &Command{Name: "/tr_show_list", ShowList: true, Format: "text"}
		if parts, err := shlex.Split(t); err == nil {
			for _, p := range parts[1:] {
				k, v, ok := splitKV(p)
				if !ok {
					continue
				}
				if k == "format" && (v == "text" || v == "json") {
					cmd.Format = strings.ToLower(v)
				}
			}
		}
		return cmd, true
	}
	if !strings.HasPrefix(t, "/tr") && !strings.HasPrefix(t, "/transcription") && !strings.HasPrefix(t, "/ts") {
		return nil, false
	}

	parts, err := shlex.Split(t)
	if err != nil || len(parts) == 0 {
		return nil, false
	}
	name := canonicalName(parts[0])
	if name == "" {
		return nil, false
	}

	cmd := &Command{Name: name}
	for _, p := range parts[1:] {
		k, v, ok := splitKV(p)
		if !ok {
			continue
		}
		switch k {
		case "model":
			cmd.Model = v
		case "lang":
			cmd.Lang = v
		case "tz":
			cmd.TZ = v
		case "subscribe":
			cmd.Subscribe = parseBool(v)
		case "subscribe_record_audio":
			cmd.SubscribeRecordAudio = parseBool(v)
		case "subscribe_record_video":
			cmd.SubscribeRecordVideo = parseBool(v)
		case "subscribe_audio":
			cmd.SubscribeAudio = parseBool(v)
		case "subscribe_video":
			cmd.SubscribeVideo = parseBool(v)
		case "destruct_message":
			cmd.DestructMessage = isTrue(v)
		case "help":
			cmd.Help = isTrue(v)
		}
	}
	return cmd, true
}

func canonicalName(token string) string {
	switch {
	case token == "/tr" || strings.HasPrefix(token, "/tr@"):
		return "/tr"
	case token == "/ts" || strings.HasPrefix(token, "/ts@"):
		return "/ts"
	case token == "/transcription" || strings.HasPrefix(token, "/transcription@"):
		return "/transcription"
	default:
		return ""
	}
}

func splitKV(part string) (key, value string, ok bool) {
	i := strings.Index(part, "=")
	if i < 0 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(part[:i])), strings.TrimSpace(part[i+1:]), true
}

func parseBool(v string) *bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		b := true
		return &b
	case "false", "0", "no", "off":
		b := false
		return &b
	default:
		return nil
	}
}

func isTrue(v string) bool {
	b := parseBool(v)
	return b != nil && *b
}

// NormalizeLang interprets the lang argument: a single code forces that
// language; a comma list enables auto-detection restricted to an allowed set.
func NormalizeLang(lang, defaultLang string) (force string, allowed []string) {
	if strings.TrimSpace(lang) == "" {
		lang = defaultLang
	}
	var items []string
	for _, x := range strings.Split(lang, ",") {
		if x = strings.TrimSpace(x); x != "" {
			items = append(items, x)
		}
	}
	switch len(items) {
	case 0:
		return "", nil
	case 1:
		return items[0], nil
	default:
		return "", items
	}
}

// HelpText is the /tr help=true response.
func HelpText() string {
	return `🤖 Command help: /tr, /ts, /transcription — three names for the same command.

Commands (reply to a media message): /tr, /ts, /transcription

Parameters (key=value):
• model — whisper model (tiny, large, turbo…). Default: large
• lang — language (ru, en, or ru,en). Default: ru
• tz — timezone for dates (Europe/Moscow etc.). Default: from config

Subscriptions and options (for /tr, /ts, /transcription):
• subscribe=True — subscribe the chat to all media kinds (auto /tr on every new media)
• subscribe=False — unsubscribe the chat
• subscribe_record_audio=True/False — voice messages
• subscribe_record_video=True/False — video messages
• subscribe_audio=True/False — music/audio
• subscribe_video=True/False — video
• destruct_message=True — do not transcribe, delete the command message (handy for subscribing)
• help=True — this help (no transcription)
• /tr_show_list — chats with a subscription (format=text | format=json, default text)
• /tr_show_tasks — currently running jobs (transcription, upgrade, scheduler etc.)`
}
