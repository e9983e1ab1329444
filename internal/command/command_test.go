package command

import (
	"reflect"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want *Command
		ok   bool
	}{
		{
			name: "bare tr",
			text: "/tr",
			want: &Command{Name: "/tr"},
			ok:   true,
		},
		{
			name: "model and lang",
			text: "/tr model=large lang=ru,en",
			want: &Command{Name: "/tr", Model: "large", Lang: "ru,en"},
			ok:   true,
		},
		{
			name: "transcription alias with bot suffix",
			text: "/transcription@trbot model=tiny lang=en",
			want: &Command{Name: "/transcription", Model: "tiny", Lang: "en"},
			ok:   true,
		},
		{
			name: "ts alias",
			text: "/ts tz=Europe/Moscow",
			want: &Command{Name: "/ts", TZ: "Europe/Moscow"},
			ok:   true,
		},
		{
			name: "subscribe flags",
			text: "/tr subscribe=True destruct_message=true",
			want: &Command{Name: "/tr", Subscribe: boolPtr(true), DestructMessage: true},
			ok:   true,
		},
		{
			name: "per kind subscriptions",
			text: "/tr subscribe_record_audio=on subscribe_video=off",
			want: &Command{Name: "/tr", SubscribeRecordAudio: boolPtr(true), SubscribeVideo: boolPtr(false)},
			ok:   true,
		},
		{
			name: "invalid bool ignored",
			text: "/tr subscribe=maybe",
			want: &Command{Name: "/tr"},
			ok:   true,
		},
		{
			name: "help",
			text: "/tr help=True",
			want: &Command{Name: "/tr", Help: true},
			ok:   true,
		},
		{
			name: "quoted value",
			text: `/tr tz="America/New_York"`,
			want: &Command{Name: "/tr", TZ: "America/New_York"},
			ok:   true,
		},
		{
			name: "bare token without equals is skipped",
			text: "/tr large",
			want: &Command{Name: "/tr"},
			ok:   true,
		},
		{
			name: "show list default format",
			text: "/tr_show_list",
			want: &Command{Name: "/tr_show_list", ShowList: true, Format: "text"},
			ok:   true,
		},
		{
			name: "show list json",
			text: "/tr_show_list format=json",
			want: &Command{Name: "/tr_show_list", ShowList: true, Format: "json"},
			ok:   true,
		},
		{
			name: "show list bad format keeps text",
			text: "/tr_show_list format=xml",
			want: &Command{Name: "/tr_show_list", ShowList: true, Format: "text"},
			ok:   true,
		},
		{
			name: "show tasks",
			text: "/tr_show_tasks@trbot",
			want: &Command{Name: "/tr_show_tasks", ShowTasks: true},
			ok:   true,
		},
		{
			name: "unrelated command",
			text: "/start",
			ok:   false,
		},
		{
			name: "prefix collision is rejected",
			text: "/trash something",
			ok:   false,
		},
		{
			name: "plain text",
			text: "hello there",
			ok:   false,
		},
		{
			name: "empty",
			text: "",
			ok:   false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Parse(tc.text)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.text, got, tc.want)
			}
		})
	}
}

func TestNormalizeLang(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		lang, def   string
		wantForce   string
		wantAllowed []string
	}{
		{"single", "en", "ru", "en", nil},
		{"empty uses default", "", "ru", "ru", nil},
		{"list enables auto", "ru,en", "ru", "", []string{"ru", "en"}},
		{"spaces trimmed", " ru , en ", "ru", "", []string{"ru", "en"}},
		{"no default no lang", "", "", "", nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			force, allowed := NormalizeLang(tc.lang, tc.def)
			if force != tc.wantForce || !reflect.DeepEqual(allowed, tc.wantAllowed) {
				t.Errorf("NormalizeLang(%q, %q) = (%q, %v), want (%q, %v)",
					tc.lang, tc.def, force, allowed, tc.wantForce, tc.wantAllowed)
			}
		})
	}
}
