package tgui

import (
	"strings"
	"testing"

	kit "plantbot/internal/transport"
)

func TestDataParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		data string
		want Callback
		ok   bool
	}{
		{Data("rem", "done", "42"), Callback{"rem", "done", "42"}, true},
		{Data(" rem ", "skip", ""), Callback{"rem", "skip", ""}, true},
		{"rem:done:a:b", Callback{"rem", "done", "a:b"}, true},
		{"rem", Callback{}, false},
		{":done:1", Callback{}, false},
		{"", Callback{}, false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.data)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("Parse(%q) = %+v, %v, want %+v, %v", tt.data, got, ok, tt.want, tt.ok)
		}
	}
	if err := CheckData(strings.Repeat("x", MaxCallbackDataLen+1)); err != ErrCallbackDataTooLong {
		t.Fatalf("CheckData = %v, want ErrCallbackDataTooLong", err)
	}
}

func TestHTML(t *testing.T) {
	t.Parallel()
	got := JoinH(" ", Raw("💧"), B("A<b>"), Esc(""), I("x&y")).String()
	if want := "💧 <b>A&lt;b&gt;</b> <i>x&amp;y</i>"; got != want {
		t.Fatalf("JoinH = %q, want %q", got, want)
	}
	if got := TruncRunes("Monstera deliciosa", 8); got != "Monstera…" {
		t.Fatalf("TruncRunes = %q", got)
	}
	if got := TruncRunes("Fern", 8); got != "Fern" {
		t.Fatalf("TruncRunes = %q", got)
	}
}

func TestMarkup(t *testing.T) {
	t.Parallel()
	rm := Markup([][]kit.Button{{{Text: "Done", Data: "rem:done:1"}, {Text: "Skip", Data: "rem:skip:1"}}})
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", rm.InlineKeyboard)
	}
	if b := rm.InlineKeyboard[0][1]; b.Text != "Skip" || !strings.HasSuffix(b.Data, "rem:skip:1") {
		t.Fatalf("button = %+v", b)
	}
	if rm := Markup([][]kit.Button{{}}); rm != nil {
		t.Fatalf("empty markup = %+v, want nil", rm)
	}
}
