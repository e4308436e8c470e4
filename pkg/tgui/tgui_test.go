package tgui

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestBuilderEscapesAndCollapses(t *testing.T) {
	t.Parallel()
	m := New().
		Title("📋", "Tasks <all>").
		Blank().
		Blank().
		KV("Name", "a & b").
		KV("Skipped", "").
		Line("x < y").
		Blank().
		Build()

	want := "📋 <b>Tasks &lt;all&gt;</b>\n\n• <b>Name</b>: a &amp; b\nx &lt; y"
	if m.Text != want {
		t.Fatalf("Text = %q, want %q", m.Text, want)
	}
	if m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview {
		t.Fatalf("Opt = %+v, want HTML without preview", m.Opt)
	}
	if m.Opt.Markup != nil {
		t.Fatal("markup set without a keyboard")
	}
}

func TestBuilderAttachesKeyboard(t *testing.T) {
	t.Parallel()
	kb := NewInline().Row(Btn("Pause", "task", "pause", "7"))
	m := New().Line("x").Inline(kb).Build()
	rm, ok := m.Opt.Markup.(*tele.ReplyMarkup)
	if !ok || len(rm.InlineKeyboard) != 1 {
		t.Fatalf("markup = %#v, want one inline row", m.Opt.Markup)
	}
	if got := rm.InlineKeyboard[0][0].Data; got != "task:pause:7" {
		t.Fatalf("data = %q, want task:pause:7", got)
	}
}

func TestDataLimit(t *testing.T) {
	t.Parallel()
	if d, err := Data("task", "list", ""); err != nil || d != "task:list" {
		t.Fatalf("Data = %q, %v", d, err)
	}
	if _, err := Data("task", "x", strings.Repeat("9", 64)); err != ErrCallbackTooLong {
		t.Fatalf("err = %v, want ErrCallbackTooLong", err)
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}
	tests := []struct {
		index     int
		wantIndex int
		wantLen   int
		prev      bool
		next      bool
		label     string
	}{
		{0, 0, 10, false, true, "Page 1/3 · 1-10 of 25"},
		{2, 2, 5, true, false, "Page 3/3 · 21-25 of 25"},
		{9, 2, 5, true, false, "Page 3/3 · 21-25 of 25"},
		{-1, 0, 10, false, true, "Page 1/3 · 1-10 of 25"},
	}
	for _, tt := range tests {
		p := Paginate(items, tt.index, 10)
		if p.Index != tt.wantIndex || len(p.Items) != tt.wantLen || p.HasPrev != tt.prev || p.HasNext != tt.next {
			t.Fatalf("Paginate(%d) = %+v", tt.index, p)
		}
		if got := p.Label(); got != tt.label {
			t.Fatalf("Label = %q, want %q", got, tt.label)
		}
	}
	if got := Paginate([]int(nil), 0, 10).Label(); got != "Page 1/1" {
		t.Fatalf("empty Label = %q", got)
	}
}

func TestTrunc(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abcdef", 3, "ab…"},
		{"abc", 3, "abc"},
		{"ééé", 2, "é…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := Trunc(tt.in, tt.n); got != tt.want {
			t.Fatalf("Trunc(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
