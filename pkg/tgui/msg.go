package tgui

import (
	"context"
	"strings"

	kit "relaybot/internal/transport"
)

// Message is rendered text plus send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) Send(ctx context.Context, ad kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

func (m Message) Edit(ctx context.Context, ad kit.Sender, ref kit.MessageRef) error {
	return ad.EditText(ctx, ref, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line. Plain strings are escaped.
type Builder struct {
	lines []string
	kb    *Inline
}

func New() *Builder { return &Builder{} }

func (b *Builder) add(h H) *Builder {
	b.lines = append(b.lines, string(h))
	return b
}

// Title is a bold heading with an optional leading emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	if strings.TrimSpace(title) == "" {
		return b
	}
	if emoji = strings.TrimSpace(emoji); emoji != "" {
		return b.add(Esc(emoji) + " " + B(title))
	}
	return b.add(B(title))
}

func (b *Builder) Section(title string) *Builder {
	if strings.TrimSpace(title) == "" {
		return b
	}
	return b.add(B(strings.TrimSpace(title)))
}

func (b *Builder) Line(s string) *Builder { return b.add(Esc(s)) }

// Raw appends trusted HTML.
func (b *Builder) Raw(h H) *Builder { return b.add(h) }

func (b *Builder) Blank() *Builder { return b.add("") }

// KV renders "• key: value" with a bold key. Empty values are skipped.
func (b *Builder) KV(key, value string) *Builder {
	if strings.TrimSpace(value) == "" {
		return b
	}
	return b.add("• " + B(key) + ": " + Esc(value))
}

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.add("• " + Esc(it))
		}
	}
	return b
}

func (b *Builder) Code(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		return b
	}
	return b.add(Code(s))
}

func (b *Builder) Inline(kb *Inline) *Builder {
	b.kb = kb
	return b
}

// Build joins the lines, collapsing runs of blank lines and trimming the ends.
func (b *Builder) Build() Message {
	out := make([]string, 0, len(b.lines))
	for _, ln := range b.lines {
		if ln == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, ln)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.kb != nil && b.kb.Len() > 0 {
		opt.Markup = b.kb.Markup()
	}
	return Message{Text: strings.Join(out, "\n"), Opt: opt}
}
