package linkresolve

import (
	"errors"
	"testing"

	"relaybot/internal/userbot"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want MessageRef
	}{
		{"https://t.me/c/123456789/10", MessageRef{Kind: RefInternal, ChannelID: 123456789, MsgID: 10}},
		{"t.me/c/42/7", MessageRef{Kind: RefInternal, ChannelID: 42, MsgID: 7}},
		{"https://t.me/news_feed/15", MessageRef{Kind: RefAlias, Alias: "news_feed", MsgID: 15}},
		{" https://telegram.me/news_feed/15?single ", MessageRef{Kind: RefAlias, Alias: "news_feed", MsgID: 15}},
	}
	for _, tc := range cases {
		got, err := ParseMessage(tc.in)
		if err != nil {
			t.Fatalf("ParseMessage(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMessage(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseMessageInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"hello",
		"https://example.com/c/1/2",
		"https://t.me/c/abc/2",
		"https://t.me/c/1",
		"https://t.me/c/1/0",
		"https://t.me/news_feed",
		"https://t.me/news_feed/x",
		"https://t.me/+abcdef/3",
		"https://t.me/1bad/3",
		"https://t.me/a/b/c/d",
	} {
		if _, err := ParseMessage(in); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("ParseMessage(%q) err = %v, want ErrInvalidReference", in, err)
		}
	}
}

func TestMarkedChannelID(t *testing.T) {
	t.Parallel()

	ref := MessageRef{ChannelID: 123456789}
	if got, want := ref.MarkedChannelID(), int64(-1000123456789); got != want {
		t.Fatalf("MarkedChannelID = %d, want %d", got, want)
	}
}

func TestParseGroup(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want GroupLink
	}{
		{"https://t.me/+AbCdEf123", GroupLink{Kind: userbot.GroupPrivate, Ident: "AbCdEf123"}},
		{"https://t.me/joinchat/AbCdEf123", GroupLink{Kind: userbot.GroupPrivate, Ident: "AbCdEf123"}},
		{"https://t.me/public_group", GroupLink{Kind: userbot.GroupPublic, Ident: "public_group"}},
		{"https://t.me/public_group/99", GroupLink{Kind: userbot.GroupPublic, Ident: "public_group"}},
		{"@public_group", GroupLink{Kind: userbot.GroupPublic, Ident: "public_group"}},
	}
	for _, tc := range cases {
		got, err := ParseGroup(tc.in)
		if err != nil {
			t.Fatalf("ParseGroup(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseGroup(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseGroupRejects(t *testing.T) {
	t.Parallel()

	if _, err := ParseGroup("https://t.me/addlist/xyz"); !errors.Is(err, ErrUnsupportedLink) {
		t.Fatalf("addlist err = %v, want ErrUnsupportedLink", err)
	}
	for _, in := range []string{"", "https://t.me/", "https://t.me/+", "https://example.org/group", "@x"} {
		if _, err := ParseGroup(in); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("ParseGroup(%q) err = %v, want ErrInvalidReference", in, err)
		}
	}
}
