package gotd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"relaybot/internal/storage"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

func TestMapErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"flood", tgerr.New(420, "FLOOD_WAIT_30"), userbot.ErrRateLimited},
		{"pending", tgerr.New(400, "INVITE_REQUEST_SENT"), userbot.ErrJoinPending},
		{"expired", tgerr.New(400, "INVITE_HASH_EXPIRED"), userbot.ErrInviteExpired},
		{"private", tgerr.New(400, "CHANNEL_PRIVATE"), userbot.ErrForbidden},
		{"unknown alias", tgerr.New(400, "USERNAME_NOT_OCCUPIED"), userbot.ErrPeerNotFound},
		{"unauthorized", errNotAuthorized, userbot.ErrNotConnected},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := mapErr(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}

	if mapErr(nil) != nil {
		t.Fatalf("mapErr(nil) != nil")
	}
}

func TestMapErrKeepsFloodWait(t *testing.T) {
	t.Parallel()

	err := mapErr(tgerr.New(420, "FLOOD_WAIT_30"))
	var fw *userbot.FloodWaitError
	if !errors.As(err, &fw) {
		t.Fatalf("mapErr did not produce FloodWaitError: %v", err)
	}
	if fw.Wait != 30*time.Second {
		t.Fatalf("Wait = %s, want 30s", fw.Wait)
	}
}

func TestSessionPath(t *testing.T) {
	t.Parallel()

	if got, want := SessionPath("/s", "+1 (555) 010-99"), filepath.Join("/s", "155501099.session.json"); got != want {
		t.Fatalf("SessionPath = %q, want %q", got, want)
	}
	if got := SessionPath("/s", "++"); got != filepath.Join("/s", "account.session.json") {
		t.Fatalf("SessionPath(empty digits) = %q", got)
	}
}

func TestNewRequiresCredentialsAndSessionFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	acc := storage.Account{Key: "+100"}

	if _, err := New(acc, Options{SessionDir: dir}, logx.Nop()); err == nil {
		t.Fatalf("New without api credentials succeeded")
	}
	opt := Options{APIID: 1, APIHash: "h", SessionDir: dir}
	if _, err := New(acc, opt, logx.Nop()); err == nil {
		t.Fatalf("New without session file succeeded")
	}

	if err := os.WriteFile(SessionPath(dir, acc.Key), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := New(acc, opt, logx.Nop())
	if err != nil {
		t.Fatalf("New err = %v", err)
	}
	if s.Connected() {
		t.Fatalf("new session reports connected")
	}
	if _, err := s.ResolveAlias(t.Context(), "x"); !errors.Is(err, userbot.ErrNotConnected) {
		t.Fatalf("ResolveAlias before Connect err = %v, want ErrNotConnected", err)
	}
}
