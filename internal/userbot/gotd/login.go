package gotd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"relaybot/internal/storage"
)

// CodePrompt asks the operator for the login code sent by the network.
type CodePrompt func(ctx context.Context) (string, error)

// Login authenticates phone interactively, persists its session file under
// opt.SessionDir and returns the account record to upsert.
func Login(ctx context.Context, opt Options, phone, password string, prompt CodePrompt) (storage.Account, error) {
	if opt.APIID == 0 || opt.APIHash == "" {
		return storage.Account{}, fmt.Errorf("login %s: missing api_id/api_hash", phone)
	}
	if err := os.MkdirAll(opt.SessionDir, 0o700); err != nil {
		return storage.Account{}, fmt.Errorf("login %s: session dir: %w", phone, err)
	}
	path := SessionPath(opt.SessionDir, phone)
	client := newClient(opt, path)

	codeAuth := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
		return prompt(ctx)
	})
	flow := auth.NewFlow(auth.Constant(phone, password, codeAuth), auth.SendCodeOptions{})

	acc := storage.Account{
		Key:         phone,
		APIID:       opt.APIID,
		APIHash:     opt.APIHash,
		SessionFile: path,
		Status:      storage.AccountActive,
		CreatedAt:   time.Now().UTC(),
	}
	err := client.Run(ctx, func(ctx context.Context) error {
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return err
		}
		self, err := client.Self(ctx)
		if err != nil {
			return err
		}
		acc.Username = self.Username
		return nil
	})
	if err != nil {
		return storage.Account{}, fmt.Errorf("login %s: %w", phone, mapErr(err))
	}
	return acc, nil
}
