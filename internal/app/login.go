package app

import (
	"context"

	"relaybot/internal/config"
	"relaybot/internal/storage"
	"relaybot/internal/userbot/gotd"
	logx "relaybot/pkg/logx"
)

// Login signs an account in interactively and registers it in the store.
// The account is left unassigned; the next invitation picks it up.
func Login(ctx context.Context, cfgPath, phone, password string, prompt gotd.CodePrompt) (storage.Account, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return storage.Account{}, err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "login"))

	gopt, err := mapGotd(cfg)
	if err != nil {
		return storage.Account{}, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return storage.Account{}, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return storage.Account{}, err
	}
	defer store.Close()

	acc, err := gotd.Login(ctx, gopt, phone, password, prompt)
	if err != nil {
		return storage.Account{}, err
	}
	if err := store.UpsertAccount(ctx, acc); err != nil {
		return storage.Account{}, err
	}
	log.Info("account registered", logx.String("account", acc.Key), logx.String("username", acc.Username))
	return acc, nil
}
