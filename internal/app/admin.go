package app

import (
	"context"
	"errors"
	"time"

	"botwatch/internal/config"
	"botwatch/internal/eventbus"
	"botwatch/internal/gateway"
	"botwatch/internal/storage"
	"botwatch/internal/transport/discord"
	logx "botwatch/pkg/logx"
)

// Admin edits tracking state without a gateway session. Discord is used
// over REST only, for member and channel lookups.
type Admin struct {
	store *storage.Store
	gw    *gateway.Gateway
}

var errMemoryStore = errors.New("storage driver \"memory\" lives inside the running bot; nothing to edit offline")

func OpenAdmin(ctx context.Context, cfgPath string) (*Admin, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, ok := mapStorage(cfg)
	if !ok {
		return nil, storage.ErrDisabled
	}
	if sc.Driver == "memory" {
		return nil, errMemoryStore
	}
	log := logx.NewConsole("warn")
	// one shot; no reconnect loop
	sc.HeartbeatInterval = -1

	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")), eventbus.Nop())
	if err != nil {
		return nil, err
	}
	dc, err := discord.New(mapDiscord(cfg), log.With(logx.String("comp", "discord")))
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = st.Close(closeCtx)
		return nil, err
	}
	return &Admin{store: st, gw: gateway.New(st, dc, dc, log.With(logx.String("comp", "gateway")))}, nil
}

func (a *Admin) Gateway() *gateway.Gateway { return a.gw }

func (a *Admin) Close(ctx context.Context) error { return a.store.Close(ctx) }
