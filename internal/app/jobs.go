package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botwatch/internal/config"
	"botwatch/internal/transport/discord"
	logx "botwatch/pkg/logx"
)

const (
	jobReconcileStartup = "reconcile.startup"
	jobReconcileDaily   = "reconcile.daily"
	jobPresence         = "presence.rotate"

	reconcileTimeout = 2 * time.Minute
)

// reconcile makes the store match what the session can see: every joined
// community has a record, records for departed communities are deleted, and
// agents that left a community stop being tracked.
func (a *App) reconcile(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	ids := a.discord.Communities()
	if len(ids) == 0 {
		// An empty view right after connect would wipe every record.
		return errors.New("no communities visible yet; skipping")
	}

	live := make(map[string]struct{}, len(ids))
	var errs []error
	for _, id := range ids {
		live[id] = struct{}{}
		if err := a.store.CreateCommunity(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", id, err))
		}
	}

	removed, err := a.store.ReconcileCommunities(ctx, live)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	membership := a.discord.Membership()
	pruned, err := a.store.ReconcileTrackedAgents(ctx, membership)
	if err != nil {
		errs = append(errs, err)
	}
	a.log.Info("reconciled",
		logx.Int("communities", len(ids)),
		logx.Int("removed_communities", removed),
		logx.Int("member_views", len(membership)),
		logx.Int("updated_records", pruned),
	)
	return errors.Join(errs...)
}

func (a *App) scheduleReconcile(cfg *config.Config) error {
	if a.store == nil || !cfg.Reconcile.Enabled {
		a.sched.Remove(jobReconcileDaily)
		return nil
	}
	return a.sched.Add(jobReconcileDaily, cfg.Reconcile.Schedule, reconcileTimeout, a.reconcile)
}

// rotation cycles the bot's own activity.
type rotation struct {
	mu     sync.Mutex
	status string
	list   []discord.Activity
	next   int
}

func (r *rotation) set(status string, list []discord.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.list = list
	if r.next >= len(list) {
		r.next = 0
	}
}

func (r *rotation) advance() (string, discord.Activity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) == 0 {
		return "", discord.Activity{}, false
	}
	act := r.list[r.next]
	r.next = (r.next + 1) % len(r.list)
	return r.status, act, true
}

func (a *App) startPresence(ctx context.Context) {
	a.mu.Lock()
	if a.presence == nil {
		a.presence = &rotation{}
	}
	a.mu.Unlock()
	if err := a.applyPresence(a.config()); err != nil {
		a.log.Warn("presence rotation not scheduled", logx.Err(err))
	}
	// show the first entry now rather than after one interval
	_ = a.rotatePresence(ctx)
}

func (a *App) applyPresence(cfg *config.Config) error {
	a.mu.Lock()
	r := a.presence
	a.mu.Unlock()
	if r == nil {
		// not ready yet; startPresence picks the config up
		return nil
	}
	if !cfg.Presence.Enabled {
		a.sched.Remove(jobPresence)
		return nil
	}
	r.set(cfg.Presence.Status, mapActivities(cfg))
	return a.sched.Add(jobPresence, cfg.Presence.Interval, 10*time.Second, a.rotatePresence)
}

func (a *App) rotatePresence(ctx context.Context) error {
	a.mu.Lock()
	r := a.presence
	a.mu.Unlock()
	if r == nil || !a.config().Presence.Enabled {
		return nil
	}
	status, act, ok := r.advance()
	if !ok {
		return nil
	}
	return a.discord.SetActivity(status, act)
}
