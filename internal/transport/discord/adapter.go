// Package discord connects botwatch to the Discord gateway and REST API.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/time/rate"

	rtsup "botwatch/internal/runtime/supervisor"
	"botwatch/internal/tracker"
	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

type Config struct {
	Token string
	// SendRate and SendBurst bound outgoing REST writes. 0 means 5/s, burst 5.
	SendRate  float64
	SendBurst int
	// RequestTimeout bounds a REST call issued without a deadline.
	RequestTimeout time.Duration
}

type UpdateKind int

const (
	UpdatePresence UpdateKind = iota + 1
	UpdateMessage
	UpdateCommunityJoin
	UpdateCommunityLeave
	UpdateReady
)

// Update is one gateway event translated for the application.
type Update struct {
	Kind        UpdateKind
	Presence    *tracker.Event
	Message     *transport.Message
	CommunityID string
	// Communities lists the joined community ids on UpdateReady.
	Communities []string
}

// Adapter is a Discord session plus the caches needed to turn presence
// updates into transitions.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	s       *discordgo.Session
	limiter *rate.Limiter

	out     atomic.Value // chan<- Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// presence holds the last status seen per community:user. The session
	// state is updated before handlers run, so it cannot answer "what was it".
	presence cmap.ConcurrentMap[string, tracker.Status]
	// agents caches the bot flag per user id; it never changes for a user.
	agents cmap.ConcurrentMap[string, bool]

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	// Handlers run inline on the gateway reader so presence updates keep
	// their arrival order. Every handler below must not block.
	s.SyncEvents = true
	s.StateEnabled = true
	s.State.TrackPresences = true
	s.State.TrackMembers = true
	s.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildPresences |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 5
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	a := &Adapter{
		cfg:      cfg,
		log:      log,
		s:        s,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		presence: cmap.New[tracker.Status](),
		agents:   cmap.New[bool](),
	}
	var nilOut chan<- Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Session exposes the underlying discordgo session.
func (a *Adapter) Session() *discordgo.Session { return a.s }

// SelfID is the bot user id once the session is ready.
func (a *Adapter) SelfID() string {
	if a.s.State != nil && a.s.State.User != nil {
		return a.s.State.User.ID
	}
	return ""
}

func (a *Adapter) sendUpdate(up Update) {
	v := a.out.Load()
	out, _ := v.(chan<- Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start opens the gateway and forwards updates to out until ctx is done.
// REST calls work without Start.
func (a *Adapter) Start(ctx context.Context, out chan<- Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	if err := a.s.Open(); err != nil {
		var nilOut chan<- Update
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return err
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	a.log.Info("discord gateway connected")
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	sup := a.sup
	a.sup = nil
	var nilOut chan<- Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	err := a.s.Close()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	return err
}

// Communities returns the ids of every joined community.
func (a *Adapter) Communities() []string {
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	ids := make([]string, 0, len(a.s.State.Guilds))
	for _, g := range a.s.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

// Membership returns member ids per community, limited to communities whose
// member cache is complete. A partial cache would read as departures.
func (a *Adapter) Membership() map[string]map[string]struct{} {
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	out := make(map[string]map[string]struct{}, len(a.s.State.Guilds))
	for _, g := range a.s.State.Guilds {
		if g.Unavailable || g.MemberCount == 0 || len(g.Members) < g.MemberCount {
			continue
		}
		set := make(map[string]struct{}, len(g.Members))
		for _, m := range g.Members {
			if m.User != nil {
				set[m.User.ID] = struct{}{}
			}
		}
		out[g.ID] = set
	}
	return out
}

// Activity is one entry of the bot's own presence.
type Activity struct {
	Name string
	Type string // playing, streaming, listening, watching, competing
}

func activityType(s string) discordgo.ActivityType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "streaming":
		return discordgo.ActivityTypeStreaming
	case "listening":
		return discordgo.ActivityTypeListening
	case "watching":
		return discordgo.ActivityTypeWatching
	case "competing":
		return discordgo.ActivityTypeCompeting
	default:
		return discordgo.ActivityTypeGame
	}
}

// SetActivity updates the bot's own presence.
func (a *Adapter) SetActivity(status string, act Activity) error {
	if status == "" {
		status = string(discordgo.StatusDoNotDisturb)
	}
	return a.s.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     status,
		Activities: []*discordgo.Activity{{Name: act.Name, Type: activityType(act.Type)}},
	})
}
