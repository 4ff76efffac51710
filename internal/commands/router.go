// Package commands routes prefix chat commands to handlers.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string // argument part only, e.g. "<@bot | bot id>"
	// Manage requires the caller to hold the community's manage permission.
	Manage  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message transport.Message
	Command *Command
	Name    string // the token the user typed
	Args    []string
	Prefix  string
	Logger  logx.Logger
	Router  *Router
}

// Reply sends c to the channel the command came from.
func (r *Request) Reply(ctx context.Context, c transport.Content) (transport.MessageRef, error) {
	return r.Router.sink.SendMessage(ctx, r.Message.ChannelID, c)
}

type Config struct {
	Prefix  string
	Timeout time.Duration // default per-command bound; 0 means 20s
}

type Router struct {
	sink transport.Sink
	log  logx.Logger

	mu     sync.RWMutex
	cfg    Config
	byName map[string]*Command
	order  []*Command
	mw     []Middleware
}

func NewRouter(cfg Config, sink transport.Sink, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	r := &Router{sink: sink, log: log, cfg: cfg, byName: map[string]*Command{}}
	r.mw = []Middleware{MWPanicRecover(log), MWRequestLog(log)}
	return r
}

// Register adds commands. Names and aliases are case-insensitive; a later
// registration wins a clash.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		r.byName[strings.ToLower(c.Name)] = &c
		for _, a := range c.Aliases {
			r.byName[strings.ToLower(a)] = &c
		}
		r.order = append(r.order, &c)
	}
}

// Apply swaps the prefix and timeout at runtime.
func (r *Router) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) Prefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Prefix
}

// Commands returns registered commands sorted by name.
func (r *Router) Commands() []*Command {
	r.mu.RLock()
	out := append([]*Command(nil), r.order...)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch handles msg if it is a known command. It reports whether the
// message was a command.
func (r *Router) Dispatch(ctx context.Context, msg transport.Message) bool {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	if cfg.Prefix == "" || !strings.HasPrefix(msg.Text, cfg.Prefix) {
		return false
	}
	fields := strings.Fields(strings.TrimPrefix(msg.Text, cfg.Prefix))
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	r.mu.RLock()
	cmd := r.byName[name]
	r.mu.RUnlock()
	if cmd == nil {
		return false
	}

	req := &Request{
		Message: msg,
		Command: cmd,
		Name:    name,
		Args:    fields[1:],
		Prefix:  cfg.Prefix,
		Router:  r,
		Logger: r.log.With(
			logx.String("cmd", cmd.Name),
			logx.String("community", msg.CommunityID),
			logx.String("user", msg.AuthorID),
		),
	}

	if msg.CommunityID == "" {
		r.replyText(ctx, msg.ChannelID, "❌ This command can only be used in servers.")
		return true
	}
	if cmd.Manage && !msg.CanManage {
		r.replyText(ctx, msg.ChannelID, "❌ You do not have permission to use this command.")
		return true
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	mw := make([]Middleware, 0, len(r.mw)+1)
	mw = append(append(mw, r.mw...), MWTimeout(timeout))
	h := Chain(cmd.Handle, mw...)
	if err := h(ctx, req); err != nil {
		r.replyText(ctx, msg.ChannelID, "❌ An error occurred while executing this command.")
	}
	return true
}

func (r *Router) replyText(ctx context.Context, channelID, text string) {
	if _, err := r.sink.SendMessage(ctx, channelID, transport.Content{Text: text}); err != nil {
		r.log.Warn("command reply failed", logx.String("channel", channelID), logx.Err(err))
	}
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					logger := req.Logger
					if logger.IsZero() {
						logger = log
					}
					logger.Error("panic recovered",
						logx.Any("panic", p),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			logger := req.Logger
			if logger.IsZero() {
				logger = log
			}
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{logx.String("alias", req.Name), logx.Duration("dur", d)}
			switch {
			case err != nil:
				logger.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				// Keep INFO useful: only slow successes show up there.
				logger.Info("command ok", fields...)
			default:
				logger.Debug("command ok", fields...)
			}
			return err
		}
	}
}
