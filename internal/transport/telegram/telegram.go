// Package telegram delivers operator log lines to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// LogSender implements logx.Sender over the Bot API. It never polls for
// updates; the bot only writes.
type LogSender struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*LogSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		// telebot ignores contexts; the client timeout bounds each call.
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &LogSender{cfg: cfg, bot: b}, nil
}

// SendLog posts text, split into as many messages as the length limit needs.
func (s *LogSender) SendLog(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.cfg.ThreadID,
		}); err != nil {
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
