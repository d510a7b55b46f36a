package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

// TelegramConfig addresses one chat (optionally one forum topic).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds each API request.
	Timeout time.Duration
}

// Telegram sends plain-text messages through the Bot API.
type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

// NewTelegram builds a sender without contacting the API; a bad token
// surfaces on the first Send.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

// Send delivers text, split into API-sized chunks.
func (t *Telegram) Send(ctx context.Context, text string) error {
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.thread}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(t.chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into pieces of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitText(s string, limit int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		out = append(out, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
