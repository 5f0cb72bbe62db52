package adapters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramMaxLen = 4096

// TelegramConfig configures the Telegram channel publisher.
type TelegramConfig struct {
	Token   string
	Channel string // channel username ("@name") or numeric chat id
	// Footer is appended when not already present (e.g. a follow link).
	Footer  string
	Timeout time.Duration
}

// Telegram publishes to a channel through the Bot API.
//
// The bot client is created lazily so a Telegram outage at startup leaves
// the adapter unready instead of failing the whole process.
type Telegram struct {
	cfg TelegramConfig

	mu      sync.Mutex
	bot     *tele.Bot
	initErr error
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Telegram{cfg: cfg}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Ready() error {
	if strings.TrimSpace(t.cfg.Token) == "" {
		return errors.New("telegram token not configured")
	}
	if strings.TrimSpace(t.cfg.Channel) == "" {
		return errors.New("telegram channel not configured")
	}
	_, err := t.client()
	return err
}

func (t *Telegram) client() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   t.cfg.Token,
		Offline: true, // send-only; no getMe roundtrip, no polling
	})
	if err != nil {
		t.initErr = err
		return nil, err
	}
	t.bot = bot
	return bot, nil
}

// channelRecipient lets telebot address a channel by username.
type channelRecipient string

func (c channelRecipient) Recipient() string { return string(c) }

func (t *Telegram) Publish(ctx context.Context, body string) (string, error) {
	if err := t.Ready(); err != nil {
		return "", Permanent(fmt.Errorf("adapter unavailable: %w", err))
	}
	bot, err := t.client()
	if err != nil {
		return "", Permanent(fmt.Errorf("adapter unavailable: %w", err))
	}

	text := body
	if t.cfg.Footer != "" && !strings.Contains(text, t.cfg.Footer) {
		text += "\n\n" + t.cfg.Footer
	}
	if len(text) > telegramMaxLen {
		text = text[:telegramMaxLen]
	}

	// telebot has no per-call context; bound the call ourselves.
	type sendResult struct {
		msg *tele.Message
		err error
	}
	ch := make(chan sendResult, 1)
	go func() {
		msg, err := bot.Send(channelRecipient(t.cfg.Channel), text, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		ch <- sendResult{msg: msg, err: err}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	select {
	case <-sendCtx.Done():
		return "", Transient(fmt.Errorf("telegram send: %w", sendCtx.Err()))
	case res := <-ch:
		if res.err != nil {
			return "", classifyTelegram(res.err)
		}
		return strconv.Itoa(res.msg.ID), nil
	}
}

func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 {
			return Transient(err)
		}
		return Permanent(err)
	}
	// Network-level failures are worth retrying.
	return Transient(err)
}
