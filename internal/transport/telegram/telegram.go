package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "castbot/pkg/logx"
)

type Config struct {
	Token string
}

// Sender delivers campaign messages through the Telegram Bot API.
// Recipient ids are numeric chat ids.
type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// No poller: this bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

func (s *Sender) SendText(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: recipient %q is not a chat id: %w", recipient, err)
	}
	_, err = s.bot.Send(tele.ChatID(id), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
