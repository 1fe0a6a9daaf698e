package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/tg"
)

// Transport доставляет текст адресату внутри своего канала.
type Transport interface {
	Channel() string
	Send(ctx context.Context, address, text string) error
}

// PermanentError — ошибка доставки, которую бессмысленно повторять.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// LogTransport пишет уведомления в лог; канал по умолчанию для локального запуска.
type LogTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) *LogTransport { return &LogTransport{log: log} }

func (t *LogTransport) Channel() string { return "log" }

func (t *LogTransport) Send(_ context.Context, address, text string) error {
	t.log.Info("notification", zap.String("to", address), zap.String("text", text))
	return nil
}

// TelegramTransport — адрес это chat_id.
type TelegramTransport struct {
	bot tg.Sender
}

func NewTelegramTransport(bot tg.Sender) *TelegramTransport { return &TelegramTransport{bot: bot} }

func (t *TelegramTransport) Channel() string { return "telegram" }

func (t *TelegramTransport) Send(ctx context.Context, address, text string) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return Permanent(fmt.Errorf("bad chat id %q", address))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := tg.Send(t.bot, tgbotapi.NewMessage(chatID, text)); err != nil {
		if tg.IsPermanent(err) {
			return Permanent(err)
		}
		return err
	}
	return nil
}
