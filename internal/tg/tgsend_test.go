package tg

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"chat not found", errors.New("Bad Request: chat not found"), true},
		{"blocked", &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, true},
		{"too many requests", errors.New("Too Many Requests: retry after 5 (429)"), false},
		{"server", &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, false},
		{"timeout", errors.New("net/http: request canceled (Client.Timeout exceeded): timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPermanent(tc.err))
		})
	}
}
