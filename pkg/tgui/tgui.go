// Package tgui builds Telegram HTML replies and inline keyboards.
//
// Text passed to the builder is escaped; values of type H are trusted.
package tgui

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxCallbackData is Telegram's callback_data limit in bytes.
const MaxCallbackData = 64

var ErrCallbackTooLong = errors.New("tgui: callback data too long")

// Data formats callback data as "scope:action[:payload]".
func Data(scope, action, payload string) (string, error) {
	d := strings.TrimSpace(scope) + ":" + strings.TrimSpace(action)
	if payload != "" {
		d += ":" + payload
	}
	if len(d) > MaxCallbackData {
		return "", ErrCallbackTooLong
	}
	return d, nil
}

// Inline accumulates rows of an inline keyboard.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline { return &Inline{rm: &tele.ReplyMarkup{}} }

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Len is the number of rows.
func (i *Inline) Len() int { return len(i.rows) }

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn is a callback button. Over-long data yields a button without data,
// which Telegram rejects loudly instead of truncating silently.
func Btn(text, scope, action, payload string) tele.Btn {
	d, _ := Data(scope, action, payload)
	return tele.Btn{Text: text, Data: d}
}

func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}
