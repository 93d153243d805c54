package tgui

import (
	tele "gopkg.in/telebot.v4"

	kit "plantbot/internal/transport"
)

// Inline is a small builder for inline keyboards.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a row of buttons.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Markup converts transport buttons into telebot inline markup. It returns
// nil for an empty keyboard; Telegram drops the buttons of a message edited
// without markup.
func Markup(kb [][]kit.Button) *tele.ReplyMarkup {
	in := NewInline()
	for _, row := range kb {
		btns := make([]tele.Btn, 0, len(row))
		for _, b := range row {
			btns = append(btns, Btn(b.Text, b.Data))
		}
		if len(btns) > 0 {
			in.Row(btns...)
		}
	}
	if len(in.rows) == 0 {
		return nil
	}
	return in.Markup()
}
