package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline accumulates inline-keyboard rows. Markup materializes them
// into a telebot ReplyMarkup; add all rows before attaching it.
type Inline struct {
	rows []tele.Row
}

func NewInline() *Inline { return &Inline{} }

// Row appends one row of buttons.
func (i *Inline) Row(btns ...tele.Btn) *Inline {
	i.rows = append(i.rows, tele.Row(btns))
	return i
}

// Markup builds the reply markup from the accumulated rows.
func (i *Inline) Markup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(i.rows...)
	return rm
}

// ConfirmInline is the standard two-button confirm row.
func ConfirmInline(yes, no tele.Btn) *Inline {
	return NewInline().Row(yes, no)
}

// Btn creates a callback button with raw callback_data (not encoded).
// Build the data with Data so the scope:action form stays consistent.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// URLBtn creates a link button.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}

// Grid2 lays buttons out two per row.
func Grid2(buttons []tele.Btn) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Split(2, buttons)...)
	return rm
}
