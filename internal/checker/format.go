package checker

import (
	"fmt"
	"strings"
	"time"

	"terminbot/internal/muenchen"
	"terminbot/pkg/tgui"
)

// buildAvailabilityMessage renders one user's alert: their matched days
// (capped), slot times where known, the public booking link, and one
// inline "book" button per listed day.
func buildAvailabilityMessage(serviceName string, serviceID, officeID int64, days []muenchen.DayAvailability) tgui.Message {
	shown := days
	if len(shown) > maxNotifyDays {
		shown = shown[:maxNotifyDays]
	}
	url := muenchen.BookingURL(serviceID, officeID)

	kb := tgui.NewInline()
	b := tgui.New().DisablePreview(false).
		RawLine("🎉 " + tgui.B("APPOINTMENT AVAILABLE!").String() + " 🎉").
		Blank().
		RawLine(tgui.B(serviceName).String()).
		Blank().
		Line("Available appointments:")
	for _, d := range shown {
		b.Line("📅 " + d.Date + formatTimes(d.Slots))
		kb.Row(tgui.Btn("📅 Book: "+d.Date, tgui.Data("book", "day", bookDayPayload(d.Date, officeID, serviceID))))
	}
	if rest := len(days) - len(shown); rest > 0 {
		b.Line(fmt.Sprintf("... and %d more days", rest))
	}
	b.Blank().
		RawLine("🔗 " + tgui.Link("Book appointment now!", url).String()).
		Blank().
		Line("⚡ Act fast - Appointments fill up quickly!")
	kb.Row(tgui.URLBtn("🔗 Book manually on website", url))

	return b.Inline(kb).Build()
}

// formatTimes renders ": 09:00, 09:30" for the first few slots; empty
// when the day degraded to date-only.
func formatTimes(slots []time.Time) string {
	if len(slots) == 0 {
		return ""
	}
	n := len(slots)
	if n > maxNotifyTimes {
		n = maxNotifyTimes
	}
	parts := make([]string, 0, n)
	for _, t := range slots[:n] {
		parts = append(parts, t.In(muenchen.Berlin()).Format("15:04"))
	}
	return ": " + strings.Join(parts, ", ")
}

// bookDayPayload packs "date|office|service" for the book:day callback.
func bookDayPayload(date string, officeID, serviceID int64) string {
	return fmt.Sprintf("%s|%d|%d", date, officeID, serviceID)
}
