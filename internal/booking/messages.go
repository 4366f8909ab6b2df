package booking

import (
	"fmt"
	"strconv"
	"time"

	"terminbot/internal/muenchen"
	"terminbot/pkg/tgui"
)

// Callback data produced by booking keyboards. The router dispatches
// on the "book" scope.
const (
	cbScope         = "book"
	cbActionSlot    = "slot"
	cbActionConfirm = "confirm"
	cbActionCancel  = "cancel"
)

// slotTimeLong is how a chosen slot reads in prompts and summaries.
const slotTimeLong = "15:04 on Monday, January 2, 2006"

func slotHM(t time.Time) string {
	return t.In(muenchen.Berlin()).Format("15:04")
}

func slotLong(t time.Time) string {
	return t.In(muenchen.Berlin()).Format(slotTimeLong)
}

// slotKeyboard lays out time buttons two per row, capped, with a
// cancel row underneath.
func slotKeyboard(slots []time.Time) *tgui.Inline {
	kb := tgui.NewInline()
	shown := slots
	if len(shown) > maxSlotButtons {
		shown = shown[:maxSlotButtons]
	}
	for i := 0; i < len(shown); i += 2 {
		data1 := tgui.Data(cbScope, cbActionSlot, strconv.FormatInt(shown[i].Unix(), 10))
		if i+1 < len(shown) {
			data2 := tgui.Data(cbScope, cbActionSlot, strconv.FormatInt(shown[i+1].Unix(), 10))
			kb.Row(tgui.Btn("🕐 "+slotHM(shown[i]), data1), tgui.Btn("🕐 "+slotHM(shown[i+1]), data2))
		} else {
			kb.Row(tgui.Btn("🕐 "+slotHM(shown[i]), data1))
		}
	}
	kb.Row(tgui.Btn("❌ Cancel", tgui.Data(cbScope, cbActionCancel, "")))
	return kb
}

func msgSelectTime(date string, slots []time.Time) tgui.Message {
	b := tgui.New().
		Line("📅 Available time slots for " + date + ":").
		Blank().
		Line("Please select a time:")
	if len(slots) > maxSlotButtons {
		b.Blank().Line(fmt.Sprintf("Showing the first %d of %d times.", maxSlotButtons, len(slots)))
	}
	return b.Inline(slotKeyboard(slots)).Build()
}

func msgReselectTime(date string, slots []time.Time) tgui.Message {
	return tgui.New().
		Line("😔 That time was taken just before you. These are still free for " + date + ":").
		Blank().
		Line("Please select a time:").
		Inline(slotKeyboard(slots)).
		Build()
}

func msgNoSlotsLeft(date string) tgui.Message {
	return tgui.New().
		Line("❌ No available time slots found for " + date + ".").
		Line("They may have been booked already. Please try another date.").
		Build()
}

func msgUnknownSlot(date string) tgui.Message {
	return tgui.New().
		Line("❌ That time is not on the list for " + date + ".").
		Line("Please pick one of the offered buttons.").
		Build()
}

func msgAskName(slot time.Time) tgui.Message {
	return tgui.New().
		Line("✅ Selected time: " + slotLong(slot)).
		Blank().
		Line("Please enter your full name (as it appears on your documents):").
		Inline(tgui.NewInline().Row(tgui.Btn("❌ Cancel", tgui.Data(cbScope, cbActionCancel, "")))).
		Build()
}

func msgNameNeedsTwoParts() tgui.Message {
	return tgui.New().
		Line("❌ Please enter your full name (first and last name).").
		Blank().
		Line("Example: John Smith").
		Build()
}

func msgNameTooShort() tgui.Message {
	return tgui.New().
		Line("❌ Name is too short. Please enter your full name:").
		Build()
}

func msgAskEmail(name string) tgui.Message {
	return tgui.New().
		Line("✅ Name: " + name).
		Blank().
		Line("Please enter your email address (you'll receive a confirmation email):").
		Inline(tgui.NewInline().Row(tgui.Btn("❌ Cancel", tgui.Data(cbScope, cbActionCancel, "")))).
		Build()
}

func msgEmailInvalid() tgui.Message {
	return tgui.New().
		Line("❌ Invalid email address. Please enter a valid email:").
		Blank().
		Line("Example: your.name@example.com").
		Build()
}

func msgConfirmSummary(data sessionData) tgui.Message {
	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Confirm Booking", tgui.Data(cbScope, cbActionConfirm, "")),
		tgui.Btn("❌ Cancel", tgui.Data(cbScope, cbActionCancel, "")),
	)
	return tgui.New().
		Title("📋", "Please confirm your booking:").
		Blank().
		Line("🕐 Time: " + slotLong(data.slot)).
		Line("👤 Name: " + data.name).
		Line("📧 Email: " + data.email).
		Blank().
		RawLine(tgui.B("Important:").String() + " You will receive a confirmation email. You MUST click the link in that email to finalize your appointment!").
		Inline(kb).
		Build()
}

// ProcessingMessage is what the bot shows while the reservation calls
// run. Exported because the caller sends it before invoking Confirm.
func ProcessingMessage() tgui.Message {
	return tgui.New().
		Line("⏳ Processing your booking...").
		Line("This may take a few seconds.").
		Build()
}

func msgBookingSuccess(processID int64, data sessionData) tgui.Message {
	return tgui.New().
		RawLine("🎉 " + tgui.B("Booking Successful!").String() + " 🎉").
		Blank().
		Line("📋 Booking ID: " + strconv.FormatInt(processID, 10)).
		Line("🕐 Time: " + slotLong(data.slot)).
		Line("👤 Name: " + data.name).
		Line("📧 Email: " + data.email).
		Blank().
		RawLine("⚠️ " + tgui.B("IMPORTANT - Next Steps:").String()).
		Line("1. Check your email inbox (" + data.email + ")").
		Line("2. Look for an email from the Munich appointment service").
		Line("3. Click the confirmation link in that email").
		Blank().
		RawLine(tgui.I("If you don't see the email, check your spam folder.").String()).
		Build()
}

// msgSlotTaken is the conflict ending: somebody else won the slot.
// Distinct from system errors so users know retrying the same slot is
// pointless.
func msgSlotTaken() tgui.Message {
	return tgui.New().
		RawLine("😔 " + tgui.B("Slot No Longer Available").String()).
		Blank().
		Line("Someone else booked this time just before you.").
		Line("Pick another slot from the availability message, or wait for the next notification.").
		Build()
}

// msgSystemError is the retryable ending: our side or the network
// failed, the slot itself may well still be free.
func msgSystemError() tgui.Message {
	return tgui.New().
		RawLine("❌ " + tgui.B("Booking Failed").String()).
		Blank().
		Line("A technical error occurred while talking to the appointment system.").
		Line("The slot may still be free - please try again in a moment.").
		Build()
}

func msgCancelled() tgui.Message {
	return tgui.New().Line("❌ Booking cancelled.").Build()
}

func msgNoBooking() tgui.Message {
	return tgui.New().Line("You have no booking in progress.").Build()
}

func msgAlreadyProcessing() tgui.Message {
	return tgui.New().
		Line("⏳ Your booking is already being processed. Please wait.").
		Build()
}

func msgSessionGone() tgui.Message {
	return tgui.New().
		Line("This booking session has ended. Start again from an appointment notification.").
		Build()
}

func msgUseButtons() tgui.Message {
	return tgui.New().
		Line("Please use the buttons above, or /cancel to abort the booking.").
		Build()
}

func msgSessionExpired(timeout time.Duration) tgui.Message {
	return tgui.New().
		Line(fmt.Sprintf("⏰ Your booking session expired after %s of inactivity.", timeout)).
		Line("Availability notifications are active again.").
		Build()
}
