package muenchen

import (
	"context"
	"errors"
	"time"

	logx "terminbot/pkg/logx"
)

// DayAvailability is one bookable date with its slot start times. Slots
// may be empty when the day is beyond the slot-fetch cap or its fetch
// degraded; the date itself is still worth showing.
type DayAvailability struct {
	Date  string      `json:"date"` // "YYYY-MM-DD"
	Slots []time.Time `json:"slots,omitempty"`
}

// maxSlotFetchDays bounds the per-day slot lookups a single query makes.
// Notifications show at most this many days anyway.
const maxSlotFetchDays = 5

// Query returns availability for one (service, office) pair in the query
// range: the bookable dates, with slot times filled in for the first few
// days. An empty result is not an error. Token rejection propagates so
// the caller can refresh; any other per-day slot failure degrades that
// day to date-only.
func (c *Client) Query(ctx context.Context, q AvailabilityQuery) ([]DayAvailability, error) {
	days, err := c.AvailableDays(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]DayAvailability, 0, len(days))
	for i, d := range days {
		da := DayAvailability{Date: d.Time}
		if i < maxSlotFetchDays {
			slots, err := c.AvailableSlots(ctx, d.Time, q.OfficeID, q.ServiceID, q.Token)
			switch {
			case err == nil:
				da.Slots = slots
			case errors.Is(err, ErrTokenRejected):
				return nil, err
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				c.log.Debug("slot fetch failed; keeping date only",
					logx.String("date", d.Time),
					logx.Int64("office", q.OfficeID),
					logx.Int64("service", q.ServiceID),
					logx.Err(err))
			}
		}
		out = append(out, da)
	}
	return out, nil
}
