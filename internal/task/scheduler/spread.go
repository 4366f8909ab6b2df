package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedFirst pushes the first fire of an interval schedule out, then
// delegates to the plain @every cadence.
type delayedFirst struct {
	cron.Schedule
	first time.Time
}

func (d *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.Schedule.Next(t)
}

// intervalWithSpread returns an @every schedule whose first fire is
// pushed out by a random jitter (capped at 30s and at the interval
// itself), seeded per schedule name so different jobs spread apart.
func intervalWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := every
	if limit > maxStartupSpread {
		limit = maxStartupSpread
	}
	if limit <= 0 {
		return base, 0
	}
	jitter := time.Duration(spreadRNG(name).Int63n(int64(limit)))
	return &delayedFirst{Schedule: base, first: now.Add(every + jitter)}, jitter
}

var spreadSeq uint64

// spreadRNG mixes the clock, a counter and the name so jobs registered
// in the same instant still land on different offsets.
func spreadRNG(name string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(name))
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(h.Sum64())
	return rand.New(rand.NewSource(seed))
}
