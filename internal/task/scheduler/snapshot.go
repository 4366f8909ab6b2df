package scheduler

import "time"

// ScheduleInfo describes one registered trigger.
type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

// Snapshot combines registered triggers with the executor's diagnostics,
// for the owner /health command.
type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo

	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	DefaultTimeout   time.Duration
	MaxQueueDelay    time.Duration
	RetryMax         int
	CircuitTotal     int
	CircuitOpen      int
	History          []HistoryItem
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tz := s.cfg.Timezone
	triggers := append([]trigger(nil), s.triggers...)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	snap := Snapshot{Timezone: tz, Schedules: make([]ScheduleInfo, 0, len(triggers))}
	for _, tr := range triggers {
		info := ScheduleInfo{ID: tr.id, Name: tr.name, Spec: tr.spec, Timeout: tr.timeout}
		if c != nil && tr.entryID != 0 {
			e := c.Entry(tr.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	if eng == nil {
		return snap
	}

	es := eng.Snapshot()
	snap.Workers = es.Workers
	snap.InFlight = es.InFlight
	snap.QueueLen = es.QueueLen
	snap.QueueCap = es.QueueCap
	snap.Dropped = es.Dropped
	snap.DroppedQueueFull = es.DroppedQueueFull
	snap.DroppedStale = es.DroppedStale
	snap.DefaultTimeout = es.DefaultTimeout
	snap.MaxQueueDelay = es.MaxQueueDelay
	snap.RetryMax = es.RetryMax
	snap.CircuitTotal = es.CircuitTotal
	snap.CircuitOpen = es.CircuitOpen
	snap.History = es.History
	return snap
}
