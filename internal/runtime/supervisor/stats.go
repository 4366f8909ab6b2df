package supervisor

import (
	"sort"
	"time"
)

// LoopStats aggregates every run of one named goroutine. Concurrent
// goroutines sharing a name fold into a single entry.
type LoopStats struct {
	Name      string
	Active    int64
	Starts    uint64
	Restarts  uint64
	Panics    uint64
	LastStart time.Time
	LastErr   string
	LastErrAt time.Time
	Uptime    time.Duration
}

// Report is a point-in-time view of everything the supervisor hosts.
// The owner /health screen renders it.
type Report struct {
	Active   int64
	Started  uint64
	FirstErr string
	Loops    []LoopStats
}

type routineStats struct {
	active    int64
	starts    uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastErr   string
	lastErrAt time.Time
	uptime    time.Duration
}

// Report assembles per-loop stats sorted by name. Safe on a nil
// receiver, which the app hands out before Start.
func (s *Supervisor) Report() Report {
	if s == nil {
		return Report{}
	}
	r := Report{
		Active:  s.active.Load(),
		Started: s.started.Load(),
	}

	s.mu.Lock()
	if s.firstErr != nil {
		r.FirstErr = s.firstErr.Error()
	}
	r.Loops = make([]LoopStats, 0, len(s.loops))
	for name, st := range s.loops {
		r.Loops = append(r.Loops, LoopStats{
			Name:      name,
			Active:    st.active,
			Starts:    st.starts,
			Restarts:  st.restarts,
			Panics:    st.panics,
			LastStart: st.lastStart,
			LastErr:   st.lastErr,
			LastErrAt: st.lastErrAt,
			Uptime:    st.uptime,
		})
	}
	s.mu.Unlock()

	sort.Slice(r.Loops, func(i, j int) bool { return r.Loops[i].Name < r.Loops[j].Name })
	return r
}

// loopFor lazily creates the entry for name. Caller holds mu.
func (s *Supervisor) loopFor(name string) *routineStats {
	st := s.loops[name]
	if st == nil {
		st = &routineStats{}
		if s.loops == nil {
			s.loops = map[string]*routineStats{}
		}
		s.loops[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	if s == nil {
		return now
	}
	s.mu.Lock()
	st := s.loopFor(name)
	st.starts++
	st.active++
	if isRestart {
		st.restarts++
	}
	st.lastStart = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, beganAt time.Time, err error) {
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	st := s.loopFor(name)
	if st.active > 0 {
		st.active--
	}
	st.uptime += now.Sub(beganAt)
	if err != nil {
		st.lastErr = err.Error()
		st.lastErrAt = now
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.loopFor(name).panics++
	s.mu.Unlock()
}
