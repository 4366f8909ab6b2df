package booking

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"terminbot/internal/eventbus"
	"terminbot/internal/muenchen"
	"terminbot/internal/storage"
	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
	"terminbot/pkg/tgui"
)

// Service runs the booking conversations. One session per user id.
type Service struct {
	log  logx.Logger
	deps Deps
	now  func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[int64]*session
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	return &Service{
		log:      log,
		deps:     deps,
		now:      time.Now,
		cfg:      cfg.normalized(),
		sessions: make(map[int64]*session),
	}
}

// Apply swaps in new tuning; running sessions keep going and pick up
// the new timeout at the next sweep.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
}

// Timeout reports the configured inactivity limit.
func (s *Service) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SessionTimeout
}

// Active reports whether the user has a session in a live state.
func (s *Service) Active(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[userID]
	return ok
}

// StateOf exposes the current state for status displays.
func (s *Service) StateOf(userID int64) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return "", false
	}
	return sess.state, true
}

// ActiveCount reports how many sessions are in progress.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartFromDay opens a session for the tapped day button. The token is
// refreshed before anything is shown, and the user joins the
// suppression set before the slot list is fetched so a concurrent
// check cycle cannot slip a notification in between.
func (s *Service) StartFromDay(ctx context.Context, userID, chatID int64, date string, officeID, serviceID int64) tgui.Message {
	s.mu.Lock()
	old := s.sessions[userID]
	if old != nil && old.inFlight {
		s.mu.Unlock()
		return msgAlreadyProcessing()
	}
	s.mu.Unlock()
	if old != nil {
		// A fresh day tap replaces whatever was in progress.
		s.finalize(ctx, old, StateCancelled, StageSession, OutcomeCancelled, "superseded by a new booking")
	}

	token, err := s.deps.Tokens.EnsureFresh(ctx)
	if err != nil {
		s.log.Warn("booking blocked, no usable token", logx.Int64("user_id", userID), logx.Err(err))
		return msgSystemError()
	}

	now := s.now()
	sess := &session{
		userID:       userID,
		chatID:       chatID,
		serviceID:    serviceID,
		officeID:     officeID,
		date:         date,
		state:        StateSelectingTime,
		startedAt:    now,
		lastActiveAt: now,
	}
	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()

	s.deps.Queue.Add(userID)
	s.publish("booking.started", SessionEvent{
		UserID:    userID,
		ServiceID: serviceID,
		OfficeID:  officeID,
		Date:      date,
		State:     string(StateSelectingTime),
	})
	s.log.Info("booking session started",
		logx.Int64("user_id", userID),
		logx.Int64("service_id", serviceID),
		logx.Int64("office_id", officeID),
		logx.String("date", date))

	slots, err := s.deps.API.AvailableSlots(ctx, date, officeID, serviceID, token)
	if err != nil {
		if errors.Is(err, muenchen.ErrTokenRejected) {
			s.deps.Tokens.Invalidate()
		}
		s.finalize(ctx, sess, StateFailed, StageSession, OutcomeError, "slot fetch: "+err.Error())
		return msgSystemError()
	}
	if len(slots) == 0 {
		s.finalize(ctx, sess, StateFailed, StageSession, OutcomeConflict, "no slots left for day")
		return msgNoSlotsLeft(date)
	}

	s.mu.Lock()
	if sess.finalized {
		s.mu.Unlock()
		return msgSessionGone()
	}
	sess.slots = slots
	s.mu.Unlock()
	return msgSelectTime(date, slots)
}

// ChooseSlot records the tapped time. The slot stays provisional until
// the reserve call claims it.
func (s *Service) ChooseSlot(ctx context.Context, userID, slotUnix int64) tgui.Message {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return msgSessionGone()
	}
	if sess.state != StateSelectingTime {
		s.mu.Unlock()
		return msgUseButtons()
	}
	var chosen time.Time
	for _, t := range sess.slots {
		if t.Unix() == slotUnix {
			chosen = t
			break
		}
	}
	if chosen.IsZero() {
		date := sess.date
		s.mu.Unlock()
		return msgUnknownSlot(date)
	}
	if err := sess.transition(StateAskingName); err != nil {
		s.mu.Unlock()
		s.log.Error("slot selection rejected", logx.Err(err))
		return msgSystemError()
	}
	sess.slot = chosen
	sess.lastActiveAt = s.now()
	s.mu.Unlock()

	s.deps.Queue.Add(userID)
	return msgAskName(chosen)
}

// Input consumes a free-text message for the user's session. The
// second return is false when no session wants the text, in which case
// the caller treats it as ordinary chat.
func (s *Service) Input(ctx context.Context, userID int64, text string) (tgui.Message, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return tgui.Message{}, false
	}
	state := sess.state
	s.mu.Unlock()

	switch state {
	case StateAskingName:
		return s.nameInput(sess, text), true
	case StateAskingEmail:
		return s.emailInput(sess, text), true
	default:
		return msgUseButtons(), true
	}
}

func (s *Service) nameInput(sess *session, text string) tgui.Message {
	name := strings.TrimSpace(text)
	if msg, ok := checkName(name); !ok {
		return msg
	}
	s.mu.Lock()
	if sess.finalized {
		s.mu.Unlock()
		return msgSessionGone()
	}
	if err := sess.transition(StateAskingEmail); err != nil {
		s.mu.Unlock()
		return msgSessionGone()
	}
	sess.name = name
	sess.lastActiveAt = s.now()
	s.mu.Unlock()

	s.deps.Queue.Add(sess.userID)
	return msgAskEmail(name)
}

func (s *Service) emailInput(sess *session, text string) tgui.Message {
	email := strings.ToLower(strings.TrimSpace(text))
	if !validEmail(email) {
		return msgEmailInvalid()
	}
	s.mu.Lock()
	if sess.finalized {
		s.mu.Unlock()
		return msgSessionGone()
	}
	if err := sess.transition(StateConfirming); err != nil {
		s.mu.Unlock()
		return msgSessionGone()
	}
	sess.email = email
	sess.lastActiveAt = s.now()
	data := sess.data()
	s.mu.Unlock()

	s.deps.Queue.Add(sess.userID)
	return msgConfirmSummary(data)
}

// checkName applies the document-name rules: at least first and last
// name, and long enough to be plausible.
func checkName(name string) (tgui.Message, bool) {
	if len(strings.Fields(name)) < 2 {
		return msgNameNeedsTwoParts(), false
	}
	if len(name) < 4 {
		return msgNameTooShort(), false
	}
	return tgui.Message{}, true
}

// validEmail accepts a bare address with a dotted domain, the shape the
// booking frontend itself accepts.
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// Confirm runs the external transaction: reserve, update, preconfirm,
// strictly in that order, each step using the credentials the previous
// one produced. The session is marked in flight so nothing else
// touches it while the calls run outside the lock.
func (s *Service) Confirm(ctx context.Context, userID int64) tgui.Message {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return msgSessionGone()
	}
	if sess.state != StateConfirming {
		s.mu.Unlock()
		return msgUseButtons()
	}
	if sess.inFlight {
		s.mu.Unlock()
		return msgAlreadyProcessing()
	}
	sess.inFlight = true
	sess.lastActiveAt = s.now()
	data := sess.data()
	policy := s.cfg.ConflictPolicy
	s.mu.Unlock()

	s.deps.Queue.Add(userID)
	return s.executeBooking(ctx, sess, data, policy)
}

func (s *Service) executeBooking(ctx context.Context, sess *session, data sessionData, policy string) tgui.Message {
	token, err := s.deps.Tokens.EnsureFresh(ctx)
	if err != nil {
		s.finalize(ctx, sess, StateFailed, StageSession, OutcomeError, "token: "+err.Error())
		return msgSystemError()
	}

	res, err := s.deps.API.Reserve(ctx, muenchen.ReserveRequest{
		Timestamp: data.slot.Unix(),
		OfficeID:  data.officeID,
		ServiceID: data.serviceID,
		Token:     token,
	})
	if err != nil {
		switch {
		case errors.Is(err, muenchen.ErrSlotTaken):
			if policy == ConflictReselect {
				return s.reselect(ctx, sess, data, token)
			}
			s.finalize(ctx, sess, StateFailed, StageReserve, OutcomeConflict, err.Error())
			return msgSlotTaken()
		case errors.Is(err, muenchen.ErrTokenRejected):
			s.deps.Tokens.Invalidate()
			s.finalize(ctx, sess, StateFailed, StageReserve, OutcomeError, err.Error())
			return msgSystemError()
		default:
			s.finalize(ctx, sess, StateFailed, StageReserve, OutcomeError, err.Error())
			return msgSystemError()
		}
	}

	s.mu.Lock()
	sess.reservation = &res
	s.mu.Unlock()
	s.log.Info("slot reserved",
		logx.Int64("user_id", data.userID),
		logx.Int64("process_id", res.ProcessID),
		logx.Time("slot", data.slot))

	appt := muenchen.Appointment{
		ProcessID:   res.ProcessID,
		AuthKey:     res.AuthKey,
		Timestamp:   res.Timestamp,
		FamilyName:  data.name,
		Email:       data.email,
		OfficeID:    data.officeID,
		ServiceID:   data.serviceID,
		ServiceName: s.serviceName(data.serviceID),
		Scope:       res.Scope,
	}
	if err := s.deps.API.Update(ctx, appt); err != nil {
		s.finalize(ctx, sess, StateFailed, StageUpdate, OutcomeError, err.Error())
		return msgSystemError()
	}
	if err := s.deps.API.Preconfirm(ctx, appt); err != nil {
		s.finalize(ctx, sess, StateFailed, StagePreconfirm, OutcomeError, err.Error())
		return msgSystemError()
	}

	s.finalize(ctx, sess, StateCompleted, StagePreconfirm, OutcomeOK, fmt.Sprintf("process %d", res.ProcessID))
	return msgBookingSuccess(res.ProcessID, data)
}

// reselect is the alternative conflict ending: instead of failing the
// session, refresh the day's slots and drop back to selection.
func (s *Service) reselect(ctx context.Context, sess *session, data sessionData, token string) tgui.Message {
	slots, err := s.deps.API.AvailableSlots(ctx, data.date, data.officeID, data.serviceID, token)
	if err != nil || len(slots) == 0 {
		s.finalize(ctx, sess, StateFailed, StageReserve, OutcomeConflict, "reselect: no slots left")
		return msgSlotTaken()
	}

	s.mu.Lock()
	if sess.finalized {
		s.mu.Unlock()
		return msgSessionGone()
	}
	if err := sess.transition(StateSelectingTime); err != nil {
		s.mu.Unlock()
		return msgSessionGone()
	}
	sess.inFlight = false
	sess.slots = slots
	sess.slot = time.Time{}
	sess.reservation = nil
	sess.lastActiveAt = s.now()
	s.mu.Unlock()

	s.log.Info("slot conflict, reoffering times",
		logx.Int64("user_id", data.userID),
		logx.String("date", data.date),
		logx.Int("slots", len(slots)))
	return msgReselectTime(data.date, slots)
}

// Cancel ends the session at the user's request. Refused while the
// transaction is in flight; at that point the outcome is whatever the
// external service decides.
func (s *Service) Cancel(ctx context.Context, userID int64) (tgui.Message, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return msgNoBooking(), false
	}
	if sess.inFlight {
		s.mu.Unlock()
		return msgAlreadyProcessing(), false
	}
	s.mu.Unlock()

	s.finalize(ctx, sess, StateCancelled, StageSession, OutcomeCancelled, "cancelled by user")
	return msgCancelled(), true
}

// Interrupt cancels the session because an unrelated command took
// over. Reports whether anything was actually interrupted.
func (s *Service) Interrupt(ctx context.Context, userID int64) bool {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok || sess.inFlight {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.finalize(ctx, sess, StateCancelled, StageSession, OutcomeCancelled, "interrupted by command")
	return true
}

// SweepExpired fails sessions idle past the timeout and tells their
// users. In-flight sessions are left alone. Returns how many expired.
func (s *Service) SweepExpired(ctx context.Context) int {
	timeout := s.Timeout()
	now := s.now()

	s.mu.Lock()
	var expired []*session
	for _, sess := range s.sessions {
		if sess.inFlight {
			continue
		}
		if now.Sub(sess.lastActiveAt) >= timeout {
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		chatID := sess.chatID
		s.finalize(ctx, sess, StateFailed, StageSession, OutcomeTimeout, "inactivity timeout")
		if s.deps.Notify != nil {
			msg := msgSessionExpired(timeout)
			err := s.deps.Notify.Notify(ctx, kit.Notification{
				Kind:    kit.NoticeBooking,
				Target:  kit.ChatTarget{ChatID: chatID},
				Text:    msg.Text,
				Options: msg.Opt,
			})
			if err != nil {
				s.log.Debug("timeout notice not delivered", logx.Int64("chat_id", chatID), logx.Err(err))
			}
		}
	}
	return len(expired)
}

// finalize moves the session to a terminal state and runs the exit
// hooks exactly once: suppression release, audit row, event, log. Safe
// to call from any path; later calls are no-ops.
func (s *Service) finalize(ctx context.Context, sess *session, to State, stage, outcome, detail string) {
	s.mu.Lock()
	if sess.finalized {
		s.mu.Unlock()
		return
	}
	if err := sess.transition(to); err != nil {
		s.mu.Unlock()
		s.log.Error("terminal transition rejected", logx.Err(err))
		return
	}
	sess.finalized = true
	sess.reservation = nil
	delete(s.sessions, sess.userID)
	entry := storage.BookingAuditEntry{
		At:        s.now(),
		UserID:    sess.userID,
		ServiceID: sess.serviceID,
		OfficeID:  sess.officeID,
		SlotAt:    sess.slot,
		Stage:     stage,
		Outcome:   outcome,
		Detail:    detail,
	}
	ev := SessionEvent{
		UserID:    sess.userID,
		ServiceID: sess.serviceID,
		OfficeID:  sess.officeID,
		Date:      sess.date,
		State:     string(to),
		Stage:     stage,
		Outcome:   outcome,
		Detail:    detail,
	}
	s.mu.Unlock()

	s.deps.Queue.Remove(entry.UserID)
	if s.deps.Store != nil {
		// The triggering context may already be gone (shutdown,
		// expired update); the audit row should survive that.
		actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.deps.Store.AppendBookingAudit(actx, entry); err != nil {
			s.log.Warn("booking audit write failed", logx.Err(err))
		}
		cancel()
	}
	s.publish("booking.finished", ev)
	s.log.Info("booking session closed",
		logx.Int64("user_id", entry.UserID),
		logx.String("state", string(to)),
		logx.String("stage", stage),
		logx.String("outcome", outcome))
}

func (s *Service) serviceName(id int64) string {
	if s.deps.Names == nil {
		return fmt.Sprintf("Service %d", id)
	}
	return s.deps.Names.ServiceName(id)
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
