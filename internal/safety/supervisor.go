// Package safety gates all actuation behind a debounced interlock.
//
// The supervisor checks its predicates at most once per check interval. A
// failing check moves NORMAL to PENDING; if checks keep failing for the
// confirmation window the alarm is CONFIRMED and the shutdown hook runs
// once. A confirmed alarm latches: actuation stays blocked after the
// condition clears, until an operator acknowledges it.
package safety

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateNormal State = iota
	StatePending
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultCheckInterval = 1 * time.Second
	DefaultConfirmWindow = 5 * time.Second
	DefaultEventHistory  = 64
)

var ErrUnsafe = errors.New("safety: system is not safe")

// Predicate reports whether the process is within limits.
type Predicate interface {
	Check(now time.Time) (ok bool, reason string)
}

type PredicateFunc func(now time.Time) (bool, string)

func (f PredicateFunc) Check(now time.Time) (bool, string) { return f(now) }

type EventKind string

const (
	EventPending      EventKind = "pending"
	EventConfirmed    EventKind = "confirmed"
	EventCleared      EventKind = "cleared"
	EventTripped      EventKind = "tripped"
	EventAcknowledged EventKind = "acknowledged"
)

type Event struct {
	ID     uuid.UUID `json:"id"`
	Kind   EventKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type Config struct {
	CheckInterval time.Duration
	ConfirmWindow time.Duration
	EventHistory  int
}

type Snapshot struct {
	State         string    `json:"state"`
	Safe          bool      `json:"safe"`
	Latched       bool      `json:"latched"`
	Reason        string    `json:"reason,omitempty"`
	PendingSince  time.Time `json:"pending_since,omitempty"`
	LastCheckAt   time.Time `json:"last_check_at,omitempty"`
	Confirmations int       `json:"confirmations"`
	Trips         int       `json:"trips"`
	Shutdowns     int       `json:"shutdowns"`
}

// Supervisor is driven from the tick loop and is not safe for concurrent
// use.
type Supervisor struct {
	cfg       Config
	preds     []Predicate
	shutdown  func(reason string)
	notifiers []Notifier
	newID     func() uuid.UUID

	state        State
	reason       string
	pendingSince time.Time

	checked   bool
	lastCheck time.Time
	gate      bool

	latched bool
	fired   bool

	events        []Event
	confirmations int
	trips         int
	shutdowns     int
}

func New(cfg Config, preds ...Predicate) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = DefaultConfirmWindow
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = DefaultEventHistory
	}
	return &Supervisor{cfg: cfg, preds: preds, gate: true, newID: uuid.New}
}

// OnShutdown sets the emergency action run by OnUnsafe.
func (s *Supervisor) OnShutdown(fn func(reason string)) { s.shutdown = fn }

func (s *Supervisor) Subscribe(n Notifier) { s.notifiers = append(s.notifiers, n) }

// AddPredicate appends a check; all predicates must pass.
func (s *Supervisor) AddPredicate(p Predicate) { s.preds = append(s.preds, p) }

func (s *Supervisor) evaluate(now time.Time) (bool, string) {
	for _, p := range s.preds {
		if ok, reason := p.Check(now); !ok {
			return false, reason
		}
	}
	return true, ""
}

// IsSystemSafe returns the actuation gate. Predicates are evaluated only
// when a check interval has passed; in between the cached gate is returned.
// The gate stays open while an alarm is pending.
func (s *Supervisor) IsSystemSafe(now time.Time) bool {
	if s.checked && now.Sub(s.lastCheck) < s.cfg.CheckInterval {
		return s.gate
	}
	s.checked = true
	s.lastCheck = now

	ok, reason := s.evaluate(now)
	switch s.state {
	case StateNormal:
		if !ok {
			s.state = StatePending
			s.pendingSince = now
			s.reason = reason
			s.emit(EventPending, reason, now)
		}
	case StatePending:
		switch {
		case ok:
			s.state = StateNormal
			s.emit(EventCleared, s.reason, now)
			s.reason = ""
		case now.Sub(s.pendingSince) >= s.cfg.ConfirmWindow:
			s.confirm(reason, now)
		default:
			s.reason = reason
		}
	case StateConfirmed:
		if ok {
			s.state = StateNormal
			s.emit(EventCleared, s.reason, now)
		}
	}
	s.gate = s.state != StateConfirmed && !s.latched
	if s.state == StateConfirmed {
		s.OnUnsafe()
	}
	return s.gate
}

func (s *Supervisor) confirm(reason string, now time.Time) {
	s.state = StateConfirmed
	s.reason = reason
	s.latched = true
	s.fired = false
	s.confirmations++
	s.emit(EventConfirmed, reason, now)
}

// OnUnsafe runs the shutdown hook once per confirmed alarm or trip. Repeat
// calls are no-ops.
func (s *Supervisor) OnUnsafe() {
	if s.fired {
		return
	}
	s.fired = true
	s.shutdowns++
	if s.shutdown != nil {
		s.shutdown(s.reason)
	}
}

// Trip latches an alarm without waiting for the confirmation window, for an
// operator or upstream emergency stop.
func (s *Supervisor) Trip(now time.Time, reason string) {
	if s.state == StateConfirmed && s.fired {
		return
	}
	s.state = StateConfirmed
	s.reason = reason
	s.latched = true
	s.fired = false
	s.gate = false
	s.trips++
	s.emit(EventTripped, reason, now)
	s.OnUnsafe()
}

// Acknowledge re-checks the predicates and, if they pass, releases the
// latch. It fails with ErrUnsafe while any predicate fails.
func (s *Supervisor) Acknowledge(now time.Time) error {
	ok, reason := s.evaluate(now)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsafe, reason)
	}
	wasLatched := s.latched || s.state != StateNormal
	s.state = StateNormal
	s.reason = ""
	s.latched = false
	s.fired = false
	s.gate = true
	s.checked = true
	s.lastCheck = now
	if wasLatched {
		s.emit(EventAcknowledged, "", now)
	}
	return nil
}

func (s *Supervisor) State() State { return s.state }

func (s *Supervisor) Latched() bool { return s.latched }

func (s *Supervisor) emit(kind EventKind, reason string, now time.Time) {
	ev := Event{ID: s.newID(), Kind: kind, Reason: reason, At: now}
	if len(s.events) == s.cfg.EventHistory {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, ev)
	for _, n := range s.notifiers {
		n.Notify(ev)
	}
}

// Events returns the retained events, oldest first.
func (s *Supervisor) Events() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Supervisor) Snapshot() Snapshot {
	return Snapshot{
		State:         s.state.String(),
		Safe:          s.gate,
		Latched:       s.latched,
		Reason:        s.reason,
		PendingSince:  s.pendingSince,
		LastCheckAt:   s.lastCheck,
		Confirmations: s.confirmations,
		Trips:         s.trips,
		Shutdowns:     s.shutdowns,
	}
}
