// Package state implements the hierarchical agent state machine of
// spec §4.8: a forest of states per agent (bounded nesting depth), guarded
// switching with enter/exit hooks, shallow/deep history, and time-limited
// states wired through an injected Scheduler (normally the agent's own
// timer + event-queue plumbing, so the eventual switch still runs with
// single-writer discipline).
package state

import (
	"fmt"
	"time"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/subscription"
)

// MaxNestingDepth bounds how deep a state forest may nest (spec §3).
const MaxNestingDepth = 16

// History selects how a composite state restores its last-active
// descendant when re-entered.
type History int

const (
	HistoryNone History = iota
	HistoryShallow
	HistoryDeep
)

// Scheduler lets a Machine arm a time-limited state transition without
// knowing anything about timers; the agent package supplies a
// time.AfterFunc-backed default and package env one backed by package
// timer, both delivering the expiry through the agent's own queue so the
// eventual SwitchTo still executes there. st is the
// state being entered that owns the time limit — the Scheduler must key
// any subscription it installs off st (not off the machine's current
// state, which is only updated once the whole enter path has finished
// running).
type Scheduler interface {
	Arm(st *State, d time.Duration, fire func()) (cancel func())
}

// State is one node of an agent's state forest.
type State struct {
	id       string
	name     string
	parent   *State
	children []*State
	depth    int

	onEnter func()
	onExit  func()

	history History
	lastActiveChild *State

	timeLimitDelta  time.Duration
	timeLimitTarget *State
	hasTimeLimit    bool
}

var idSeq int

func nextID(name string) string {
	idSeq++
	return fmt.Sprintf("%s#%d", name, idSeq)
}

// NewRoot creates the root state of a fresh forest.
func NewRoot(name string) *State {
	return &State{id: nextID(name), name: name, depth: 0}
}

// NewChild creates a child of parent, failing if nesting would exceed
// MaxNestingDepth.
func NewChild(parent *State, name string) (*State, error) {
	if parent.depth+1 >= MaxNestingDepth {
		return nil, errs.New(errs.RcStateNestingIsTooDeep, name)
	}
	s := &State{id: nextID(name), name: name, parent: parent, depth: parent.depth + 1}
	parent.children = append(parent.children, s)
	return s, nil
}

func (s *State) ID() subscription.StateID { return subscription.StateID(s.id) }
func (s *State) Name() string             { return s.name }
func (s *State) Parent() *State           { return s.parent }
func (s *State) Depth() int               { return s.depth }

// OnEnter/OnExit register the hooks run when the state is entered/left.
func (s *State) OnEnter(fn func()) *State { s.onEnter = fn; return s }
func (s *State) OnExit(fn func()) *State  { s.onExit = fn; return s }

// WithHistory marks the state as restoring history on re-entry.
func (s *State) WithHistory(kind History) *State { s.history = kind; return s }

// TimeLimit arms a default time-limit: entering this state schedules a
// switch to target after delta unless the agent leaves the state first.
// Multiple calls overwrite the armed target/delta (spec §4.8: "multiple
// time_limit arms ... are supported").
func (s *State) TimeLimit(delta time.Duration, target *State) *State {
	s.timeLimitDelta = delta
	s.timeLimitTarget = target
	s.hasTimeLimit = true
	return s
}

// DropTimeLimit disarms a previously-configured time limit. Idempotent:
// calling it on a state that was never armed is a no-op (SPEC_FULL.md Open
// Question decision).
func (s *State) DropTimeLimit() *State {
	s.hasTimeLimit = false
	s.timeLimitTarget = nil
	return s
}

func (s *State) pathToRoot() []*State {
	path := make([]*State, 0, s.depth+1)
	for cur := s; cur != nil; cur = cur.parent {
		path = append(path, cur)
	}
	return path // leaf -> root
}

func commonAncestor(a, b *State) *State {
	ap := a.pathToRoot()
	seen := make(map[*State]bool, len(ap))
	for _, s := range ap {
		seen[s] = true
	}
	for cur := b; cur != nil; cur = cur.parent {
		if seen[cur] {
			return cur
		}
	}
	return nil
}

// Machine drives state switches for a single agent.
type Machine struct {
	root      *State
	current   *State
	switching bool
	scheduler Scheduler
	armed     map[*State]func() // live cancel funcs for currently-armed time limits
	deactivated bool
	deactivatedState *State
}

// NewMachine builds a Machine rooted at root, starting in root itself.
func NewMachine(root *State, scheduler Scheduler) *Machine {
	return &Machine{root: root, current: root, scheduler: scheduler, armed: make(map[*State]func())}
}

// Current returns the active leaf state.
func (m *Machine) Current() *State { return m.current }

// SetScheduler installs (or replaces) the Scheduler used to arm
// time-limited states. Agents without an explicit timer-backed scheduler
// get a simple time.AfterFunc-based default; package env upgrades it once a
// real timer.Service is available.
func (m *Machine) SetScheduler(s Scheduler) { m.scheduler = s }

// HasScheduler reports whether a Scheduler has been installed.
func (m *Machine) HasScheduler() bool { return m.scheduler != nil }

// ActivePath returns the chain of ancestors from the current leaf to the
// root, as subscription.StateID values, for handler lookup (spec §4.3).
func (m *Machine) ActivePath() []subscription.StateID {
	if m.current == nil {
		return nil
	}
	path := m.current.pathToRoot()
	out := make([]subscription.StateID, len(path))
	for i, s := range path {
		out[i] = s.ID()
	}
	return out
}

// Deactivate puts the agent into a permanent terminal sub-state
// (so_deactivate_agent, spec §4.8): further switches are rejected and
// IsDeactivated reports true.
func (m *Machine) Deactivate() {
	if m.deactivated {
		return
	}
	m.deactivated = true
	deadState, _ := NewChild(m.root, "__deactivated__")
	m.deactivatedState = deadState
	for st, cancel := range m.armed {
		cancel()
		delete(m.armed, st)
	}
	m.current = deadState
}

func (m *Machine) IsDeactivated() bool { return m.deactivated }

// SwitchTo transitions from the current leaf to target, running on_exit
// for ancestors being left and on_enter for ancestors newly entered,
// honoring history on any composite state that defines it. Returns
// RcAnotherStateSwitchInProgress if called reentrantly (spec §4.8), and is
// a deactivated no-op once Deactivate has been called.
func (m *Machine) SwitchTo(target *State) error {
	if m.deactivated {
		return nil
	}
	if m.switching {
		return errs.New(errs.RcAnotherStateSwitchInProgress, target.name)
	}
	m.switching = true
	defer func() { m.switching = false }()

	target = m.resolveHistory(target)

	ancestor := commonAncestor(m.current, target)

	// Exit path: current leaf up to (excluding) ancestor, leaf-first.
	for cur := m.current; cur != ancestor; cur = cur.parent {
		if cur.parent != nil && cur.parent.history != HistoryNone {
			cur.parent.lastActiveChild = cur
		}
		if cancel, ok := m.armed[cur]; ok {
			cancel()
			delete(m.armed, cur)
		}
		if cur.onExit != nil {
			cur.onExit()
		}
	}

	// Enter path: ancestor down to target, root-first (excluding ancestor).
	enterPath := make([]*State, 0, target.depth-ancestorDepth(ancestor)+1)
	for cur := target; cur != ancestor; cur = cur.parent {
		enterPath = append(enterPath, cur)
	}
	for i := len(enterPath) - 1; i >= 0; i-- {
		st := enterPath[i]
		if st.onEnter != nil {
			st.onEnter()
		}
		if st.hasTimeLimit && m.scheduler != nil {
			limitTarget := st.timeLimitTarget
			cancel := m.scheduler.Arm(st, st.timeLimitDelta, func() {
				_ = m.SwitchTo(limitTarget)
			})
			m.armed[st] = cancel
		}
	}

	m.current = target
	return nil
}

func ancestorDepth(s *State) int {
	if s == nil {
		return -1
	}
	return s.depth
}

// resolveHistory follows a composite state's history marker to its
// last-active descendant, recursively for HistoryDeep. A last-active child
// is recorded only for states that carry a history marker, so a deep
// descent stops at the first restored child whose own history is
// HistoryNone; it does not reach further down through such a child.
func (m *Machine) resolveHistory(target *State) *State {
	if target.history == HistoryNone || target.lastActiveChild == nil {
		return target
	}
	child := target.lastActiveChild
	if target.history == HistoryDeep {
		return m.resolveHistory(child)
	}
	return child
}
