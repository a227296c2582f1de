// Package subscription implements the per-agent subscription store of
// spec §4.3: a structure indexed first by (mailbox_id, msg_type), then by
// state, with leaf-to-root handler lookup at dispatch time and dead-letter
// fallback.
package subscription

import (
	"sync"

	"github.com/coopkit/coopkit/message"
)

// Key identifies a (mailbox, message type) pair.
type Key struct {
	MailboxID string
	MsgType   message.Type
}

// StateID is the stable identifier of a state node on an agent's state
// forest (package agent/state assigns these; kept as a plain string here
// so this package never has to import agent/state).
type StateID string

// Handler is a resolved event handler. ThreadSafe mirrors spec §4.4's
// per-subscription flag consulted by adv_thread_pool.
type Handler struct {
	Fn         func(payload any) error
	ThreadSafe bool
}

type perState map[StateID]Handler

// Store is a per-agent subscription table. It is NOT safe for concurrent
// mutation from more than one context at once by design (spec §3: "may be
// dropped at any time from the agent's own context only"); callers
// serialize through the agent's own event-queue discipline. Reads
// (dispatch-time lookup) take the read lock so a thread-safe handler
// running concurrently with the agent's own thread can still look itself
// up without racing a concurrent structural mutation, which is instead
// rejected per spec §4.4.
type Store struct {
	mu          sync.RWMutex
	byKey       map[Key]perState
	deadLetters map[Key]Handler
	locked      bool // never set or read; mutation rejection lives in package agent
}

func NewStore() *Store {
	return &Store{
		byKey:       make(map[Key]perState),
		deadLetters: make(map[Key]Handler),
	}
}

// Lock/Unlock take and release the store's write lock. Nothing in this
// module calls them; the RcMutationFromThreadSafeHandler rejection of
// spec §4.4 is made by package agent before it mutates the store.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// SubscribeWithState installs handler for (mboxID, msgType, state),
// overwriting any existing entry for that exact key (spec §4.3: "no two
// subscriptions with identical key may coexist" — a re-subscribe replaces
// rather than stacking).
func (s *Store) SubscribeWithState(mboxID string, msgType message.Type, state StateID, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{mboxID, msgType}
	ps, ok := s.byKey[key]
	if !ok {
		ps = make(perState)
		s.byKey[key] = ps
	}
	ps[state] = h
}

// DropSubscription removes the handler installed for (mboxID, msgType, state).
func (s *Store) DropSubscription(mboxID string, msgType message.Type, state StateID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{mboxID, msgType}
	if ps, ok := s.byKey[key]; ok {
		delete(ps, state)
		if len(ps) == 0 {
			delete(s.byKey, key)
		}
	}
}

// HasSubscription reports whether any state has a handler for (mboxID, msgType).
func (s *Store) HasSubscription(mboxID string, msgType message.Type) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.byKey[Key{mboxID, msgType}]
	return ok && len(ps) > 0
}

// HasSubscriptionInState reports whether state specifically has a handler
// for (mboxID, msgType).
func (s *Store) HasSubscriptionInState(mboxID string, msgType message.Type, state StateID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.byKey[Key{mboxID, msgType}]
	if !ok {
		return false
	}
	_, ok = ps[state]
	return ok
}

// DropAllForState removes every handler installed for state across all
// (mailbox, type) keys — used when a state is permanently exited or the
// agent deactivates.
func (s *Store) DropAllForState(state StateID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ps := range s.byKey {
		delete(ps, state)
		if len(ps) == 0 {
			delete(s.byKey, key)
		}
	}
}

// DropAllForMailbox removes every subscription referencing mboxID —
// used when a cooperation deregisters and its mailboxes are torn down.
func (s *Store) DropAllForMailbox(mboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.byKey {
		if key.MailboxID == mboxID {
			delete(s.byKey, key)
		}
	}
}

// SetDeadLetter installs the dead-letter handler used when no active
// state provides a handler for (mboxID, msgType).
func (s *Store) SetDeadLetter(mboxID string, msgType message.Type, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[Key{mboxID, msgType}] = h
}

// Lookup walks activePath (leaf to root) and returns the first handler
// found for (mboxID, msgType); failing that, the dead-letter handler for
// the key, if any.
func (s *Store) Lookup(mboxID string, msgType message.Type, activePath []StateID) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := Key{mboxID, msgType}
	ps, ok := s.byKey[key]
	if ok {
		for _, st := range activePath {
			if h, ok := ps[st]; ok {
				return h, true
			}
		}
	}
	if h, ok := s.deadLetters[key]; ok {
		return h, true
	}
	return Handler{}, false
}

// DropAll clears the store, used when an agent deactivates permanently.
func (s *Store) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[Key]perState)
	s.deadLetters = make(map[Key]Handler)
}
