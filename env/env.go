// Package env implements the environment & cooperation substrate of spec
// §4.11 and §6: Launch(initFn, paramsTuner) bootstraps a mailbox
// repository, a timer service, a root cooperation, and a default
// dispatcher, then hands control to initFn; Options configures all of it
// the way so_5::launch's params_tuner callback does.
package env

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coopkit/coopkit/coop"
	"github.com/coopkit/coopkit/disp"
	"github.com/coopkit/coopkit/disp/onethread"
	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/timer"
	timerheap "github.com/coopkit/coopkit/timer/heap"
)

// Options configures an Environment before it starts (spec §6). Use a
// ParamsTuner to override any field's default.
type Options struct {
	Namespace            string
	MailboxCacheCapacity int
	DefaultBinder        disp.Binder
	TimerEngine          timer.Engine
	Autoshutdown         bool
	Logger               *slog.Logger
}

// ParamsTuner customizes Options before an Environment is built.
type ParamsTuner func(*Options)

func defaultOptions() Options {
	return Options{
		MailboxCacheCapacity: 4096,
		DefaultBinder:        onethread.New("default", 0),
		TimerEngine:          timerheap.New(),
		Logger:               slog.Default(),
	}
}

// Environment is the running substrate every agent/cooperation is created
// against.
type Environment struct {
	opts Options

	repo  *mbox.Repository
	timer *timer.Service
	root  *coop.Coop

	mu         sync.Mutex
	stopGuards []string
	stopping   atomic.Bool
	stopped    atomic.Bool
	onStop     chan struct{}
}

// New builds an Environment directly (most callers use Launch instead,
// which also runs initFn and blocks until the environment stops; a panic
// in initFn is not recovered).
func New(tuner ParamsTuner) *Environment {
	opts := defaultOptions()
	if tuner != nil {
		tuner(&opts)
	}
	e := &Environment{
		opts:   opts,
		repo:   mbox.NewRepository(opts.Namespace, opts.MailboxCacheCapacity),
		timer:  timer.NewService(opts.TimerEngine),
		onStop: make(chan struct{}),
	}
	e.root = coop.New("__root__", nil)
	e.root.SetStoppingChecker(e)
	return e
}

// Launch builds an Environment per tuner, calls initFn(env), and blocks
// until the environment stops via Stop or an abort reaction. Options.Autoshutdown
// is not consulted: the environment never stops on its own when the root
// cooperation's usage count and children drain to zero.
func Launch(initFn func(*Environment) error, tuner ParamsTuner) error {
	e := New(tuner)
	if err := initFn(e); err != nil {
		e.opts.Logger.Error("environment init failed", "err", err)
		return err
	}
	<-e.onStop
	return nil
}

// Done returns a channel closed once the environment has fully stopped.
func (e *Environment) Done() <-chan struct{} { return e.onStop }

func (e *Environment) Repository() *mbox.Repository { return e.repo }
func (e *Environment) Timer() *timer.Service         { return e.timer }
func (e *Environment) RootCoop() *coop.Coop          { return e.root }
func (e *Environment) DefaultBinder() disp.Binder    { return e.opts.DefaultBinder }
func (e *Environment) Logger() *slog.Logger          { return e.opts.Logger }

// Stopping reports whether Stop/forceStop has begun, implementing
// coop.StoppingChecker so a cooperation rooted at this environment refuses
// new registrations once shutdown starts (spec §4.11).
func (e *Environment) Stopping() bool { return e.stopping.Load() }

// CreateMPMC / CreateMPSC register a new mailbox under the environment's
// namespace, abort-wired to the environment's own abort method.
func (e *Environment) CreateMPMC(name string, pin bool) *mbox.MPMC {
	mb := mbox.NewMPMC(name, e.repo, e.abort)
	e.repo.Register(name, mb, pin)
	return mb
}

func (e *Environment) CreateMPSC(name string, owner mbox.Subscriber, pin bool) *mbox.MPSC {
	mb := mbox.NewMPSC(name, owner, e.repo, e.abort)
	e.repo.Register(name, mb, pin)
	return mb
}

func (e *Environment) abort(reason string) {
	e.opts.Logger.Error("coopkit: aborting per message-rate limit overflow reaction", "reason", reason)
	e.forceStop()
}

// SetStopGuard registers a named guard that defers Stop from actually
// closing the environment until ReleaseStopGuard is called for every
// outstanding name. Fails with RcCannotSetStopGuardWhenStopIsStarted once
// Stop has already been requested (spec §4.11).
func (e *Environment) SetStopGuard(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping.Load() {
		return errs.New(errs.RcCannotSetStopGuardWhenStopIsStarted, name)
	}
	e.stopGuards = append(e.stopGuards, name)
	return nil
}

// ReleaseStopGuard removes a previously-set guard; once the last one is
// released while a stop is in progress, the environment actually stops.
func (e *Environment) ReleaseStopGuard(name string) {
	e.mu.Lock()
	for i, g := range e.stopGuards {
		if g == name {
			e.stopGuards = append(e.stopGuards[:i], e.stopGuards[i+1:]...)
			break
		}
	}
	remaining := len(e.stopGuards)
	stopping := e.stopping.Load()
	e.mu.Unlock()
	if stopping && remaining == 0 {
		e.finishStop()
	}
}

// Stop begins environment shutdown: if no stop guards are outstanding it
// finishes immediately, otherwise it waits for ReleaseStopGuard calls to
// drain them. Calling Stop twice is a no-op (mirrors RcStopAlreadyInProgress
// being swallowed rather than propagated, the non-throwing registration
// mode spec §4.11 describes).
func (e *Environment) Stop() {
	if !e.stopping.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	remaining := len(e.stopGuards)
	e.mu.Unlock()
	if remaining == 0 {
		e.finishStop()
	}
}

func (e *Environment) forceStop() {
	e.stopping.Store(true)
	e.finishStop()
}

func (e *Environment) finishStop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	_ = e.root.Deregister(true)
	e.timer.Close()
	e.opts.DefaultBinder.Shutdown()
	close(e.onStop)
}
