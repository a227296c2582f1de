// Package mchain implements message chains (spec §4.10): a bounded,
// typed FIFO queue that can be drained synchronously via Receive/Select
// from any goroutine, independent of the mailbox/dispatcher machinery —
// so_5's mchain, used for request/response and fan-in patterns where a
// caller wants to block on a result rather than subscribe a handler.
package mchain

import (
	"container/list"
	"context"
	"sync"

	"github.com/coopkit/coopkit/errs"
	"github.com/coopkit/coopkit/message"
)

// OverflowPolicy selects what happens when a bounded chain is full and a
// new message arrives (spec §4.10).
type OverflowPolicy int

const (
	// OverflowWaitUntil blocks the sender until room frees up or ctx ends.
	OverflowWaitUntil OverflowPolicy = iota
	// OverflowDropNewest silently discards the incoming message.
	OverflowDropNewest
	// OverflowDropOldest evicts the chain's current head to make room.
	OverflowDropOldest
	// OverflowThrow returns an error to the sender.
	OverflowThrow
	// OverflowAbort calls Config.AbortFn with a diagnostic and discards the
	// incoming message (mirrors the mailbox ActionAbort reaction); the chain
	// itself does not exit the process, and with no AbortFn the message is
	// discarded silently.
	OverflowAbort
)

// CloseMode controls what Close does to messages still queued.
type CloseMode int

const (
	// CloseDropContent discards anything still queued.
	CloseDropContent CloseMode = iota
	// CloseRetainContent lets pending Receive/Select calls keep draining
	// what was already queued before reporting closed.
	CloseRetainContent
)

// Config configures a new Chain.
type Config struct {
	Capacity int // 0 means unbounded
	Overflow OverflowPolicy
	AbortFn  func(reason string)
}

// Chain is a bounded, typed FIFO usable independent of any agent.
type Chain struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    *list.List
	cap      int
	overflow OverflowPolicy
	abortFn  func(reason string)
	closed   bool
	retain   bool
}

// New constructs a Chain per cfg.
func New(cfg Config) *Chain {
	c := &Chain{items: list.New(), cap: cfg.Capacity, overflow: cfg.Overflow, abortFn: cfg.AbortFn}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	return c
}

func (c *Chain) full() bool { return c.cap > 0 && c.items.Len() >= c.cap }

// Send enqueues box, applying the chain's overflow policy if it is full.
// ctx is only consulted under OverflowWaitUntil.
func (c *Chain) Send(ctx context.Context, box message.Box) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errs.New(errs.RcUnknown, "send on closed mchain")
	}

	if c.full() {
		switch c.overflow {
		case OverflowDropNewest:
			return nil
		case OverflowDropOldest:
			c.items.Remove(c.items.Front())
		case OverflowThrow:
			return errs.New(errs.RcUnknown, "mchain capacity exceeded")
		case OverflowAbort:
			if c.abortFn != nil {
				c.abortFn("mchain capacity exceeded")
			}
			return nil
		case OverflowWaitUntil:
			if ctx != nil && ctx.Done() != nil {
				stop := make(chan struct{})
				defer close(stop)
				go func() {
					select {
					case <-ctx.Done():
						c.mu.Lock()
						c.notFull.Broadcast()
						c.mu.Unlock()
					case <-stop:
					}
				}()
			}
			for c.full() && !c.closed {
				if ctx != nil && ctx.Err() != nil {
					return ctx.Err()
				}
				c.notFull.Wait()
			}
			if c.closed {
				return errs.New(errs.RcUnknown, "send on closed mchain")
			}
		}
	}

	c.items.PushBack(box)
	c.notEmpty.Signal()
	return nil
}

// Receive blocks until a message is available, the chain closes, or ctx
// ends.
func (c *Chain) Receive(ctx context.Context) (message.Box, bool) {
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.notEmpty.Broadcast()
				c.mu.Unlock()
			case <-stop:
			}
		}()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.items.Len() == 0 {
		if c.closed && !(c.retain && c.items.Len() > 0) {
			return message.Box{}, false
		}
		if ctx != nil && ctx.Err() != nil {
			return message.Box{}, false
		}
		c.notEmpty.Wait()
	}

	e := c.items.Front()
	c.items.Remove(e)
	c.notFull.Signal()
	return e.Value.(message.Box), true
}

// Predicate inspects a Box to decide if a Select case matches.
type Predicate func(box message.Box) bool

// Case is one branch of a Select: when Match accepts a box, Handle runs.
type Case struct {
	Match  Predicate
	Handle func(box message.Box) error
}

// OfType returns a Predicate matching boxes of message.TypeOf[T]().
func OfType[T any]() Predicate {
	t := message.TypeOf[T]()
	return func(box message.Box) bool { return box.Type == t }
}

// Select blocks for the next message and runs the first matching Case's
// Handle, returning its error. If no case matches, the message is
// discarded (mirrors so_5's select ignoring unhandled chain cases) and
// Select tries again. Returns false once the chain drains and closes.
func (c *Chain) Select(ctx context.Context, cases ...Case) (bool, error) {
	for {
		box, ok := c.Receive(ctx)
		if !ok {
			return false, nil
		}
		for _, cs := range cases {
			if cs.Match == nil || cs.Match(box) {
				return true, cs.Handle(box)
			}
		}
	}
}

// Close stops accepting new Sends. mode controls whether queued content is
// dropped immediately or left for in-flight Receive/Select calls to drain.
func (c *Chain) Close(mode CloseMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.retain = mode == CloseRetainContent
	if mode == CloseDropContent {
		c.items.Init()
	}
	c.notEmpty.Broadcast()
	c.notFull.Broadcast()
}

// Len reports the number of messages currently queued.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
