// Package workstate tracks the lifecycle of asynchronous pipeline stages
// and lets dependent work wait for them.
//
// Each stage kind is RUNNING, FAILED, SUCCEEDED or absent. Agents drive the
// transitions; the coordinator only records them and wakes waiters.
package workstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("workstate: coordinator closed")

// Kind names a pipeline stage.
type Kind string

const (
	Setup          Kind = "setup"
	Download       Kind = "download"
	UploadChange   Kind = "upload-change"
	UploadAnalyzed Kind = "upload-analyzed"
	UploadError    Kind = "upload-error"
	Execute        Kind = "execute"
	TableSync      Kind = "tablesync"
	CallLogSync    Kind = "calllog"
)

// State is the lifecycle state of one kind.
type State int

const (
	Absent State = iota
	Running
	Failed
	Succeeded
)

func (s State) String() string {
	switch s {
	case Absent:
		return "ABSENT"
	case Running:
		return "RUNNING"
	case Failed:
		return "FAILED"
	case Succeeded:
		return "SUCCEEDED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultPollInterval is how often waiters re-check state when no
// transition wakes them.
const DefaultPollInterval = 250 * time.Millisecond

// AwaitOptions controls when Await returns.
type AwaitOptions struct {
	// StopOnFail returns false as soon as the kind is FAILED. Without it a
	// waiter keeps waiting for a retry to succeed.
	StopOnFail bool

	// CertainFinish declares that a failure is final: no retry will follow.
	// A failure observed with CertainFinish ends the wait and clears the state.
	CertainFinish bool

	// PollInterval overrides the coordinator default.
	PollInterval time.Duration
}

// Coordinator is the in-process state tracker. Create with New and release
// with Close.
//
// Waiters are woken by a broadcast channel that is closed and replaced on
// every transition, and also re-check at a fixed poll interval.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	mu           sync.Mutex
	states       map[Kind]State
	waiters      map[Kind]int
	changed      chan struct{}
	done         chan struct{}
	closed       bool
	pollInterval time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPollInterval sets the default waiter poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates a Coordinator with every kind absent.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		states:       make(map[Kind]State),
		waiters:      make(map[Kind]int),
		changed:      make(chan struct{}),
		done:         make(chan struct{}),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close wakes every waiter with ErrClosed. Further transitions are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Start marks kind RUNNING.
func (c *Coordinator) Start(kind Kind) { c.set(kind, Running) }

// Succeed marks kind SUCCEEDED.
func (c *Coordinator) Succeed(kind Kind) { c.set(kind, Succeeded) }

// Fail marks kind FAILED.
func (c *Coordinator) Fail(kind Kind) { c.set(kind, Failed) }

// Finish marks kind SUCCEEDED when err is nil and FAILED otherwise.
func (c *Coordinator) Finish(kind Kind, err error) {
	if err != nil {
		c.Fail(kind)
		return
	}
	c.Succeed(kind)
}

// Clear returns kind to absent.
func (c *Coordinator) Clear(kind Kind) { c.set(kind, Absent) }

// State returns the current state of kind.
func (c *Coordinator) State(kind Kind) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[kind]
}

// Snapshot returns every non-absent state.
func (c *Coordinator) Snapshot() map[Kind]State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[Kind]State, len(c.states))
	for k, s := range c.states {
		out[k] = s
	}
	return out
}

// Waiters returns how many goroutines are waiting on kind.
func (c *Coordinator) Waiters(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[kind]
}

// Await blocks until kind reaches an outcome and reports whether it
// succeeded.
//
// It returns true on SUCCEEDED, and false on FAILED when StopOnFail or
// CertainFinish is set. Otherwise it keeps waiting, including while the
// kind is absent, until ctx is done or the coordinator is closed.
//
// The state is cleared when the last registered waiter observes the
// outcome, or when a failure is observed with CertainFinish.
func (c *Coordinator) Await(ctx context.Context, kind Kind, opts AwaitOptions) (bool, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = c.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.waiters[kind]++
	c.mu.Unlock()

	registered := true
	defer func() {
		if registered {
			c.mu.Lock()
			c.unregister(kind)
			c.mu.Unlock()
		}
	}()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false, ErrClosed
		}

		state := c.states[kind]
		if finished, ok := outcome(state, opts); finished {
			registered = false
			last := c.unregister(kind)
			if last || (state == Failed && opts.CertainFinish) {
				delete(c.states, kind)
			}
			c.mu.Unlock()
			return ok, nil
		}

		wake := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.done:
		case <-wake:
		case <-ticker.C:
		}
	}
}

// outcome decides whether a waiter with opts is done at state, and if so
// whether the stage succeeded.
func outcome(state State, opts AwaitOptions) (finished, succeeded bool) {
	switch state {
	case Succeeded:
		return true, true
	case Failed:
		if opts.StopOnFail || opts.CertainFinish {
			return true, false
		}
	}
	return false, false
}

// unregister drops one waiter on kind and reports whether it was the last.
// Caller holds c.mu.
func (c *Coordinator) unregister(kind Kind) bool {
	c.waiters[kind]--
	if c.waiters[kind] <= 0 {
		delete(c.waiters, kind)
		return true
	}
	return false
}

func (c *Coordinator) set(kind Kind, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if state == Absent {
		delete(c.states, kind)
	} else {
		c.states[kind] = state
	}

	// Broadcast: wake every waiter, then arm a fresh channel.
	close(c.changed)
	c.changed = make(chan struct{})
}
