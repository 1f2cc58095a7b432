// Package controller holds the per-call outcome of one RPC.
//
// A Controller is written by whichever of {response handler, timeout timer,
// channel close, server handler} finishes the call first, and read from any
// goroutine. Every write swaps in a fresh immutable snapshot, so a reader never
// observes a half-applied outcome (e.g. failed without its message).
//
//	Idle ──Start──► InFlight ──┬──► CompletedOk
//	                           ├──► CompletedFailed
//	                           └──► Canceled
//
// The three terminal phases absorb every later write.
package controller

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"protorpc/message"
)

// Signal is a failure raised on the client side, without any server involvement.
type Signal int

const (
	SignalNone            Signal = iota
	SignalTimeout                // The call's timeout elapsed before a response arrived
	SignalChannelClosed          // The channel was closed or lost its connection
	SignalInvalidResponse        // The response payload was absent or did not decode
)

var _signalToString = map[Signal]string{
	SignalNone:            "none",
	SignalTimeout:         "timeout",
	SignalChannelClosed:   "channel-closed",
	SignalInvalidResponse: "invalid-response",
}

func (s Signal) String() string {
	if name, ok := _signalToString[s]; ok {
		return name
	}
	return fmt.Sprintf("Signal(%d)", int(s))
}

// defaultMessage is used when a signal is raised without explicit detail.
func (s Signal) defaultMessage() string {
	switch s {
	case SignalTimeout:
		return "request timed out"
	case SignalChannelClosed:
		return "channel closed"
	case SignalInvalidResponse:
		return "invalid response from server"
	}
	return ""
}

// Phase is the position of a call in its lifecycle.
type Phase int32

const (
	Idle Phase = iota
	InFlight
	CompletedOk
	CompletedFailed
	Canceled
)

var _phaseToString = map[Phase]string{
	Idle:            "idle",
	InFlight:        "in-flight",
	CompletedOk:     "completed-ok",
	CompletedFailed: "completed-failed",
	Canceled:        "canceled",
}

func (p Phase) String() string {
	if name, ok := _phaseToString[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p >= CompletedOk
}

// state is never mutated once published.
type state struct {
	phase        Phase
	failed       bool
	canceled     bool
	errorMessage string
	errorCode    *message.ErrorCode
	signal       Signal
	listeners    []func()
}

var _idle = &state{phase: Idle}

// Controller is safe for concurrent use. The zero value is an Idle controller
// that never times out.
type Controller struct {
	timeout atomic.Duration
	state   atomic.Pointer[state]
}

// New returns an Idle controller that never times out.
func New() *Controller {
	return &Controller{}
}

// NewWithTimeout returns an Idle controller whose call times out after d.
func NewWithTimeout(d time.Duration) *Controller {
	c := &Controller{}
	c.SetTimeout(d)
	return c
}

// Timeout returns the call timeout; 0 means the call never times out.
func (c *Controller) Timeout() time.Duration {
	return c.timeout.Load()
}

// SetTimeout sets the call timeout. Negative values are treated as 0.
// It only has an effect before the call is handed to a channel.
func (c *Controller) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.timeout.Store(d)
}

func (c *Controller) load() *state {
	if s := c.state.Load(); s != nil {
		return s
	}
	return _idle
}

// update applies fn to the current snapshot and publishes the result with a
// compare-and-swap, retrying on contention. fn returns false to leave the
// state untouched. The snapshot fn was applied to is returned.
func (c *Controller) update(fn func(s state) (state, bool)) (*state, bool) {
	for {
		raw := c.state.Load()
		cur := raw
		if cur == nil {
			cur = _idle
		}
		next, ok := fn(*cur)
		if !ok {
			return cur, false
		}
		if c.state.CompareAndSwap(raw, &next) {
			return cur, true
		}
	}
}

// Start moves an Idle controller to InFlight. It returns false if the
// controller was already used for a call.
func (c *Controller) Start() bool {
	_, ok := c.update(func(s state) (state, bool) {
		if s.phase != Idle {
			return s, false
		}
		s.phase = InFlight
		return s, true
	})
	return ok
}

// SetFailed marks the call failed with an application-level reason.
// Server handlers use it to report RPC_FAILED. It returns false if the call
// had already reached a terminal phase.
func (c *Controller) SetFailed(message string) bool {
	return c.fail(SignalNone, message)
}

// Fail marks the call failed because of a client-side signal. An empty
// message is replaced with a description of the signal.
func (c *Controller) Fail(signal Signal, message string) bool {
	if message == "" {
		message = signal.defaultMessage()
	}
	return c.fail(signal, message)
}

func (c *Controller) fail(signal Signal, message string) bool {
	_, ok := c.update(func(s state) (state, bool) {
		if s.phase.Terminal() {
			return s, false
		}
		s.phase = CompletedFailed
		s.failed = true
		s.errorMessage = message
		s.signal = signal
		s.listeners = nil
		return s, true
	})
	return ok
}

// Cancel marks the call failed and canceled in one step and runs the cancel
// listeners registered so far, exactly once. It returns false if the call had
// already reached a terminal phase.
func (c *Controller) Cancel(signal Signal) bool {
	prev, ok := c.update(func(s state) (state, bool) {
		if s.phase.Terminal() {
			return s, false
		}
		s.phase = Canceled
		s.failed = true
		s.canceled = true
		s.signal = signal
		s.errorMessage = signal.defaultMessage()
		s.listeners = nil
		return s, true
	})
	if ok {
		fire(prev.listeners)
	}
	return ok
}

// NotifyOnCancel registers fn to run when the call is canceled. If the call
// is already canceled fn runs immediately; if it completed otherwise, fn
// never runs.
func (c *Controller) NotifyOnCancel(fn func()) {
	prev, ok := c.update(func(s state) (state, bool) {
		if s.phase.Terminal() {
			return s, false
		}
		// Force a copy: published snapshots must not share a growing backing array.
		s.listeners = append(s.listeners[:len(s.listeners):len(s.listeners)], fn)
		return s, true
	})
	if !ok && prev.canceled {
		fn()
	}
}

// ReadFrom applies the outcome reported by the server. It is called once, by
// the response handler, and returns false if the call was already terminal.
func (c *Controller) ReadFrom(resp *message.Response) bool {
	prev, ok := c.update(func(s state) (state, bool) {
		if s.phase.Terminal() {
			return s, false
		}
		s.failed = resp.HasFailed || resp.ErrorCode != nil
		s.canceled = resp.Canceled
		s.errorMessage = resp.ErrorMessage
		s.errorCode = nil
		if resp.ErrorCode != nil {
			s.errorCode = message.Code(*resp.ErrorCode)
		}
		s.signal = SignalNone
		switch {
		case s.canceled:
			s.failed = true
			s.phase = Canceled
		case s.failed:
			s.phase = CompletedFailed
		default:
			s.phase = CompletedOk
		}
		s.listeners = nil
		return s, true
	})
	if ok && resp.Canceled {
		fire(prev.listeners)
	}
	return ok
}

// WriteTo copies the failure state into a response envelope. The server uses
// it after a handler reported its outcome through the controller.
func (c *Controller) WriteTo(resp *message.Response) {
	s := c.load()
	resp.HasFailed = s.failed
	resp.Canceled = s.canceled
	resp.ErrorMessage = s.errorMessage
}

func fire(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

// IsOk reports whether the call has neither failed nor been canceled.
func (c *Controller) IsOk() bool {
	s := c.load()
	return !s.failed && !s.canceled
}

func (c *Controller) Failed() bool     { return c.load().failed }
func (c *Controller) IsCanceled() bool { return c.load().canceled }
func (c *Controller) ErrorText() string {
	return c.load().errorMessage
}
func (c *Controller) Signal() Signal { return c.load().signal }
func (c *Controller) Phase() Phase   { return c.load().phase }

// ErrorCode returns the server-reported code, or nil for a client-side failure
// or a successful call.
func (c *Controller) ErrorCode() *message.ErrorCode {
	if code := c.load().errorCode; code != nil {
		return message.Code(*code)
	}
	return nil
}

// Snapshot is a consistent copy of a controller's outcome.
type Snapshot struct {
	Phase        Phase
	Failed       bool
	Canceled     bool
	ErrorMessage string
	ErrorCode    *message.ErrorCode
	Signal       Signal
}

// Snapshot returns all outcome fields read from a single published state.
func (c *Controller) Snapshot() Snapshot {
	s := c.load()
	snap := Snapshot{
		Phase:        s.phase,
		Failed:       s.failed,
		Canceled:     s.canceled,
		ErrorMessage: s.errorMessage,
		Signal:       s.signal,
	}
	if s.errorCode != nil {
		snap.ErrorCode = message.Code(*s.errorCode)
	}
	return snap
}

func (c *Controller) String() string {
	s := c.load()
	return fmt.Sprintf("Controller[phase(%s) failed(%t) canceled(%t) signal(%s) error(%q)]",
		s.phase, s.failed, s.canceled, s.signal, s.errorMessage)
}
