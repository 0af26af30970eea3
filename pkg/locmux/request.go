package locmux

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nik9play/locmux/pkg/locmux/util"
)

// RequestStatus is the lifecycle state of a Request
type RequestStatus int32

const (
	RequestPending RequestStatus = iota
	RequestActive
	RequestSucceeded
	RequestTimedOut
	RequestFailed
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestActive:
		return "active"
	case RequestSucceeded:
		return "succeeded"
	case RequestTimedOut:
		return "timed_out"
	case RequestFailed:
		return "failed"
	case RequestCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("RequestStatus(%d)", int32(s))
}

// Terminal returns true once a request is done and will never receive anything again
func (s RequestStatus) Terminal() bool {
	return s >= RequestSucceeded
}

// RequestHandler receives a request's results. fix is the zero Fix when nothing was received yet.
// Handlers run on a dedicated goroutine, one at a time, in delivery order
type RequestHandler func(fix Fix, status RequestStatus, err error)

// Request is one consumer's ask for location updates. Two requests are never equal,
// even with identical parameters: identity is the ID assigned at construction
type Request struct {
	id              uuid.UUID
	name            string
	subscription    bool
	desiredAccuracy Accuracy
	timeout         time.Duration
	distanceFilter  float64
	handler         RequestHandler

	// written on the manager's event loop, readable from anywhere
	status atomic.Int32

	// owned by the manager's event loop
	clock         clock.Clock
	deliver       func(func())
	timer         *clock.Timer
	bestFix       *Fix
	lastDelivered *Fix
}

// NewRequest creates a single request that finishes on the first fix satisfying accuracy,
// or after timeout with the best fix seen so far. A zero timeout waits indefinitely
func NewRequest(name string, accuracy Accuracy, timeout time.Duration, handler RequestHandler) *Request {
	return &Request{
		id:              uuid.New(),
		name:            name,
		desiredAccuracy: accuracy,
		timeout:         timeout,
		handler:         handler,
	}
}

// NewSubscription creates a request that never finishes on its own. It receives every fix
// satisfying accuracy that lies at least distanceFilter metres from the last one it received
func NewSubscription(name string, accuracy Accuracy, distanceFilter float64, handler RequestHandler) *Request {
	return &Request{
		id:              uuid.New(),
		name:            name,
		subscription:    true,
		desiredAccuracy: accuracy,
		distanceFilter:  distanceFilter,
		handler:         handler,
	}
}

// ID returns the request's identity
func (r *Request) ID() uuid.UUID {
	return r.id
}

// Name returns the human-readable label given at construction
func (r *Request) Name() string {
	return r.name
}

// Status returns the current lifecycle state
func (r *Request) Status() RequestStatus {
	return RequestStatus(r.status.Load())
}

// Subscription returns true for requests created with NewSubscription
func (r *Request) Subscription() bool {
	return r.subscription
}

// DesiredAccuracy returns the accuracy this request waits for
func (r *Request) DesiredAccuracy() Accuracy {
	return r.desiredAccuracy
}

// Timeout returns the request's timeout, zero if it has none
func (r *Request) Timeout() time.Duration {
	return r.timeout
}

// DistanceFilter returns the minimum movement between two fixes delivered to a subscription
func (r *Request) DistanceFilter() float64 {
	return r.distanceFilter
}

func (r *Request) String() string {
	kind := "request"
	if r.subscription {
		kind = "subscription"
	}
	return fmt.Sprintf("<%s %s %s (%s, %s)>", kind, r.name, r.id.String()[:8], r.desiredAccuracy, r.Status())
}

func (r *Request) setStatus(status RequestStatus) {
	r.status.Store(int32(status))
}

// bind attaches the clock and handler executor of the manager holding this request
func (r *Request) bind(clk clock.Clock, deliver func(func())) {
	r.clock = clk
	r.deliver = deliver
}

// reset prepares a request to run again, as if it had just been created
func (r *Request) reset() {
	r.stopTimer()
	r.bestFix = nil
	r.lastDelivered = nil
	r.setStatus(RequestPending)
}

// start arms the timeout, if any. expire is invoked from the clock's goroutine when it fires
func (r *Request) start(expire func()) {
	if r.subscription || r.timeout <= 0 || r.clock == nil {
		return
	}

	r.stopTimer()
	r.timer = r.clock.AfterFunc(r.timeout, expire)
}

// cancel finishes an unfinished request, telling its handler why
func (r *Request) cancel(reason error) bool {
	if r.Status().Terminal() {
		return false
	}

	r.finish(RequestCancelled, reason)
	return true
}

// updateFix offers a fix to an active request, possibly finishing it
func (r *Request) updateFix(fix Fix, now time.Time) {
	if r.Status() != RequestActive {
		return
	}

	if r.subscription {
		if !r.desiredAccuracy.Satisfied(fix, now) {
			return
		}

		if r.lastDelivered != nil && !util.SignificantlyMoved(
			r.lastDelivered.Latitude, r.lastDelivered.Longitude,
			fix.Latitude, fix.Longitude,
			r.distanceFilter) {
			return
		}

		delivered := fix
		r.lastDelivered = &delivered
		r.notify(fix, RequestActive, nil)
		return
	}

	if r.bestFix == nil || fix.HorizontalAccuracy <= r.bestFix.HorizontalAccuracy {
		best := fix
		r.bestFix = &best
	}

	if r.desiredAccuracy.Satisfied(fix, now) {
		best := fix
		r.bestFix = &best
		r.finish(RequestSucceeded, nil)
	}
}

// updateError forwards a tracking error. Single requests fail, subscriptions keep going
func (r *Request) updateError(err error) {
	if r.Status() != RequestActive {
		return
	}

	if r.subscription {
		r.notify(Fix{}, RequestActive, err)
		return
	}

	r.finish(RequestFailed, err)
}

// expire times the request out. Returns false if it had already finished
func (r *Request) expire() bool {
	if r.Status() != RequestActive || r.subscription {
		return false
	}

	r.finish(RequestTimedOut, ErrRequestTimedOut)
	return true
}

func (r *Request) finish(status RequestStatus, err error) {
	r.stopTimer()
	r.setStatus(status)

	var fix Fix
	if r.bestFix != nil {
		fix = *r.bestFix
	} else if r.lastDelivered != nil {
		fix = *r.lastDelivered
	}

	r.notify(fix, status, err)
}

func (r *Request) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Request) notify(fix Fix, status RequestStatus, err error) {
	if r.handler == nil {
		return
	}

	handler := r.handler
	call := func() { handler(fix, status, err) }

	if r.deliver == nil {
		call()
		return
	}

	r.deliver(call)
}
