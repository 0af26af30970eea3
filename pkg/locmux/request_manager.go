package locmux

import (
	"fmt"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// RequestManager multiplexes any number of Requests onto the single shared tracking session.
//
// All of its state is owned by one event loop goroutine. Every public method marshals onto that loop
// and waits for it, and tracker/authorizer events are consumed by the same loop, so nothing here is
// ever touched by two goroutines at once. Request handlers run elsewhere (see callbackQueue) and may
// freely call back into the manager.
//
// The loop maintains one invariant after every step: the tracking session is running if and only if
// at least one request is Active.
type RequestManager struct {
	logger     *zap.SugaredLogger
	clock      clock.Clock
	tracker    Tracker
	authorizer Authorizer
	intent     func() CapabilityIntent

	trackerEvents        <-chan TrackerEvent
	authorizationChanges <-chan AuthorizationStatus
	commandChannel       chan managerCommand

	lock        sync.Mutex
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup

	// owned by the event loop
	callbacks             *callbackQueue
	requests              []*Request
	authorizationCallback func(AuthorizationStatus)
	authorizationTier     AuthorizationTier
	tracking              bool
}

type managerCommand struct {
	fn   func()
	done chan struct{}
}

// NewRequestManager creates a RequestManager that owns the given tracker. intent is consulted every time
// permission needs to be requested, so it may follow config reloads
func NewRequestManager(
	logger *zap.SugaredLogger,
	tracker Tracker,
	authorizer Authorizer,
	intent func() CapabilityIntent,
	clk clock.Clock,
) (*RequestManager, error) {
	logger = logger.Named("requests")

	m := &RequestManager{
		logger:               logger,
		clock:                clk,
		tracker:              tracker,
		authorizer:           authorizer,
		intent:               intent,
		trackerEvents:        tracker.SubscribeToTrackerEvents(),
		authorizationChanges: authorizer.SubscribeToAuthorizationChanges(),
		commandChannel:       make(chan managerCommand),
	}

	logger.Debug("Created request manager instance")

	return m, nil
}

// Start launches the event loop. Calling it on a running manager does nothing
func (m *RequestManager) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopChannel = make(chan struct{})
	m.callbacks = newCallbackQueue(m.logger)
	m.callbacks.start()

	m.wg.Add(1)
	go m.loop(m.stopChannel)

	m.logger.Info("Request manager started")
}

// Stop stops the tracking session if it's running, then the event loop. Requests are kept, and
// handlers already queued still run before Stop returns, unless Stop is called while a handler runs:
// the remaining handlers then run after it, in the background
func (m *RequestManager) Stop() {
	m.lock.Lock()
	if !m.running {
		m.lock.Unlock()
		return
	}
	m.running = false
	close(m.stopChannel)
	m.lock.Unlock()

	m.wg.Wait()
	m.callbacks.stop()

	m.logger.Info("Request manager stopped")
}

// AddRequest registers a request. Adding a request that's already registered does nothing
func (m *RequestManager) AddRequest(request *Request) error {
	return m.do(func() { m.addRequest(request) })
}

// AddRequests registers each request in order, skipping ones already registered
func (m *RequestManager) AddRequests(requests ...*Request) error {
	return m.do(func() {
		for _, request := range requests {
			m.addRequest(request)
		}
	})
}

// RemoveRequest unregisters a request without cancelling it. Removing a request that isn't
// registered is a caller bug and fails with ErrRequestNotRegistered
func (m *RequestManager) RemoveRequest(request *Request) error {
	var err error
	if doErr := m.do(func() { err = m.removeRequest(request) }); doErr != nil {
		return doErr
	}
	return err
}

// RemoveRequests unregisters every given request that is registered. Unlike RemoveRequest,
// requests that aren't registered are skipped silently
func (m *RequestManager) RemoveRequests(requests ...*Request) error {
	return m.do(func() {
		for _, request := range requests {
			if idx := m.indexOf(request); idx >= 0 {
				m.deleteAt(idx)
			}
		}
	})
}

// RemoveAllRequests unregisters everything. Removed requests are neither cancelled nor notified
func (m *RequestManager) RemoveAllRequests() error {
	return m.do(func() {
		for _, request := range m.requests {
			request.stopTimer()
		}
		m.requests = nil
	})
}

// CancelRequest cancels a single registered request and unregisters it
func (m *RequestManager) CancelRequest(request *Request) error {
	var err error
	doErr := m.do(func() {
		if m.indexOf(request) < 0 {
			err = m.removeRequest(request)
			return
		}

		request.cancel(ErrRequestCancelled)
		err = m.removeRequest(request)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// PerformRequest registers a request, marks it Pending and runs the start decision over all requests.
// A request that already finished is reset so it can run again
func (m *RequestManager) PerformRequest(request *Request) error {
	return m.do(func() {
		m.addRequest(request)
		if request.Status().Terminal() {
			request.reset()
		}
		m.performRequests()
	})
}

// PerformRequests runs the permission/start decision over the current set of requests
func (m *RequestManager) PerformRequests() error {
	return m.do(m.performRequests)
}

// StartAllRequests moves every Pending request to Active and (re)starts the tracking session
func (m *RequestManager) StartAllRequests() error {
	return m.do(m.startAllRequests)
}

// CancelAllRequests cancels every Active request
func (m *RequestManager) CancelAllRequests() error {
	return m.do(func() { m.cancelAllRequests(ErrRequestCancelled) })
}

// RequestWhenInUseAuthorization asks the authorizer for when-in-use access. handler receives the
// resulting status. Only one permission request may be outstanding at a time: a second one fails
// with ErrAuthorizationInProgress
func (m *RequestManager) RequestWhenInUseAuthorization(handler func(AuthorizationStatus)) error {
	return m.requestAuthorizationFromCaller(TierWhenInUse, handler)
}

// RequestAlwaysAuthorization asks the authorizer for always access, see RequestWhenInUseAuthorization
func (m *RequestManager) RequestAlwaysAuthorization(handler func(AuthorizationStatus)) error {
	return m.requestAuthorizationFromCaller(TierAlways, handler)
}

// Requests returns a snapshot of the registered requests, in registration order
func (m *RequestManager) Requests() []*Request {
	var requests []*Request
	_ = m.do(func() { requests = slices.Clone(m.requests) })
	return requests
}

// TrackingActive reports whether the shared tracking session is currently running
func (m *RequestManager) TrackingActive() bool {
	var tracking bool
	_ = m.do(func() { tracking = m.tracking })
	return tracking
}

func (m *RequestManager) requestAuthorizationFromCaller(tier AuthorizationTier, handler func(AuthorizationStatus)) error {
	var err error
	doErr := m.do(func() {
		err = m.requestAuthorization(tier, func(status AuthorizationStatus) {
			if handler != nil {
				m.enqueueCallback(func() { handler(status) })
			}
		})
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// enqueueCallback hands fn to the current callback queue. Only called from the event loop
func (m *RequestManager) enqueueCallback(fn func()) {
	m.callbacks.enqueue(fn)
}

// do runs fn on the event loop, followed by reconciliation, and waits for both
func (m *RequestManager) do(fn func()) error {
	m.lock.Lock()
	running := m.running
	stopChannel := m.stopChannel
	m.lock.Unlock()

	if !running {
		return ErrManagerStopped
	}

	done := make(chan struct{})
	select {
	case m.commandChannel <- managerCommand{fn: fn, done: done}:
	case <-stopChannel:
		return ErrManagerStopped
	}

	// once accepted, a command always runs to completion
	<-done
	return nil
}

// post runs fn on the event loop without waiting for it
func (m *RequestManager) post(fn func()) {
	m.lock.Lock()
	stopChannel := m.stopChannel
	m.lock.Unlock()

	select {
	case m.commandChannel <- managerCommand{fn: fn}:
	case <-stopChannel:
	}
}

func (m *RequestManager) loop(stopChannel chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case command := <-m.commandChannel:
			command.fn()
			m.reconcile()
			if command.done != nil {
				close(command.done)
			}

		case event, ok := <-m.trackerEvents:
			if !ok {
				m.logger.Warn("Tracker event channel closed")
				m.trackerEvents = nil
				continue
			}
			m.handleTrackerEvent(event)
			m.reconcile()

		case status, ok := <-m.authorizationChanges:
			if !ok {
				m.logger.Warn("Authorization change channel closed")
				m.authorizationChanges = nil
				continue
			}
			m.handleAuthorizationChange(status)
			m.reconcile()

		case <-stopChannel:
			m.logger.Debug("loop: stop signal")
			if m.tracking {
				m.stopTracking()
			}
			return
		}
	}
}

func (m *RequestManager) addRequest(request *Request) {
	if m.indexOf(request) >= 0 {
		m.logger.Debugw("Ignoring duplicate request", "request", request)
		return
	}

	request.bind(m.clock, m.enqueueCallback)
	m.requests = append(m.requests, request)

	m.logger.Debugw("Added request", "request", request, "count", len(m.requests))
}

func (m *RequestManager) removeRequest(request *Request) error {
	idx := m.indexOf(request)
	if idx < 0 {
		m.logger.Errorw("Attempted to remove unregistered request", "request", request)
		return fmt.Errorf("remove request %s: %w", request.ID(), ErrRequestNotRegistered)
	}

	m.deleteAt(idx)
	m.logger.Debugw("Removed request", "request", request, "count", len(m.requests))

	return nil
}

func (m *RequestManager) deleteAt(idx int) {
	m.requests[idx].stopTimer()
	m.requests = slices.Delete(m.requests, idx, idx+1)
}

func (m *RequestManager) indexOf(request *Request) int {
	return slices.IndexFunc(m.requests, func(r *Request) bool {
		return r.ID() == request.ID()
	})
}

func (m *RequestManager) performRequests() {
	status := m.authorizer.AuthorizationStatus()
	m.logger.Debugw("Performing requests", "authorization", status, "count", len(m.requests))

	switch {
	case status == AuthorizationNotDetermined:
		if m.authorizationCallback != nil {
			m.logger.Debug("Authorization request already outstanding, waiting for it")
			return
		}

		tier, ok := m.intent().PreferredTier()
		if !ok {
			m.logger.Errorw("Can't request location authorization", "error", ErrNoCapabilityDeclared)
			return
		}

		err := m.requestAuthorization(tier, func(status AuthorizationStatus) {
			switch {
			case status.Satisfies(tier):
				m.startAllRequests()
			case status.Refused():
				m.cancelAllRequests(ErrAuthorizationDenied)
			}
		})
		if err != nil {
			m.logger.Warnw("Failed to request location authorization", "tier", tier, "error", err)
		}

	case status.Refused():
		m.cancelAllRequests(ErrAuthorizationDenied)

	case status.Authorized():
		m.startAllRequests()
	}
}

// requestAuthorization registers continuation and asks the authorizer for tier. If the status is
// already determined, no prompt is possible, so continuation runs right away with it
func (m *RequestManager) requestAuthorization(tier AuthorizationTier, continuation func(AuthorizationStatus)) error {
	if m.authorizationCallback != nil {
		return fmt.Errorf("request %s authorization: %w", tier, ErrAuthorizationInProgress)
	}

	if status := m.authorizer.AuthorizationStatus(); status != AuthorizationNotDetermined {
		m.logger.Debugw("Authorization already determined", "tier", tier, "status", status)
		continuation(status)
		return nil
	}

	m.authorizationCallback = continuation
	m.authorizationTier = tier

	if err := m.authorizer.RequestAuthorization(tier); err != nil {
		m.authorizationCallback = nil
		return fmt.Errorf("request %s authorization: %w", tier, err)
	}

	m.logger.Infow("Requested location authorization", "tier", tier)

	return nil
}

func (m *RequestManager) startAllRequests() {
	started := 0
	for _, request := range m.requests {
		if request.Status() != RequestPending {
			continue
		}

		request.setStatus(RequestActive)
		request.start(m.expireFunc(request))
		started++
	}

	m.logger.Debugw("Started pending requests", "started", started)

	if m.anyActive() {
		m.startTracking()
	}
}

func (m *RequestManager) cancelAllRequests(reason error) {
	cancelled := 0
	for _, request := range m.requests {
		if request.Status() != RequestActive {
			continue
		}

		if request.cancel(reason) {
			cancelled++
		}
	}

	m.logger.Debugw("Cancelled active requests", "cancelled", cancelled, "reason", reason)
}

// expireFunc returns the timeout callback for a request. It fires on the clock's goroutine
func (m *RequestManager) expireFunc(request *Request) func() {
	return func() {
		m.post(func() {
			if m.indexOf(request) < 0 {
				return
			}

			if request.expire() {
				m.logger.Debugw("Request timed out", "request", request)
			}
		})
	}
}

func (m *RequestManager) handleTrackerEvent(event TrackerEvent) {
	if event.Err != nil {
		m.handleError(event.Err)
	}

	if len(event.Fixes) > 0 {
		m.handleFixes(event.Fixes)
	}
}

func (m *RequestManager) handleFixes(fixes []Fix) {
	now := m.clock.Now()

	for _, fix := range fixes {
		dispatched := 0
		for _, request := range m.requests {
			if request.Status() != RequestActive {
				continue
			}

			request.updateFix(fix, now)
			dispatched++
		}

		m.logger.Debugw("Dispatched fix", "fix", fix, "requests", dispatched)
	}
}

func (m *RequestManager) handleError(err error) {
	m.logger.Warnw("Tracking error", "error", err)

	for _, request := range m.requests {
		if request.Status() == RequestActive {
			request.updateError(err)
		}
	}
}

func (m *RequestManager) handleAuthorizationChange(status AuthorizationStatus) {
	m.logger.Infow("Authorization changed", "status", status)

	// a change answering a request must grant the tier that was asked for
	requested := false
	if continuation := m.authorizationCallback; continuation != nil {
		m.authorizationCallback = nil
		requested = true

		if !status.Satisfies(m.authorizationTier) && !status.Refused() {
			m.logger.Warnw("Authorization changed to a status that doesn't satisfy the requested tier",
				"tier", m.authorizationTier,
				"status", status)
		}

		continuation(status)
	}

	switch {
	case status.Refused():
		m.cancelAllRequests(ErrAuthorizationDenied)
	case status.Authorized():
		if requested && !status.Satisfies(m.authorizationTier) {
			return
		}
		if m.anyPending() {
			m.startAllRequests()
		}
	}
}

// reconcile drops finished requests and makes the tracking session match the set of Active requests
func (m *RequestManager) reconcile() {
	m.requests = slices.DeleteFunc(m.requests, func(request *Request) bool {
		return request.Status().Terminal()
	})

	active := m.anyActive()

	switch {
	case active && !m.tracking:
		m.startTracking()
	case !active && m.tracking:
		m.stopTracking()
	}
}

func (m *RequestManager) startTracking() {
	m.logger.Debugw("Starting tracking session", "alreadyRunning", m.tracking)
	m.tracker.StartUpdatingLocation()
	m.tracking = true
}

func (m *RequestManager) stopTracking() {
	m.logger.Debug("Stopping tracking session")
	m.tracker.StopUpdatingLocation()
	m.tracking = false
}

func (m *RequestManager) anyActive() bool {
	return slices.ContainsFunc(m.requests, func(request *Request) bool {
		return request.Status() == RequestActive
	})
}

func (m *RequestManager) anyPending() bool {
	return slices.ContainsFunc(m.requests, func(request *Request) bool {
		return request.Status() == RequestPending
	})
}
