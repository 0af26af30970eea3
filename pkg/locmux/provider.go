package locmux

// TrackerEvent carries either a batch of fixes or an error from the tracking session
type TrackerEvent struct {
	Fixes []Fix
	Err   error
}

// Tracker is the single shared tracking session.
// Start and stop are idempotent commands: issuing either twice in a row is harmless
type Tracker interface {
	StartUpdatingLocation()
	StopUpdatingLocation()

	// SubscribeToTrackerEvents returns a channel that receives every fix batch and error
	SubscribeToTrackerEvents() <-chan TrackerEvent
}

// Authorizer is the permission subsystem that owns the location AuthorizationStatus
type Authorizer interface {
	AuthorizationStatus() AuthorizationStatus

	// RequestAuthorization asks for the given tier. The outcome arrives later as an authorization change
	RequestAuthorization(tier AuthorizationTier) error

	// SubscribeToAuthorizationChanges returns a channel that receives the new status every time it changes
	SubscribeToAuthorizationChanges() <-chan AuthorizationStatus
}
