package locmux

import "errors"

var (
	// ErrRequestNotRegistered is returned when removing or cancelling a request the manager doesn't hold.
	// This is a caller bug, and is logged as such
	ErrRequestNotRegistered = errors.New("request not registered")

	// ErrManagerStopped is returned by every RequestManager entry point while its event loop isn't running
	ErrManagerStopped = errors.New("request manager stopped")

	// ErrAuthorizationInProgress is returned when a permission request is issued while another is still outstanding
	ErrAuthorizationInProgress = errors.New("authorization request already in progress")

	// ErrAuthorizationDenied is delivered to requests cancelled because location access was denied or restricted
	ErrAuthorizationDenied = errors.New("location authorization denied")

	// ErrAuthorizationRestricted is returned when granting access while the configuration marks it restricted
	ErrAuthorizationRestricted = errors.New("location authorization restricted by configuration")

	// ErrNoCapabilityDeclared means the configuration declares neither a when-in-use nor an always usage description
	ErrNoCapabilityDeclared = errors.New("no location capability declared")

	// ErrRequestTimedOut is delivered to single requests that didn't get an accurate enough fix in time
	ErrRequestTimedOut = errors.New("location request timed out")

	// ErrRequestCancelled is delivered to requests cancelled by their owner
	ErrRequestCancelled = errors.New("location request cancelled")

	// ErrNoSerialPorts means port enumeration came back empty
	ErrNoSerialPorts = errors.New("no serial ports found")

	// ErrAutoPortNotFound means none of the enumerated ports looks like a known GPS receiver
	ErrAutoPortNotFound = errors.New("can't autodetect gps receiver port")

	// ErrReceiverDisconnected is forwarded to active requests when the receiver connection drops
	ErrReceiverDisconnected = errors.New("gps receiver disconnected")
)
