package shared

import "errors"

var (
	// ErrUnauthenticated indicates the request carries no actor identity.
	ErrUnauthenticated = errors.New("shared: actor identity missing")
	// ErrNotInitialised indicates a nil store or recorder was used.
	ErrNotInitialised = errors.New("shared: component not initialised")
)
