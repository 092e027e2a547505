package store

import "errors"

// Store-level error kinds. Tree and query specific kinds live in their own
// packages.
var (
	// ErrConnectionLost is returned when the underlying store reports a
	// broken connection after the single reconnect retry failed.
	ErrConnectionLost = errors.New("store connection lost")

	// ErrClusterNotRegistered is returned when an operation names a cluster
	// that is not in the cluster cache.
	ErrClusterNotRegistered = errors.New("cluster not registered")

	// ErrClusterExists is returned when registering an already known cluster.
	ErrClusterExists = errors.New("cluster already registered")

	// ErrNoChange marks a query or update that matched nothing. It is a
	// successful no-op, distinguished from real errors so callers can treat
	// it as such.
	ErrNoChange = errors.New("nothing changed")

	// ErrUserNotFound is returned when the requesting identity is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrAccessDenied is returned when an authorization check fails before
	// any mutation is attempted.
	ErrAccessDenied = errors.New("access denied")
)
