package query

import "errors"

// ErrPreemptLoop is returned when a QOS preemption change would create a
// preemption cycle.
var ErrPreemptLoop = errors.New("preemption loop detected")

// ErrBadGranularity is returned when a usage query names a granularity
// other than hour, day or month.
var ErrBadGranularity = errors.New("granularity must be hour, day or month")
