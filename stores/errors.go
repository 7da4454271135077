package stores

import "errors"

// ErrSinkUnavailable is returned by sinks that cannot accept writes right now.
var ErrSinkUnavailable = errors.New("audit sink unavailable")
