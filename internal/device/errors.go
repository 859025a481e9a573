package device

import "errors"

// ErrInvalidHistory is returned for history writes or queries with missing
// or contradictory arguments.
var ErrInvalidHistory = errors.New("device: invalid history request")
