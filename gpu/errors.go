package gpu

import "errors"

// ErrBackendUnavailable reports that the shared lock store could not be
// reached. It fails the current scheduling attempt and the health check.
var ErrBackendUnavailable = errors.New("gpu lock backend unavailable")
