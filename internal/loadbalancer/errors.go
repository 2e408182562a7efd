package loadbalancer

import "errors"

// ErrNoBackendAvailable is returned by Select when no backend is eligible.
var ErrNoBackendAvailable = errors.New("no backend available")

// ErrDuplicateBackend is returned by Reconcile when the desired list
// contains the same id twice.
var ErrDuplicateBackend = errors.New("duplicate backend id")
