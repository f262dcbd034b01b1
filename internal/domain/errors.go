package domain

import "errors"

// Error classes. Callers wrap them with fmt.Errorf("%w: ...") and
// classify with errors.Is.
var (
	// ErrBadRequest marks malformed caller input: cursor, limit, pattern, label fields.
	ErrBadRequest = errors.New("bad request")
	// ErrConfiguration marks a missing or invalid signing key.
	ErrConfiguration = errors.New("configuration error")
	// ErrStorage marks an I/O failure in the label store.
	ErrStorage = errors.New("storage error")
	// ErrDelivery marks a failed push to a single subscriber.
	ErrDelivery = errors.New("delivery error")
)
