package store

import "errors"

// ErrNotFound is returned by Get and ListPopHead when the key/list is absent
// or empty. Callers translate this into apierrors.NotFoundError as needed.
var ErrNotFound = errors.New("not found")
