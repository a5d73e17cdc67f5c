package bloom

import "errors"

// ErrBFConfig is raised when a Filter is constructed with partitions that
// are empty, non-positive, or when name contains the "|" key separator
// (spec.md §4.1).
var ErrBFConfig = errors.New("bloom: invalid filter configuration")
