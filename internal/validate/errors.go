package validate

import "errors"

var (
	errMissingTransport = errors.New("transport is required")
	errMissingRegistry  = errors.New("node registry is required")
)
