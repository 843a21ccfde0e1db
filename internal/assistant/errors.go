package assistant

import "errors"

var (
	// ErrMaliciousInput rejects prompt-injection-shaped input before any
	// downstream agent runs.
	ErrMaliciousInput = errors.New("malicious input")

	// ErrQueryTooLong rejects input over the allowed length.
	ErrQueryTooLong = errors.New("query too long")

	// ErrBusy rejects a second concurrent turn for the same chat session.
	ErrBusy = errors.New("chat session busy")

	// ErrUpstream marks a retrieval or model failure the caller may retry.
	ErrUpstream = errors.New("upstream unavailable")
)
