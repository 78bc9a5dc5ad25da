package services

import "errors"

var (
	// ErrNotConfigured indicates an operation was attempted before the
	// agent was fully configured (missing backend URL, app id, ...)
	ErrNotConfigured = errors.New("agent not configured")

	// ErrVerificationFailed indicates an event's signed payload is
	// untrustworthy; the event is discarded and never retried locally
	ErrVerificationFailed = errors.New("signature verification failed")

	// ErrSinkUnavailable indicates a remote call failed at the transport
	// level; callers retry per their own policy
	ErrSinkUnavailable = errors.New("telemetry backend unavailable")

	// ErrUnexpectedResponse indicates the remote answered but the
	// response could not be interpreted as success
	ErrUnexpectedResponse = errors.New("unexpected backend response")
)
