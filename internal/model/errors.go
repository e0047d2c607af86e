// Package model holds the domain types shared by the token and grant
// lifecycle: clients, secrets, persisted grants, tokens, claims and resources.
package model

import "errors"

var (
	// ErrInvalidArgument marks a nil or malformed input to an internal API.
	// It is a programming error, never a protocol error.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidOperation marks a deployment or configuration problem, such as
	// missing signing keys or contradictory resource settings. Requests that hit
	// it fail with a server error.
	ErrInvalidOperation = errors.New("invalid operation")
)
