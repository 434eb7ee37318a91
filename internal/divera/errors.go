package divera

import (
	"errors"
	"fmt"
)

// Error kinds returned by the transport and the Snapshot accessors.
// Use errors.Is() to tell them apart.
var (
	// ErrAuth is returned when Divera rejects the access key (HTTP 401).
	// The credential must be replaced before polling can resume.
	ErrAuth = errors.New("divera: access key rejected")

	// ErrConnection covers network failures, timeouts, non-auth HTTP errors
	// and undecodable responses. It is transient.
	ErrConnection = errors.New("divera: connection failed")

	// ErrLookup is returned when the payload lacks a key a query needs.
	ErrLookup = errors.New("divera: lookup failed")

	// ErrNoData is returned by accessors on a snapshot that was not produced
	// by a successful pull.
	ErrNoData = errors.New("divera: no data available")

	// ErrAmbiguousAnswer flags an alarm where the active membership appears
	// in more than one answer bucket.
	ErrAmbiguousAnswer = errors.New("divera: membership answered with multiple states")
)

func lookupError(what string, key any) error {
	return fmt.Errorf("%w: %s %v", ErrLookup, what, key)
}
