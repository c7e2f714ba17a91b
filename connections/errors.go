// Package connections holds errors describing why a peer connection must not
// be retried.
package connections

import (
	"errors"
	"fmt"
	"net/netip"
)

// NewBanned bans the peer. silent bans are not reported to observers.
func NewBanned(peer netip.AddrPort, silent bool, cause error) error {
	return bannedConnection{
		peer:   peer,
		cause:  cause,
		silent: silent,
	}
}

// Banned reports whether err carries a ban, and whether it is silent.
func Banned(err error) (banned bool, silent bool) {
	var b bannedConnection
	if errors.As(err, &b) {
		return true, b.silent
	}

	return false, false
}

type bannedConnection struct {
	peer   netip.AddrPort
	cause  error
	silent bool
}

func (t bannedConnection) Unwrap() error {
	return t.cause
}

func (t bannedConnection) Error() string {
	return fmt.Sprintf("banned connection %s: %s", t.peer, t.cause)
}
