// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package registration implements the gateway side of the peer registration
// handshake: replay protection for peer nonces, mutual authentication of the
// gateway and the peer, and admission of the peer into the client registry.
package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrReplayDetected is returned when a (peer key, nonce) pair has been
	// presented before within the validity window.
	ErrReplayDetected = errors.New("registration: replay detected")

	// ErrAuthenticationFailed is returned when the peer's MAC does not
	// verify.
	ErrAuthenticationFailed = errors.New("registration: authentication failed")

	// ErrInvalidState is returned when a handshake step is invoked out of
	// order.
	ErrInvalidState = errors.New("registration: invalid state")
)

// State is the position of a Handshake in the registration state machine.
type State uint32

const (
	StateInit State = iota
	StateAwaitingClientMac
	StateRegistered
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingClientMac:
		return "awaiting_client_mac"
	case StateRegistered:
		return "registered"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// HandshakeError reports the state a handshake was in when it failed.
type HandshakeError struct {
	State State
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("registration: handshake failed in %s: %v", e.State, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
