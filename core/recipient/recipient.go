// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package recipient implements the opaque mixnet address a remote endpoint
// uses to route a reply back to a client without learning its location.
package recipient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	// KeyLength is the length of each component key in bytes.
	KeyLength = 32

	// Length is the length of a serialized Recipient in bytes.
	Length = 3 * KeyLength
)

var errInvalidRecipient = errors.New("recipient: malformed address")

// Recipient is a client's mixnet address: the client identity key, the
// client encryption key, and the identity of the gateway it is attached to.
type Recipient struct {
	ClientIdentity      [KeyLength]byte
	ClientEncryptionKey [KeyLength]byte
	Gateway             [KeyLength]byte
}

// Bytes returns the 96 byte binary form: identity, encryption key, gateway.
func (r *Recipient) Bytes() []byte {
	b := make([]byte, 0, Length)
	b = append(b, r.ClientIdentity[:]...)
	b = append(b, r.ClientEncryptionKey[:]...)
	return append(b, r.Gateway[:]...)
}

// FromBytes parses the binary form returned by Bytes.
func FromBytes(b []byte) (*Recipient, error) {
	if len(b) != Length {
		return nil, fmt.Errorf("%w: length %d", errInvalidRecipient, len(b))
	}
	r := new(Recipient)
	copy(r.ClientIdentity[:], b[:KeyLength])
	copy(r.ClientEncryptionKey[:], b[KeyLength:2*KeyLength])
	copy(r.Gateway[:], b[2*KeyLength:])
	return r, nil
}

// String returns the textual address `identity.encryption@gateway`, each
// component base58 encoded.
func (r *Recipient) String() string {
	return base58.Encode(r.ClientIdentity[:]) + "." +
		base58.Encode(r.ClientEncryptionKey[:]) + "@" +
		base58.Encode(r.Gateway[:])
}

// Parse parses the textual address produced by String.
func Parse(s string) (*Recipient, error) {
	client, gateway, ok := strings.Cut(s, "@")
	if !ok {
		return nil, fmt.Errorf("%w: missing gateway", errInvalidRecipient)
	}
	identity, encryption, ok := strings.Cut(client, ".")
	if !ok {
		return nil, fmt.Errorf("%w: missing encryption key", errInvalidRecipient)
	}

	r := new(Recipient)
	for _, part := range []struct {
		dst  *[KeyLength]byte
		text string
	}{
		{&r.ClientIdentity, identity},
		{&r.ClientEncryptionKey, encryption},
		{&r.Gateway, gateway},
	} {
		raw, err := base58.Decode(part.text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidRecipient, err)
		}
		if len(raw) != KeyLength {
			return nil, fmt.Errorf("%w: component length %d", errInvalidRecipient, len(raw))
		}
		copy(part.dst[:], raw)
	}
	return r, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r *Recipient) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Recipient) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}
