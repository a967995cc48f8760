// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package peer provides the validated public key that identifies a tunnel
// peer at the gateway.
package peer

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
)

// PublicKeyLength is the length of a peer public key in bytes.
const PublicKeyLength = x25519.PublicKeySize

// ErrInvalidKey is returned for public key material of the wrong shape.
var ErrInvalidKey = errors.New("peer: invalid public key")

var zeroKey [PublicKeyLength]byte

// PublicKey is a peer's x25519 public key. The zero value is not a valid key;
// construct one with FromBytes or FromString. Being an array, it is comparable
// and suitable as a map key.
type PublicKey [PublicKeyLength]byte

// FromBytes validates b and returns it as a PublicKey.
func FromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != PublicKeyLength {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(b))
	}
	if subtle.ConstantTimeCompare(b, zeroKey[:]) == 1 {
		return k, fmt.Errorf("%w: all zero", ErrInvalidKey)
	}
	copy(k[:], b)
	return k, nil
}

// FromString parses the base64 form produced by String.
func FromString(s string) (PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return FromBytes(raw)
}

// FromNIKE converts a hpqc NIKE public key into a PublicKey.
func FromNIKE(k nike.PublicKey) (PublicKey, error) {
	return FromBytes(k.Bytes())
}

// Bytes returns a copy of the raw key.
func (k PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeyLength)
	copy(b, k[:])
	return b
}

// NIKE returns the key as a hpqc x25519 public key.
func (k PublicKey) NIKE() *x25519.PublicKey {
	pk := x25519.PublicKey(k)
	return &pk
}

// IsZero returns true iff k is the zero value.
func (k PublicKey) IsZero() bool {
	return k == zeroKey
}

// String returns the base64 encoding of the key.
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(b []byte) error {
	parsed, err := FromString(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
