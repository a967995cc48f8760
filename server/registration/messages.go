// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package registration

import (
	"encoding/binary"
	"fmt"

	"github.com/katzenpost/ipgateway/core/peer"
)

const (
	// InitMessageLength is the serialized size of an InitMessage.
	InitMessageLength = peer.PublicKeyLength + NonceLength

	// ResponseLength is the serialized size of a ClientRegistrationResponse.
	ResponseLength = NonceLength + MacLength

	// ClientMessageLength is the serialized size of a ClientMessage.
	ClientMessageLength = MacLength
)

// InitMessage opens a registration.
type InitMessage struct {
	PublicKey peer.PublicKey
	Nonce     Nonce
}

// ClientRegistrationResponse is the gateway's answer to an InitMessage.
type ClientRegistrationResponse struct {
	Nonce      Nonce
	GatewayMac Mac
}

// ClientMessage completes a registration.
type ClientMessage struct {
	ClientMac Mac
}

// ToBytes serializes the message.
func (m *InitMessage) ToBytes() []byte {
	b := make([]byte, 0, InitMessageLength)
	b = append(b, m.PublicKey[:]...)
	return binary.BigEndian.AppendUint64(b, uint64(m.Nonce))
}

// InitMessageFromBytes parses an InitMessage. The key is validated, so a zero
// key fails with peer.ErrInvalidKey.
func InitMessageFromBytes(b []byte) (*InitMessage, error) {
	if len(b) != InitMessageLength {
		return nil, fmt.Errorf("registration: invalid init message length: %d", len(b))
	}
	k, err := peer.FromBytes(b[:peer.PublicKeyLength])
	if err != nil {
		return nil, err
	}
	return &InitMessage{
		PublicKey: k,
		Nonce:     Nonce(binary.BigEndian.Uint64(b[peer.PublicKeyLength:])),
	}, nil
}

// ToBytes serializes the message.
func (m *ClientRegistrationResponse) ToBytes() []byte {
	b := make([]byte, 0, ResponseLength)
	b = binary.BigEndian.AppendUint64(b, uint64(m.Nonce))
	return append(b, m.GatewayMac[:]...)
}

// ResponseFromBytes parses a ClientRegistrationResponse.
func ResponseFromBytes(b []byte) (*ClientRegistrationResponse, error) {
	if len(b) != ResponseLength {
		return nil, fmt.Errorf("registration: invalid response length: %d", len(b))
	}
	m := &ClientRegistrationResponse{
		Nonce: Nonce(binary.BigEndian.Uint64(b[:NonceLength])),
	}
	copy(m.GatewayMac[:], b[NonceLength:])
	return m, nil
}

// ToBytes serializes the message.
func (m *ClientMessage) ToBytes() []byte {
	b := make([]byte, ClientMessageLength)
	copy(b, m.ClientMac[:])
	return b
}

// ClientMessageFromBytes parses a ClientMessage.
func ClientMessageFromBytes(b []byte) (*ClientMessage, error) {
	if len(b) != ClientMessageLength {
		return nil, fmt.Errorf("registration: invalid client message length: %d", len(b))
	}
	m := new(ClientMessage)
	copy(m.ClientMac[:], b)
	return m, nil
}
