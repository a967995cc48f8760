// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package registration

import (
	"crypto/hmac"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/hpqc/nike/x25519"

	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/server/registry"
)

// Registrar admits an authenticated peer. Admitting a known peer refreshes
// its record and keeps its tunnel IP.
type Registrar interface {
	Admit(key peer.PublicKey) (registry.GatewayClient, error)
}

// Handshake is the gateway side of one registration attempt. Each step may
// be called once, in order; any failure moves the handshake to
// StateRejected permanently.
type Handshake struct {
	sync.Mutex

	state uint32

	privateKey *x25519.PrivateKey
	publicKey  peer.PublicKey
	nonces     *NonceAuthority
	registrar  Registrar

	peerKey peer.PublicKey
	nonce   Nonce
	macKey  *macKey
}

// NewHandshake creates a handshake for a gateway with the given key pair.
func NewHandshake(privateKey *x25519.PrivateKey, publicKey peer.PublicKey, nonces *NonceAuthority, registrar Registrar) *Handshake {
	return &Handshake{
		state:      uint32(StateInit),
		privateKey: privateKey,
		publicKey:  publicKey,
		nonces:     nonces,
		registrar:  registrar,
	}
}

// State returns the current state.
func (h *Handshake) State() State {
	return State(atomic.LoadUint32(&h.state))
}

// PeerKey returns the key the peer presented in its InitMessage.
func (h *Handshake) PeerKey() peer.PublicKey {
	h.Lock()
	defer h.Unlock()
	return h.peerKey
}

func (h *Handshake) reject(err error) error {
	s := h.State()
	atomic.StoreUint32(&h.state, uint32(StateRejected))
	return &HandshakeError{State: s, Err: err}
}

// OnInit validates the peer's key and nonce and returns the gateway's
// authenticated response.
func (h *Handshake) OnInit(msg *InitMessage) (*ClientRegistrationResponse, error) {
	h.Lock()
	defer h.Unlock()

	if h.State() != StateInit {
		return nil, h.reject(ErrInvalidState)
	}
	if msg.PublicKey.IsZero() {
		return nil, h.reject(peer.ErrInvalidKey)
	}
	shared, err := SharedSecret(h.privateKey, msg.PublicKey)
	if err != nil {
		return nil, h.reject(err)
	}
	if err := h.nonces.Check(msg.PublicKey, msg.Nonce); err != nil {
		return nil, h.reject(err)
	}

	h.peerKey = msg.PublicKey
	h.nonce = msg.Nonce
	h.macKey = deriveMacKey(shared)
	atomic.StoreUint32(&h.state, uint32(StateAwaitingClientMac))

	return &ClientRegistrationResponse{
		Nonce:      msg.Nonce,
		GatewayMac: h.macKey.mac(gatewayLabel, h.peerKey, h.publicKey, h.nonce),
	}, nil
}

// OnClientMessage verifies the peer's MAC and, if it is valid, admits the
// peer. The registry is not touched when verification fails.
func (h *Handshake) OnClientMessage(msg *ClientMessage) (registry.GatewayClient, error) {
	h.Lock()
	defer h.Unlock()

	if h.State() != StateAwaitingClientMac {
		return registry.GatewayClient{}, h.reject(ErrInvalidState)
	}
	expected := h.macKey.mac(clientLabel, h.peerKey, h.publicKey, h.nonce)
	if !hmac.Equal(expected[:], msg.ClientMac[:]) {
		return registry.GatewayClient{}, h.reject(ErrAuthenticationFailed)
	}
	c, err := h.registrar.Admit(h.peerKey)
	if err != nil {
		return registry.GatewayClient{}, h.reject(err)
	}
	atomic.StoreUint32(&h.state, uint32(StateRegistered))
	return c, nil
}
