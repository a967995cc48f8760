// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package registration

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/hpqc/nike/x25519"

	"github.com/katzenpost/ipgateway/core/peer"
)

const (
	// MacLength is the size of a registration MAC.
	MacLength = sha256.Size

	kdfInfo = "ipgateway registration v1"

	gatewayLabel = "gateway"
	clientLabel  = "client"
)

// Mac is an HMAC-SHA256 tag binding both public keys and the nonce.
type Mac [MacLength]byte

// SharedSecret computes X25519(privateKey, publicKey). Low order public keys
// fail with peer.ErrInvalidKey.
func SharedSecret(privateKey *x25519.PrivateKey, publicKey peer.PublicKey) ([]byte, error) {
	s, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", peer.ErrInvalidKey, err)
	}
	return s, nil
}

type macKey [sha256.Size]byte

func deriveMacKey(shared []byte) *macKey {
	k := new(macKey)
	r := hkdf.New(sha256.New, shared, nil, []byte(kdfInfo))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		// Reading 32 bytes from HKDF-SHA256 cannot fail.
		panic(err)
	}
	return k
}

func (k *macKey) mac(label string, peerKey, gatewayKey peer.PublicKey, nonce Nonce) Mac {
	m := hmac.New(sha256.New, k[:])
	m.Write([]byte(label))
	m.Write(peerKey[:])
	m.Write(gatewayKey[:])
	m.Write(nonce.Bytes())

	var out Mac
	copy(out[:], m.Sum(nil))
	return out
}

// ComputeGatewayMac returns the tag the gateway sends in its response.
func ComputeGatewayMac(shared []byte, peerKey, gatewayKey peer.PublicKey, nonce Nonce) Mac {
	return deriveMacKey(shared).mac(gatewayLabel, peerKey, gatewayKey, nonce)
}

// ComputeClientMac returns the tag a peer sends to complete registration.
func ComputeClientMac(shared []byte, peerKey, gatewayKey peer.PublicKey, nonce Nonce) Mac {
	return deriveMacKey(shared).mac(clientLabel, peerKey, gatewayKey, nonce)
}

// VerifyGatewayMac lets a peer authenticate the gateway's response.
func VerifyGatewayMac(shared []byte, peerKey, gatewayKey peer.PublicKey, nonce Nonce, mac Mac) bool {
	expected := ComputeGatewayMac(shared, peerKey, gatewayKey, nonce)
	return hmac.Equal(expected[:], mac[:])
}
