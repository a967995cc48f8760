// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package registration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/yawning/bloom"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/core/peer"
)

// Nonce is a single use value chosen by the peer for one registration
// attempt.
type Nonce uint64

// NonceLength is the serialized size of a Nonce.
const NonceLength = 8

// Bytes returns the big endian encoding of n.
func (n Nonce) Bytes() []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

// maxGenerations bounds the number of replay filters kept alive at once.
// Filters only retire once they are a full window old, so a flood of fresh
// nonces can fill every slot, after which new nonces are refused until the
// oldest filter ages out.
const maxGenerations = 8

type generation struct {
	f        *bloom.Filter
	sealedAt time.Time
}

// NonceAuthorityConfig parameterizes a NonceAuthority.
type NonceAuthorityConfig struct {
	// Window is how long a (key, nonce) pair is remembered, at minimum.
	Window time.Duration

	// FilterSize is the log2 of the size in bits of each replay filter.
	FilterSize int

	// FalsePositiveRate is the per filter false positive rate.
	FalsePositiveRate float64

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Rand defaults to the hpqc system entropy source.
	Rand io.Reader
}

// NonceAuthority remembers the nonces each peer key has used recently and
// rejects reuse.
type NonceAuthority struct {
	sync.Mutex

	clock  clock.Clock
	rand   io.Reader
	window time.Duration
	mLn2   int
	p      float64

	current   *bloom.Filter
	startedAt time.Time
	sealed    []generation
}

// NewNonceAuthority creates a NonceAuthority.
func NewNonceAuthority(cfg *NonceAuthorityConfig) (*NonceAuthority, error) {
	if cfg.Window <= 0 {
		return nil, errors.New("registration: nonce window must be positive")
	}
	a := &NonceAuthority{
		clock:  cfg.Clock,
		rand:   cfg.Rand,
		window: cfg.Window,
		mLn2:   cfg.FilterSize,
		p:      cfg.FalsePositiveRate,
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.rand == nil {
		a.rand = rand.Reader
	}

	var err error
	if a.current, err = bloom.New(a.rand, a.mLn2, a.p); err != nil {
		return nil, fmt.Errorf("registration: failed to create replay filter: %w", err)
	}
	a.startedAt = a.clock.Now()
	return a, nil
}

// NewNonce draws a fresh random nonce.
func (a *NonceAuthority) NewNonce() (Nonce, error) {
	var b [NonceLength]byte
	a.Lock()
	_, err := io.ReadFull(a.rand, b[:])
	a.Unlock()
	if err != nil {
		return 0, err
	}
	return Nonce(binary.BigEndian.Uint64(b[:])), nil
}

// Check records the (key, nonce) pair and fails with ErrReplayDetected if it
// was already recorded within the window.
func (a *NonceAuthority) Check(key peer.PublicKey, nonce Nonce) error {
	tag := replayTag(key, nonce)

	a.Lock()
	defer a.Unlock()

	now := a.clock.Now()
	if err := a.prune(now); err != nil {
		return err
	}

	for _, g := range a.sealed {
		if g.f.Test(tag[:]) {
			return ErrReplayDetected
		}
	}
	// A full filter is sealed without being consulted again here, so test
	// it before rotating.
	if a.current.Entries() >= a.current.MaxEntries() {
		if a.current.Test(tag[:]) {
			return ErrReplayDetected
		}
		if err := a.rotate(now); err != nil {
			return err
		}
	}
	if a.current.TestAndSet(tag[:]) {
		return ErrReplayDetected
	}
	return nil
}

func (a *NonceAuthority) prune(now time.Time) error {
	i := 0
	for i < len(a.sealed) && now.Sub(a.sealed[i].sealedAt) >= a.window {
		i++
	}
	a.sealed = a.sealed[i:]

	if now.Sub(a.startedAt) >= a.window {
		return a.rotate(now)
	}
	return nil
}

func (a *NonceAuthority) rotate(now time.Time) error {
	if len(a.sealed) >= maxGenerations {
		return fmt.Errorf("%w: replay filter saturated", ErrReplayDetected)
	}
	f, err := bloom.New(a.rand, a.mLn2, a.p)
	if err != nil {
		return err
	}
	if a.current.Entries() > 0 {
		a.sealed = append(a.sealed, generation{f: a.current, sealedAt: now})
	}
	a.current = f
	a.startedAt = now
	return nil
}

func replayTag(key peer.PublicKey, nonce Nonce) [hash.HashSize]byte {
	b := make([]byte, 0, peer.PublicKeyLength+NonceLength)
	b = append(b, key[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(nonce))
	return hash.Sum256(b)
}
