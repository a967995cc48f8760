// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway holds the gateway's shared session state and the logic
// that admits, tracks and evicts tunnel peers.
package gateway

import (
	"errors"
	"io"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/core/log"
	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/server/config"
	"github.com/katzenpost/ipgateway/server/internal/instrument"
	"github.com/katzenpost/ipgateway/server/registration"
	"github.com/katzenpost/ipgateway/server/registry"
)

// ErrUnknownPeer is returned when an operation names a peer that is not
// registered.
var ErrUnknownPeer = errors.New("gateway: unknown peer")

// ClientStore persists registry records across restarts.
type ClientStore interface {
	Put(c *registry.GatewayClient) error
	Delete(key peer.PublicKey) error
}

// Option configures a State.
type Option func(*State)

// WithClock sets the clock used for registration timestamps and nonce
// windows.
func WithClock(clk clock.Clock) Option {
	return func(s *State) { s.clock = clk }
}

// WithStore persists every registry change to store.
func WithStore(store ClientStore) Option {
	return func(s *State) { s.store = store }
}

// WithRand sets the entropy source for the replay filters.
func WithRand(r io.Reader) Option {
	return func(s *State) { s.rand = r }
}

// State is the gateway's shared session state. The configuration and keys
// never change after New; the registry and address pool are safe for
// concurrent use.
type State struct {
	cfg *config.Config
	log *logging.Logger

	privateKey *x25519.PrivateKey
	publicKey  peer.PublicKey

	registry *registry.Registry
	nonces   *registration.NonceAuthority
	pool     *IPPool

	clock clock.Clock
	rand  io.Reader
	store ClientStore
}

// New creates the gateway state for a validated configuration.
func New(cfg *config.Config, logBackend *log.Backend, privateKey *x25519.PrivateKey, opts ...Option) (*State, error) {
	publicKey, err := peer.FromNIKE(privateKey.Public())
	if err != nil {
		return nil, err
	}
	gatewayIP, prefix, err := cfg.Gateway.PrivateNetwork()
	if err != nil {
		return nil, err
	}

	s := &State{
		cfg:        cfg,
		log:        logBackend.GetLogger("gateway"),
		privateKey: privateKey,
		publicKey:  publicKey,
		registry:   registry.New(cfg.Debug.RegistryShards),
		pool:       NewIPPool(prefix, gatewayIP),
		clock:      clock.New(),
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.nonces, err = registration.NewNonceAuthority(&registration.NonceAuthorityConfig{
		Window:            time.Duration(cfg.Registration.NonceWindow) * time.Millisecond,
		FilterSize:        cfg.Registration.ReplayFilterSize,
		FalsePositiveRate: cfg.Registration.ReplayFalsePositiveRate,
		Clock:             s.clock,
		Rand:              s.rand,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the gateway configuration.
func (s *State) Config() *config.Config { return s.cfg }

// PublicKey returns the gateway's public key.
func (s *State) PublicKey() peer.PublicKey { return s.publicKey }

// PrivateKey returns the gateway's private key.
func (s *State) PrivateKey() *x25519.PrivateKey { return s.privateKey }

// Registry returns the client registry.
func (s *State) Registry() *registry.Registry { return s.registry }

// Nonces returns the nonce authority.
func (s *State) Nonces() *registration.NonceAuthority { return s.nonces }

// Log returns the gateway logger.
func (s *State) Log() *logging.Logger { return s.log }

// NewHandshake starts a registration handshake against this gateway.
func (s *State) NewHandshake() *registration.Handshake {
	return registration.NewHandshake(s.privateKey, s.publicKey, s.nonces, s)
}

// Admit implements registration.Registrar. A new peer is leased a tunnel
// address; a known peer keeps its address and RegisteredAt and has its
// LastHandshakeAt refreshed.
//
// The ClientStore write happens inside the registry shard lock so the stored
// record always matches the in-memory one for the key. With a disk backed
// store, forwarding lookups for keys sharing the shard wait on that write.
func (s *State) Admit(key peer.PublicKey) (registry.GatewayClient, error) {
	now := s.clock.Now()

	var (
		admitErr error
		created  bool
	)
	c, _ := s.registry.Update(key, func(cur registry.GatewayClient, ok bool) (registry.GatewayClient, bool) {
		next := cur
		if ok {
			next.LastHandshakeAt = now
		} else {
			ip, err := s.pool.Allocate(key)
			if err != nil {
				admitErr = err
				return cur, false
			}
			next = registry.GatewayClient{
				PublicKey:       key,
				TunnelIP:        ip,
				RegisteredAt:    now,
				LastHandshakeAt: now,
			}
			created = true
		}
		if s.store != nil {
			if err := s.store.Put(&next); err != nil {
				s.log.Errorf("Failed to persist client %s: %v", key, err)
			}
		}
		return next, true
	})
	if admitErr != nil {
		return registry.GatewayClient{}, admitErr
	}

	if created {
		s.log.Noticef("Registered peer %s at %v", key, c.TunnelIP)
		instrument.RegisteredClients(s.registry.Len())
	} else {
		s.log.Debugf("Refreshed peer %s at %v", key, c.TunnelIP)
	}
	return c, nil
}

// Disconnect removes a peer and releases its tunnel address.
func (s *State) Disconnect(key peer.PublicKey) error {
	if _, ok := s.registry.RemoveIf(key, s.releaseLocked); !ok {
		return ErrUnknownPeer
	}
	s.log.Noticef("Disconnected peer %s", key)
	instrument.RegisteredClients(s.registry.Len())
	return nil
}

// releaseLocked undoes Admit's side effects. It runs with the peer's
// registry shard locked, and always agrees to the removal.
func (s *State) releaseLocked(c registry.GatewayClient) bool {
	s.pool.Release(c.TunnelIP)
	if s.store != nil {
		if err := s.store.Delete(c.PublicKey); err != nil {
			s.log.Errorf("Failed to delete stored client %s: %v", c.PublicKey, err)
		}
	}
	return true
}

// Client resolves a tunnel address back to the registered peer.
func (s *State) Client(ip netip.Addr) (registry.GatewayClient, bool) {
	key, ok := s.pool.Owner(ip)
	if !ok {
		return registry.GatewayClient{}, false
	}
	return s.registry.Lookup(key)
}

// Restore loads previously persisted clients into the registry. Records
// whose address no longer fits the configured network are dropped.
func (s *State) Restore(clients []registry.GatewayClient) int {
	n := 0
	for i := range clients {
		c := clients[i]
		if err := s.pool.Reserve(c.TunnelIP, c.PublicKey); err != nil {
			s.log.Warningf("Dropping stored client %s: %v", c.PublicKey, err)
			if s.store != nil {
				if err := s.store.Delete(c.PublicKey); err != nil {
					s.log.Errorf("Failed to delete stored client %s: %v", c.PublicKey, err)
				}
			}
			continue
		}
		if prev, ok := s.registry.Register(c.PublicKey, c); ok && prev.TunnelIP != c.TunnelIP {
			s.pool.Release(prev.TunnelIP)
		}
		n++
	}
	instrument.RegisteredClients(s.registry.Len())
	return n
}
