// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry holds the set of peers admitted by the gateway.
package registry

import (
	"encoding/binary"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/core/peer"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

// GatewayClient is the gateway's record of an admitted peer.
type GatewayClient struct {
	PublicKey       peer.PublicKey
	TunnelIP        netip.Addr
	RegisteredAt    time.Time
	LastHandshakeAt time.Time
}

type shard struct {
	sync.RWMutex
	clients map[peer.PublicKey]GatewayClient
}

// Registry maps peer public keys to their GatewayClient records. It is safe
// for concurrent use. Operations on distinct keys only contend when the keys
// hash to the same shard.
type Registry struct {
	k0, k1 uint64
	mask   uint64
	shards []shard
}

// New creates a registry with n shards, rounded up to a power of two. A
// non-positive n uses DefaultShards.
func New(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}

	var key [16]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		panic("registry: failed to read entropy: " + err.Error())
	}

	r := &Registry{
		k0:     binary.LittleEndian.Uint64(key[0:8]),
		k1:     binary.LittleEndian.Uint64(key[8:16]),
		mask:   uint64(size - 1),
		shards: make([]shard, size),
	}
	for i := range r.shards {
		r.shards[i].clients = make(map[peer.PublicKey]GatewayClient)
	}
	return r
}

func (r *Registry) shardFor(key peer.PublicKey) *shard {
	return &r.shards[siphash.Hash(r.k0, r.k1, key[:])&r.mask]
}

// Register stores client under key, replacing any existing record, and
// returns the previous record if there was one.
func (r *Registry) Register(key peer.PublicKey, client GatewayClient) (GatewayClient, bool) {
	s := r.shardFor(key)
	s.Lock()
	defer s.Unlock()

	prev, ok := s.clients[key]
	s.clients[key] = client
	return prev, ok
}

// Lookup returns the record for key.
func (r *Registry) Lookup(key peer.PublicKey) (GatewayClient, bool) {
	s := r.shardFor(key)
	s.RLock()
	defer s.RUnlock()

	c, ok := s.clients[key]
	return c, ok
}

// Remove deletes the record for key and returns it.
func (r *Registry) Remove(key peer.PublicKey) (GatewayClient, bool) {
	s := r.shardFor(key)
	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[key]
	delete(s.clients, key)
	return c, ok
}

// Update performs a read-modify-write of the record for key with its shard
// locked. fn is passed the current record, if any, and returns the record to
// store. If fn returns false the registry is left unchanged. Update returns
// the record held for key afterwards.
//
// fn must not call back into the Registry. Every other operation on a key in
// the same shard, Lookup included, waits for fn to return, so slow work in fn
// such as a synchronous disk write adds directly to their latency.
func (r *Registry) Update(key peer.PublicKey, fn func(cur GatewayClient, ok bool) (GatewayClient, bool)) (GatewayClient, bool) {
	s := r.shardFor(key)
	s.Lock()
	defer s.Unlock()

	cur, ok := s.clients[key]
	next, store := fn(cur, ok)
	if !store {
		return cur, ok
	}
	s.clients[key] = next
	return next, true
}

// RemoveIf deletes the record for key if pred returns true for it.
func (r *Registry) RemoveIf(key peer.PublicKey, pred func(GatewayClient) bool) (GatewayClient, bool) {
	s := r.shardFor(key)
	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[key]
	if !ok || !pred(c) {
		return GatewayClient{}, false
	}
	delete(s.clients, key)
	return c, true
}

// Snapshot returns a copy of every record. Shards are visited one at a time,
// so the result is consistent per key but not across keys.
func (r *Registry) Snapshot() []GatewayClient {
	out := make([]GatewayClient, 0, r.Len())
	for i := range r.shards {
		s := &r.shards[i]
		s.RLock()
		for _, c := range s.clients {
			out = append(out, c)
		}
		s.RUnlock()
	}
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.RLock()
		n += len(s.clients)
		s.RUnlock()
	}
	return n
}
