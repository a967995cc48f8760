// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"time"

	"github.com/katzenpost/ipgateway/core/worker"
	"github.com/katzenpost/ipgateway/server/internal/instrument"
	"github.com/katzenpost/ipgateway/server/registry"
)

// EvictIdle removes every peer whose last handshake is IdleTimeout or more
// before now, and returns how many were removed. It does nothing when
// IdleTimeout is zero.
func (s *State) EvictIdle(now time.Time) int {
	timeout := time.Duration(s.cfg.Registration.IdleTimeout) * time.Millisecond
	if timeout <= 0 {
		return 0
	}
	cutoff := now.Add(-timeout)
	idle := func(c registry.GatewayClient) bool {
		return !c.LastHandshakeAt.After(cutoff)
	}

	n := 0
	for _, c := range s.registry.Snapshot() {
		if !idle(c) {
			continue
		}
		// Re-check under the shard lock, the peer may have registered
		// again since the snapshot.
		_, ok := s.registry.RemoveIf(c.PublicKey, func(cur registry.GatewayClient) bool {
			return idle(cur) && s.releaseLocked(cur)
		})
		if ok {
			s.log.Noticef("Evicted idle peer %s at %v", c.PublicKey, c.TunnelIP)
			n++
		}
	}
	if n > 0 {
		instrument.ClientsEvicted(n)
		instrument.RegisteredClients(s.registry.Len())
	}
	return n
}

// Reaper periodically evicts idle peers.
type Reaper struct {
	worker.Worker

	state *State
}

// NewReaper starts a reaper for s. The reaper idles when eviction is
// disabled; Halt stops it.
func NewReaper(s *State) *Reaper {
	r := &Reaper{state: s}
	r.Go(r.worker)
	return r
}

func (r *Reaper) worker() {
	cfg := r.state.cfg.Registration
	defer r.state.log.Debugf("Halting idle reaper.")

	// With eviction disabled the ticker channel stays nil and the select
	// only waits for the halt signal.
	var tickCh <-chan time.Time
	if cfg.IdleTimeout > 0 {
		ticker := r.state.clock.Ticker(time.Duration(cfg.IdleCheckInterval) * time.Millisecond)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-r.HaltCh():
			return
		case now := <-tickCh:
			if n := r.state.EvictIdle(now); n > 0 {
				r.state.log.Debugf("Evicted %d idle peers", n)
			}
		}
	}
}
