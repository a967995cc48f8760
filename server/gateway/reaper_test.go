// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestEvictIdle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewMock()
	store := newMemStore()
	s := testState(t, testConfig(t, "10.1.0.0/16", 60*1000), WithClock(clk), WithStore(store))

	idle, active := newTestPeer(t), newTestPeer(t)
	idleClient, err := idle.register(t, s)
	require.NoError(err)
	_, err = active.register(t, s)
	require.NoError(err)

	clk.Add(30 * time.Second)
	_, err = active.register(t, s)
	require.NoError(err)

	require.Zero(s.EvictIdle(clk.Now()))
	clk.Add(30 * time.Second)
	require.Equal(1, s.EvictIdle(clk.Now()))

	_, ok := s.Registry().Lookup(idle.pub)
	require.False(ok)
	_, ok = s.Registry().Lookup(active.pub)
	require.True(ok)
	_, ok = store.get(idle.pub)
	require.False(ok)
	_, ok = s.Client(idleClient.TunnelIP)
	require.False(ok)
}

func TestEvictIdleDisabled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewMock()
	s := testState(t, testConfig(t, "10.1.0.0/16", 0), WithClock(clk))
	_, err := newTestPeer(t).register(t, s)
	require.NoError(err)

	clk.Add(24 * time.Hour)
	require.Zero(s.EvictIdle(clk.Now()))

	r := NewReaper(s)
	r.Halt()
	require.Equal(1, s.Registry().Len())
}

func TestReaper(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewMock()
	s := testState(t, testConfig(t, "10.1.0.0/16", 5*1000), WithClock(clk))
	_, err := newTestPeer(t).register(t, s)
	require.NoError(err)

	r := NewReaper(s)
	defer r.Halt()

	// The mock ticker only fires once the reaper goroutine has created it,
	// so keep advancing until the eviction is observed.
	require.Eventually(func() bool {
		clk.Add(time.Second)
		return s.Registry().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
