// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestPendingCorrelation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewMock()
	p := NewPendingRequests(clk)

	req, id := NewDynamicConnect(testRecipient(t), nil, nil)
	ch, err := p.Track(id, time.Minute)
	require.NoError(err)

	_, err = p.Track(id, time.Minute)
	require.ErrorIs(err, ErrDuplicateRequestID)

	// A reply for an id nobody asked for is dropped.
	require.False(p.HandleReply(id+1, []byte("stray")))

	got, ok := req.ID()
	require.True(ok)
	require.True(p.HandleReply(got, []byte("ok")))
	require.Equal([]byte("ok"), <-ch)
	_, open := <-ch
	require.False(open)

	// Second reply for the same id finds nothing.
	require.False(p.HandleReply(got, []byte("again")))
	require.Zero(p.Len())
}

func TestPendingExpiry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewMock()
	p := NewPendingRequests(clk)

	late, err := p.Track(1, time.Second)
	require.NoError(err)
	_, err = p.Track(2, time.Hour)
	require.NoError(err)
	forgotten, err := p.Track(3, time.Hour)
	require.NoError(err)

	p.Forget(3)
	_, open := <-forgotten
	require.False(open)

	clk.Add(2 * time.Second)
	require.False(p.HandleReply(1, []byte("late")))
	_, open = <-late
	require.False(open)

	_, err = p.Track(4, time.Second)
	require.NoError(err)
	clk.Add(2 * time.Second)
	require.Equal(1, p.Expire())
	require.Equal(1, p.Len())
	require.True(p.HandleReply(2, nil))
}

func TestResolveReplyRoute(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := ResolveReplyRoute(nil, nil, 3)
	require.Equal(ReplyRoute{Hops: 3}, r)

	delay := 40.0
	r = ResolveReplyRoute(u8p(0), &delay, 3)
	require.Equal(uint8(0), r.Hops)
	require.True(r.HopsOverridden)
	require.Equal(40.0, *r.AvgMixDelay)
	require.False(r.DelayEnforced)

	delay = 1
	require.Equal(40.0, *r.AvgMixDelay)
}
