// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ipgateway/core/iprequest"
	"github.com/katzenpost/ipgateway/core/recipient"
)

type controlRecorder struct {
	sync.Mutex
	reqs   []*iprequest.IPPacketRequest
	routes []iprequest.ReplyRoute
}

func (c *controlRecorder) HandleControl(req *iprequest.IPPacketRequest, route iprequest.ReplyRoute) {
	c.Lock()
	defer c.Unlock()
	c.reqs = append(c.reqs, req)
	c.routes = append(c.routes, route)
}

type sinkRecorder struct {
	sync.Mutex
	packets [][]byte
	err     error
}

func (s *sinkRecorder) WritePacket(pkt []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.err != nil {
		return s.err
	}
	s.packets = append(s.packets, pkt)
	return nil
}

func testReplyTo() *recipient.Recipient {
	r := new(recipient.Recipient)
	r.ClientIdentity[0] = 1
	r.ClientEncryptionKey[0] = 2
	r.Gateway[0] = 3
	return r
}

func TestDispatcher(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := testState(t, testConfig(t, "10.1.0.0/16", 0))
	control, sink := new(controlRecorder), new(sinkRecorder)
	d := NewDispatcher(s, control, sink)

	hops := uint8(0)
	connect, id := iprequest.NewStaticConnect(netip.MustParseAddr("10.1.0.5"), testReplyTo(), &hops, nil)
	b, err := d.Outbound(connect)
	require.NoError(err)
	require.NoError(d.OnMessage(b))

	disconnect, _ := iprequest.NewDisconnect(testReplyTo())
	require.NoError(d.OnMessage(disconnect.ToBytes()))

	require.NoError(d.OnMessage(iprequest.NewData([]byte{1, 2, 4, 2, 5}).ToBytes()))

	require.Len(control.reqs, 2)
	got, ok := control.reqs[0].ID()
	require.True(ok)
	require.Equal(id, got)
	require.Equal(iprequest.ReplyRoute{Hops: 0, HopsOverridden: true}, control.routes[0])
	require.Equal(iprequest.ReplyRoute{Hops: *s.Config().Routing.DefaultReplyHops}, control.routes[1])
	require.Equal([][]byte{{1, 2, 4, 2, 5}}, sink.packets)
}

func TestDispatcherDrops(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := testState(t, testConfig(t, "10.1.0.0/16", 0))
	control, sink := new(controlRecorder), new(sinkRecorder)
	d := NewDispatcher(s, control, sink)

	require.ErrorIs(d.OnMessage([]byte{iprequest.CurrentVersion, 9}), iprequest.ErrMalformedMessage)
	require.ErrorIs(d.OnMessage([]byte{3, 3, 0}), iprequest.ErrUnsupportedVersion)
	require.ErrorIs(d.OnMessage(nil), iprequest.ErrMalformedMessage)

	sink.err = errors.New("tunnel down")
	require.ErrorIs(d.OnMessage(iprequest.NewData([]byte{1}).ToBytes()), sink.err)

	require.Empty(control.reqs)
	require.Empty(sink.packets)
}
