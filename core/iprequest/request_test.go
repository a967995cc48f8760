// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

import (
	"bytes"
	"net/netip"
	"reflect"
	"testing"

	cartesian "github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/core/recipient"
)

const testAddress = "D1rrpsysCGCYXy9saP8y3kmNpGtJZUXN9SvFoUcqAsM9.9Ssso1ea5NfkbMASdiseDSjTN1fSWda5SgEVjdSN4CvV@GJqd3ZxpXWSNxTfx7B1pPtswpetH4LnJdFeLeuY5KUuN"

func testRecipient(t *testing.T) *recipient.Recipient {
	r, err := recipient.Parse(testAddress)
	require.NoError(t, err)
	return r
}

func u8p(v uint8) *uint8       { return &v }
func f64p(v float64) *float64 { return &v }

func TestStaticConnectVector(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	req := &IPPacketRequest{
		Version: CurrentVersion,
		Data: &StaticConnectRequest{
			RequestID: 123,
			IP:        netip.MustParseAddr("10.0.0.1"),
			ReplyTo:   *testRecipient(t),
		},
	}
	b, err := req.Encode()
	require.NoError(err)
	require.Len(b, 107)
	require.Equal([]byte{CurrentVersion, 0, 123, 0, 10, 0, 0, 1, 96}, b[:9])
	require.Equal([]byte{0, 0}, b[105:])

	decoded, err := Decode(b)
	require.NoError(err)
	require.Equal(req, decoded)
}

func TestDataVector(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b := NewData(make([]byte, 32)).ToBytes()
	require.Len(b, 35)
	require.Equal([]byte{CurrentVersion, 3, 32}, b[:3])

	packet := []byte{1, 2, 4, 2, 5}
	decoded, err := Decode(NewData(packet).ToBytes())
	require.NoError(err)
	d, ok := decoded.Data.(*DataRequest)
	require.True(ok)
	require.Equal(packet, d.IPPacket)
	require.Equal("data", decoded.Kind())
}

func TestRoundTripGrid(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	replyTo := testRecipient(t)
	payloads := []interface{}{
		&StaticConnectRequest{RequestID: 0, IP: netip.MustParseAddr("10.1.2.3"), ReplyTo: *replyTo},
		&StaticConnectRequest{RequestID: 1 << 40, IP: netip.MustParseAddr("fd00::1"), ReplyTo: *replyTo},
		&DynamicConnectRequest{RequestID: 251, ReplyTo: *replyTo},
		&DynamicConnectRequest{RequestID: 65536, ReplyTo: *replyTo},
	}
	hops := []interface{}{(*uint8)(nil), u8p(0), u8p(3), u8p(255)}
	delays := []interface{}{(*float64)(nil), f64p(0), f64p(12.5), f64p(-1)}

	for combo := range cartesian.Iter(payloads, hops, delays) {
		var p Payload
		switch v := combo[0].(type) {
		case *StaticConnectRequest:
			c := *v
			c.ReplyToHops, c.ReplyToAvgMixDelays = combo[1].(*uint8), combo[2].(*float64)
			p = &c
		case *DynamicConnectRequest:
			c := *v
			c.ReplyToHops, c.ReplyToAvgMixDelays = combo[1].(*uint8), combo[2].(*float64)
			p = &c
		}
		req := &IPPacketRequest{Version: CurrentVersion, Data: p}
		b, err := req.Encode()
		require.NoError(err)
		decoded, err := Decode(b)
		require.NoError(err)
		require.Equal(req, decoded)
	}

	for _, id := range []uint64{0, 250, 251, 1 << 16, 1 << 32, ^uint64(0)} {
		req := &IPPacketRequest{
			Version: CurrentVersion,
			Data:    &DisconnectRequest{RequestID: id, ReplyTo: *replyTo},
		}
		decoded, err := Decode(req.ToBytes())
		require.NoError(err)
		require.Equal(req, decoded)
	}
}

func TestHopsZeroIsNotDefault(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	replyTo := testRecipient(t)
	withZero, _ := NewDynamicConnect(replyTo, u8p(0), nil)
	withNone, _ := NewDynamicConnect(replyTo, nil, nil)

	a, b := withZero.ToBytes(), withNone.ToBytes()
	require.False(bytes.Equal(a, b))
	require.Len(a, len(b)+1)

	decoded, err := Decode(a)
	require.NoError(err)
	route := decoded.Route(2)
	require.True(route.HopsOverridden)
	require.Equal(uint8(0), route.Hops)

	decoded, err = Decode(b)
	require.NoError(err)
	route = decoded.Route(2)
	require.False(route.HopsOverridden)
	require.Equal(uint8(2), route.Hops)
}

func TestVersionGate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b := NewData([]byte{1, 2, 3}).ToBytes()
	for _, v := range []byte{0, 1, 3, 5, 255} {
		b[0] = v
		_, err := Decode(b)
		require.ErrorIs(err, ErrUnsupportedVersion)
	}

	// The version is checked before the body is looked at.
	_, err := Decode([]byte{3, 0xff, 0xff})
	require.ErrorIs(err, ErrUnsupportedVersion)
	require.NotErrorIs(err, ErrMalformedMessage)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Decode(nil)
	require.ErrorIs(err, ErrMalformedMessage)

	req, _ := NewStaticConnect(netip.MustParseAddr("10.0.0.1"), testRecipient(t), u8p(1), f64p(2))
	b := req.ToBytes()
	for i := 1; i < len(b); i++ {
		_, err = Decode(b[:i])
		require.ErrorIs(err, ErrMalformedMessage, "prefix %d", i)
	}

	_, err = Decode(append(b, 0))
	require.ErrorIs(err, ErrMalformedMessage)

	for name, raw := range map[string][]byte{
		"unknown variant":     {CurrentVersion, 4},
		"non-canonical tag":   {CurrentVersion, 251, 0, 3, 0},
		"invalid marker":      {CurrentVersion, 254},
		"length past end":     {CurrentVersion, 3, 10, 1, 2},
		"bad address family":  {CurrentVersion, 0, 1, 2, 10, 0, 0, 1},
		"short recipient":     {CurrentVersion, 2, 1, 1, 0},
		"non-canonical u16":   {CurrentVersion, 3, 251, 0, 1, 0},
		"non-canonical u32":   {CurrentVersion, 3, 252, 0, 0, 0, 1, 0},
		"non-canonical u64":   {CurrentVersion, 3, 253, 0, 0, 0, 0, 0, 0, 0, 1, 0},
	} {
		_, err = Decode(raw)
		require.ErrorIs(err, ErrMalformedMessage, name)
	}

	bad := req.ToBytes()
	bad[len(bad)-9] = 2 // option tag for the delay
	_, err = Decode(bad)
	require.ErrorIs(err, ErrMalformedMessage)
}

func TestEncodeFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := (&IPPacketRequest{Version: CurrentVersion}).Encode()
	require.ErrorIs(err, ErrEncodingFailure)

	req := &IPPacketRequest{
		Version: CurrentVersion,
		Data:    &StaticConnectRequest{ReplyTo: *testRecipient(t)},
	}
	_, err = req.Encode()
	require.ErrorIs(err, ErrEncodingFailure)
	require.Panics(func() { req.ToBytes() })
}

func TestAccessors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	replyTo := testRecipient(t)
	static, staticID := NewStaticConnect(netip.MustParseAddr("10.0.0.2"), replyTo, nil, nil)
	dynamic, dynamicID := NewDynamicConnect(replyTo, nil, nil)
	disconnect, disconnectID := NewDisconnect(replyTo)

	for _, c := range []struct {
		req  *IPPacketRequest
		id   uint64
		kind string
	}{
		{static, staticID, "static_connect"},
		{dynamic, dynamicID, "dynamic_connect"},
		{disconnect, disconnectID, "disconnect"},
	} {
		id, ok := c.req.ID()
		require.True(ok)
		require.Equal(c.id, id)
		r, ok := c.req.Recipient()
		require.True(ok)
		require.Equal(replyTo, r)
		require.Equal(c.kind, c.req.Kind())
		require.Equal(CurrentVersion, c.req.Version)
	}

	data := NewData(nil)
	_, ok := data.ID()
	require.False(ok)
	_, ok = data.Recipient()
	require.False(ok)
}

// Not parallel: swaps the package id source.
func TestDeterministicRequestIDs(t *testing.T) {
	require := require.New(t)

	key := make([]byte, 32)
	ids := func() []uint64 {
		r, err := rand.NewDeterministicRandReader(key)
		require.NoError(err)
		prev := SetRandReader(r)
		defer SetRandReader(prev)

		var out []uint64
		for i := 0; i < 4; i++ {
			_, id := NewDisconnect(testRecipient(t))
			out = append(out, id)
		}
		return out
	}

	a, b := ids(), ids()
	require.Equal(a, b)
	require.NotEqual(a[0], a[1])
}

func TestEmptyDataRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, pkt := range [][]byte{nil, {}} {
		req := NewData(pkt)
		decoded, err := Decode(req.ToBytes())
		require.NoError(err)
		// Deep equality, not require.Equal, which treats nil and empty byte
		// slices alike.
		require.True(reflect.DeepEqual(req, decoded), "%#v != %#v", req.Data, decoded.Data)
	}
}
