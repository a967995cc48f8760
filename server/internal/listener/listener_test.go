// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package listener

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/core/log"
	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/server/config"
	"github.com/katzenpost/ipgateway/server/gateway"
	"github.com/katzenpost/ipgateway/server/registration"
)

type fixture struct {
	backend *log.Backend
	state   *gateway.State
}

func newFixture(t *testing.T) *fixture {
	require := require.New(t)

	cfg := &config.Config{
		Gateway: &config.Gateway{
			Identifier:  "gateway.example.com",
			DataDir:     t.TempDir(),
			BindAddress: "127.0.0.1:0",
		},
		Registration: &config.Registration{
			ReplayFilterSize: 12,
			HandshakeTimeout: 5000,
		},
	}
	require.NoError(cfg.FixupAndValidate())

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	priv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err)
	s, err := gateway.New(cfg, backend, priv)
	require.NoError(err)
	return &fixture{backend: backend, state: s}
}

// pipe serves one registration over net.Pipe and returns the peer's end.
func (f *fixture) pipe(t *testing.T) net.Conn {
	l := &Listener{
		state: f.state,
		log:   f.backend.GetLogger("listener"),
		conns: make(map[net.Conn]struct{}),
	}
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		l.handle(server)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client
}

type testPeer struct {
	priv *x25519.PrivateKey
	pub  peer.PublicKey
}

func newTestPeer(t *testing.T) *testPeer {
	priv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	pub, err := peer.FromNIKE(priv.Public())
	require.NoError(t, err)
	return &testPeer{priv: priv, pub: pub}
}

type result struct {
	ip     netip.Addr
	reason RejectReason
}

// register is the peer side of the exchange. tamper, if set, corrupts the
// client MAC before it is sent.
func (p *testPeer) register(t *testing.T, conn net.Conn, gatewayKey peer.PublicKey, nonce registration.Nonce, tamper bool) result {
	require := require.New(t)

	im := &registration.InitMessage{PublicKey: p.pub, Nonce: nonce}
	require.NoError(writeFrame(conn, frameInit, im.ToBytes()))

	typ, body, err := readFrame(conn)
	require.NoError(err)
	if typ == frameRejected {
		return result{reason: RejectReason(body[0])}
	}
	require.Equal(frameResponse, typ)
	resp, err := registration.ResponseFromBytes(body)
	require.NoError(err)

	shared, err := registration.SharedSecret(p.priv, gatewayKey)
	require.NoError(err)
	require.True(registration.VerifyGatewayMac(shared, p.pub, gatewayKey, nonce, resp.GatewayMac))
	msg := &registration.ClientMessage{ClientMac: registration.ComputeClientMac(shared, p.pub, gatewayKey, nonce)}
	if tamper {
		msg.ClientMac[0] ^= 1
	}
	require.NoError(writeFrame(conn, frameClient, msg.ToBytes()))

	typ, body, err = readFrame(conn)
	require.NoError(err)
	if typ == frameRejected {
		return result{reason: RejectReason(body[0])}
	}
	require.Equal(frameRegistered, typ)
	ip, ok := netip.AddrFromSlice(body)
	require.True(ok)
	return result{ip: ip}
}

func TestRegisterOverPipe(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newFixture(t)
	p := newTestPeer(t)

	r := p.register(t, f.pipe(t), f.state.PublicKey(), 1, false)
	require.Zero(r.reason)
	require.Equal(netip.MustParseAddr("10.1.0.2"), r.ip)

	// Replaying the same nonce is refused explicitly.
	r = p.register(t, f.pipe(t), f.state.PublicKey(), 1, false)
	require.Equal(RejectReplay, r.reason)

	// Registering again with a fresh nonce keeps the address.
	r = p.register(t, f.pipe(t), f.state.PublicKey(), 2, false)
	require.Equal(netip.MustParseAddr("10.1.0.2"), r.ip)

	r = newTestPeer(t).register(t, f.pipe(t), f.state.PublicKey(), 1, true)
	require.Equal(RejectAuthentication, r.reason)
	require.Equal(1, f.state.Registry().Len())
}

func TestRejections(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newFixture(t)

	conn := f.pipe(t)
	require.NoError(writeFrame(conn, frameInit, make([]byte, registration.InitMessageLength)))
	typ, body, err := readFrame(conn)
	require.NoError(err)
	require.Equal(frameRejected, typ)
	require.Equal(RejectInvalidKey, RejectReason(body[0]))
	require.Contains(string(body[1:]), "invalid public key")

	conn = f.pipe(t)
	require.NoError(writeFrame(conn, frameClient, make([]byte, registration.ClientMessageLength)))
	typ, body, err = readFrame(conn)
	require.NoError(err)
	require.Equal(frameRejected, typ)
	require.Equal(RejectProtocol, RejectReason(body[0]))

	conn = f.pipe(t)
	require.NoError(writeFrame(conn, frameInit, []byte{1, 2, 3}))
	typ, body, err = readFrame(conn)
	require.NoError(err)
	require.Equal(frameRejected, typ)
	require.Equal(RejectProtocol, RejectReason(body[0]))
}

func TestListenerTCP(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newFixture(t)
	l, err := New(f.state, f.backend)
	require.NoError(err)
	defer l.Halt()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), 5*time.Second)
	require.NoError(err)
	defer conn.Close()

	r := newTestPeer(t).register(t, conn, f.state.PublicKey(), 42, false)
	require.Zero(r.reason)
	require.True(r.ip.IsValid())

	// A connection left open is closed on Halt.
	idle, err := net.DialTimeout("tcp", l.Addr().String(), 5*time.Second)
	require.NoError(err)
	defer idle.Close()
}
