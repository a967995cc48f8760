// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package clientdb

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/server/registry"
)

func TestClientDB(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "clients.db")
	db, err := New(f)
	require.NoError(err)

	var k1, k2 peer.PublicKey
	k1[0], k2[0] = 1, 2
	now := time.Unix(1700000000, 12345)
	c1 := registry.GatewayClient{PublicKey: k1, TunnelIP: netip.MustParseAddr("10.1.0.2"), RegisteredAt: now, LastHandshakeAt: now}
	c2 := registry.GatewayClient{PublicKey: k2, TunnelIP: netip.MustParseAddr("fd00::2"), RegisteredAt: now, LastHandshakeAt: now.Add(time.Hour)}

	require.NoError(db.Put(&c1))
	require.NoError(db.Put(&c2))
	c1.LastHandshakeAt = now.Add(time.Minute)
	require.NoError(db.Put(&c1))
	require.NoError(db.Close())

	db, err = New(f)
	require.NoError(err)
	all, err := db.All()
	require.NoError(err)
	require.Len(all, 2)
	for _, c := range all {
		switch c.PublicKey {
		case k1:
			require.True(c1.LastHandshakeAt.Equal(c.LastHandshakeAt))
			require.Equal(c1.TunnelIP, c.TunnelIP)
		case k2:
			require.True(c2.RegisteredAt.Equal(c.RegisteredAt))
			require.Equal(c2.TunnelIP, c.TunnelIP)
		default:
			t.Fatalf("unexpected key %s", c.PublicKey)
		}
	}

	require.NoError(db.Delete(k1))
	require.NoError(db.Delete(k1))
	all, err = db.All()
	require.NoError(err)
	require.Len(all, 1)
	require.NoError(db.Close())
}

func TestClientDBVersion(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "clients.db")
	raw, err := bolt.Open(f, 0600, nil)
	require.NoError(err)
	require.NoError(raw.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucket([]byte(metadataBucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(versionKey), []byte{7})
	}))
	require.NoError(raw.Close())

	_, err = New(f)
	require.EqualError(err, "clientdb: incompatible version: 7")
}
