// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package clientdb persists registered gateway clients in a bolt database.
package clientdb

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/server/registry"
)

const (
	metadataBucket = "metadata"
	clientsBucket  = "clients"
	versionKey     = "version"

	dbVersion = 0
)

type record struct {
	TunnelIP        string
	RegisteredAt    int64
	LastHandshakeAt int64
}

// DB is a bolt backed store of registry.GatewayClient records, keyed by
// peer public key.
type DB struct {
	db *bolt.DB
}

// New creates (or loads) a client database with the given file name f.
func New(f string) (*DB, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &DB{db: db}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(clientsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("clientdb: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		d.db.Close()
		return nil, err
	}
	return d, nil
}

// Put stores c, replacing any record for the same key.
func (d *DB) Put(c *registry.GatewayClient) error {
	b, err := cbor.Marshal(&record{
		TunnelIP:        c.TunnelIP.String(),
		RegisteredAt:    c.RegisteredAt.UnixNano(),
		LastHandshakeAt: c.LastHandshakeAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(clientsBucket)).Put(c.PublicKey.Bytes(), b)
	})
}

// Delete removes the record for key. Deleting a missing record is not an
// error.
func (d *DB) Delete(key peer.PublicKey) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(clientsBucket)).Delete(key.Bytes())
	})
}

// All returns every stored record.
func (d *DB) All() ([]registry.GatewayClient, error) {
	var clients []registry.GatewayClient
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(clientsBucket)).ForEach(func(k, v []byte) error {
			key, err := peer.FromBytes(k)
			if err != nil {
				return fmt.Errorf("clientdb: corrupt key: %w", err)
			}
			var r record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("clientdb: corrupt record for %s: %w", key, err)
			}
			ip, err := netip.ParseAddr(r.TunnelIP)
			if err != nil {
				return fmt.Errorf("clientdb: corrupt record for %s: %w", key, err)
			}
			clients = append(clients, registry.GatewayClient{
				PublicKey:       key,
				TunnelIP:        ip,
				RegisteredAt:    time.Unix(0, r.RegisteredAt),
				LastHandshakeAt: time.Unix(0, r.LastHandshakeAt),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	if err := d.db.Sync(); err != nil {
		d.db.Close()
		return err
	}
	return d.db.Close()
}
