// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/katzenpost/ipgateway/core/peer"
)

// ErrPoolExhausted is returned when every tunnel address is leased.
var ErrPoolExhausted = errors.New("gateway: tunnel address pool exhausted")

// IPPool leases tunnel addresses out of the private network. The network
// address, the gateway's own address and, for IPv4, the broadcast address
// are never handed out.
type IPPool struct {
	sync.Mutex

	prefix    netip.Prefix
	gateway   netip.Addr
	broadcast netip.Addr

	next   netip.Addr
	leases map[netip.Addr]peer.PublicKey
}

// NewIPPool creates a pool over prefix.
func NewIPPool(prefix netip.Prefix, gateway netip.Addr) *IPPool {
	prefix = prefix.Masked()
	p := &IPPool{
		prefix:  prefix,
		gateway: gateway,
		next:    prefix.Addr(),
		leases:  make(map[netip.Addr]peer.PublicKey),
	}
	if prefix.Addr().Is4() {
		b := prefix.Addr().As4()
		host := uint32(1)<<(32-prefix.Bits()) - 1
		binary.BigEndian.PutUint32(b[:], binary.BigEndian.Uint32(b[:])|host)
		p.broadcast = netip.AddrFrom4(b)
	}
	return p
}

func (p *IPPool) usable(ip netip.Addr) bool {
	return ip != p.prefix.Addr() && ip != p.gateway && ip != p.broadcast
}

func (p *IPPool) advance(ip netip.Addr) netip.Addr {
	n := ip.Next()
	if !n.IsValid() || !p.prefix.Contains(n) {
		return p.prefix.Addr()
	}
	return n
}

// Allocate leases the next free address to key.
func (p *IPPool) Allocate(key peer.PublicKey) (netip.Addr, error) {
	p.Lock()
	defer p.Unlock()

	start := p.next
	ip := start
	for {
		if _, taken := p.leases[ip]; !taken && p.usable(ip) {
			p.leases[ip] = key
			p.next = p.advance(ip)
			return ip, nil
		}
		ip = p.advance(ip)
		if ip == start {
			return netip.Addr{}, ErrPoolExhausted
		}
	}
}

// Reserve leases a specific address to key, as when reloading stored
// clients. Reserving an address already leased to key is a no-op.
func (p *IPPool) Reserve(ip netip.Addr, key peer.PublicKey) error {
	p.Lock()
	defer p.Unlock()

	if !p.prefix.Contains(ip) || !p.usable(ip) {
		return fmt.Errorf("gateway: address %v can not be leased from %v", ip, p.prefix)
	}
	if owner, taken := p.leases[ip]; taken && owner != key {
		return fmt.Errorf("gateway: address %v is already leased", ip)
	}
	p.leases[ip] = key
	return nil
}

// Release returns ip to the pool.
func (p *IPPool) Release(ip netip.Addr) {
	p.Lock()
	defer p.Unlock()
	delete(p.leases, ip)
}

// Owner returns the key ip is leased to.
func (p *IPPool) Owner(ip netip.Addr) (peer.PublicKey, bool) {
	p.Lock()
	defer p.Unlock()
	k, ok := p.leases[ip]
	return k, ok
}

// Len returns the number of leased addresses.
func (p *IPPool) Len() int {
	p.Lock()
	defer p.Unlock()
	return len(p.leases)
}
