// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/katzenpost/ipgateway/core/recipient"
)

const (
	ipTagV4 = 0
	ipTagV6 = 1
)

var (
	// ErrMalformedMessage is returned when a buffer is truncated or does not
	// follow the request layout.
	ErrMalformedMessage = errors.New("iprequest: malformed message")

	// ErrUnsupportedVersion is returned when the leading version byte is not
	// CurrentVersion.
	ErrUnsupportedVersion = errors.New("iprequest: unsupported version")

	// ErrEncodingFailure is returned when an in-memory request cannot be
	// represented on the wire. Requests built with the New* constructors
	// never produce it.
	ErrEncodingFailure = errors.New("iprequest: encoding failure")
)

// Encode serializes r.
func (r *IPPacketRequest) Encode() ([]byte, error) {
	e := &encoder{b: make([]byte, 0, r.sizeHint())}
	e.u8(r.Version)

	switch d := r.Data.(type) {
	case *StaticConnectRequest:
		e.varint(uint64(tagStaticConnect))
		e.varint(d.RequestID)
		if err := e.ip(d.IP); err != nil {
			return nil, err
		}
		e.recipient(&d.ReplyTo)
		e.optionU8(d.ReplyToHops)
		e.optionF64(d.ReplyToAvgMixDelays)
	case *DynamicConnectRequest:
		e.varint(uint64(tagDynamicConnect))
		e.varint(d.RequestID)
		e.recipient(&d.ReplyTo)
		e.optionU8(d.ReplyToHops)
		e.optionF64(d.ReplyToAvgMixDelays)
	case *DisconnectRequest:
		e.varint(uint64(tagDisconnect))
		e.varint(d.RequestID)
		e.recipient(&d.ReplyTo)
	case *DataRequest:
		e.varint(uint64(tagData))
		e.bytes(d.IPPacket)
	default:
		return nil, fmt.Errorf("%w: no payload", ErrEncodingFailure)
	}
	return e.b, nil
}

// ToBytes serializes r, panicking if r cannot be encoded. Failure here is a
// programming error, not a runtime condition.
func (r *IPPacketRequest) ToBytes() []byte {
	b, err := r.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

func (r *IPPacketRequest) sizeHint() int {
	const overhead = 1 + 1 + 9
	if d, ok := r.Data.(*DataRequest); ok {
		return overhead + 9 + len(d.IPPacket)
	}
	return overhead + 17 + 1 + recipient.Length + 2 + 9
}

func (e *encoder) ip(addr netip.Addr) error {
	switch {
	case !addr.IsValid():
		return fmt.Errorf("%w: invalid IP address", ErrEncodingFailure)
	case addr.Zone() != "":
		return fmt.Errorf("%w: zoned IP address", ErrEncodingFailure)
	case addr.Is4():
		e.varint(ipTagV4)
		b := addr.As4()
		e.raw(b[:])
	default:
		e.varint(ipTagV6)
		b := addr.As16()
		e.raw(b[:])
	}
	return nil
}

func (e *encoder) recipient(r *recipient.Recipient) {
	e.bytes(r.Bytes())
}

// Decode parses a request. The version byte is checked before anything else,
// so a buffer with a foreign version fails with ErrUnsupportedVersion even if
// the rest of it is garbage.
func Decode(b []byte) (*IPPacketRequest, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedMessage)
	}
	if b[0] != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}

	d := &decoder{b: b, off: 1}
	tag, err := d.varint()
	if err != nil {
		return nil, err
	}

	r := &IPPacketRequest{Version: b[0]}
	switch variantTag(tag) {
	case tagStaticConnect:
		r.Data, err = d.staticConnect()
	case tagDynamicConnect:
		r.Data, err = d.dynamicConnect()
	case tagDisconnect:
		r.Data, err = d.disconnect()
	case tagData:
		r.Data, err = d.data()
	default:
		return nil, fmt.Errorf("%w: unknown variant %d", ErrMalformedMessage, tag)
	}
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, d.remaining())
	}
	return r, nil
}

func (d *decoder) staticConnect() (*StaticConnectRequest, error) {
	var (
		req = new(StaticConnectRequest)
		err error
	)
	if req.RequestID, err = d.varint(); err != nil {
		return nil, err
	}
	if req.IP, err = d.ip(); err != nil {
		return nil, err
	}
	if err = d.recipient(&req.ReplyTo); err != nil {
		return nil, err
	}
	if req.ReplyToHops, err = d.optionU8(); err != nil {
		return nil, err
	}
	if req.ReplyToAvgMixDelays, err = d.optionF64(); err != nil {
		return nil, err
	}
	return req, nil
}

func (d *decoder) dynamicConnect() (*DynamicConnectRequest, error) {
	var (
		req = new(DynamicConnectRequest)
		err error
	)
	if req.RequestID, err = d.varint(); err != nil {
		return nil, err
	}
	if err = d.recipient(&req.ReplyTo); err != nil {
		return nil, err
	}
	if req.ReplyToHops, err = d.optionU8(); err != nil {
		return nil, err
	}
	if req.ReplyToAvgMixDelays, err = d.optionF64(); err != nil {
		return nil, err
	}
	return req, nil
}

func (d *decoder) disconnect() (*DisconnectRequest, error) {
	var (
		req = new(DisconnectRequest)
		err error
	)
	if req.RequestID, err = d.varint(); err != nil {
		return nil, err
	}
	if err = d.recipient(&req.ReplyTo); err != nil {
		return nil, err
	}
	return req, nil
}

func (d *decoder) data() (*DataRequest, error) {
	b, err := d.bytes()
	if err != nil {
		return nil, err
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	return &DataRequest{IPPacket: pkt}, nil
}

func (d *decoder) ip() (netip.Addr, error) {
	tag, err := d.varint()
	if err != nil {
		return netip.Addr{}, err
	}
	switch tag {
	case ipTagV4:
		b, err := d.take(4)
		if err != nil {
			return netip.Addr{}, err
		}
		return netip.AddrFrom4([4]byte(b)), nil
	case ipTagV6:
		b, err := d.take(16)
		if err != nil {
			return netip.Addr{}, err
		}
		return netip.AddrFrom16([16]byte(b)), nil
	default:
		return netip.Addr{}, fmt.Errorf("%w: unknown address family %d", ErrMalformedMessage, tag)
	}
}

func (d *decoder) recipient(dst *recipient.Recipient) error {
	b, err := d.bytes()
	if err != nil {
		return err
	}
	r, err := recipient.FromBytes(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	*dst = *r
	return nil
}
