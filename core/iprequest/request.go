// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package iprequest implements the versioned IP packet request protocol that
// clients send to the gateway over the mixnet.
package iprequest

import (
	"net/netip"

	"github.com/katzenpost/ipgateway/core/recipient"
)

// CurrentVersion is the protocol version emitted and accepted by this
// implementation.
const CurrentVersion uint8 = 4

type variantTag uint32

const (
	tagStaticConnect variantTag = iota
	tagDynamicConnect
	tagDisconnect
	tagData
)

// IPPacketRequest is a versioned request.
type IPPacketRequest struct {
	Version uint8
	Data    Payload
}

// Payload is one of *StaticConnectRequest, *DynamicConnectRequest,
// *DisconnectRequest or *DataRequest. The set is closed.
type Payload interface {
	tag() variantTag
}

// StaticConnectRequest asks for a specific tunnel IP.
type StaticConnectRequest struct {
	RequestID uint64
	IP        netip.Addr

	// ReplyTo is the address the response is sent to.
	ReplyTo recipient.Recipient

	// ReplyToHops is the number of mix hops the response takes in addition
	// to the entry and exit node. Zero means client -> entry -> exit -> client.
	// Nil uses the network default.
	ReplyToHops *uint8

	// ReplyToAvgMixDelays is the average per hop delay in milliseconds. The
	// gateway carries it but does not act on it.
	ReplyToAvgMixDelays *float64
}

// DynamicConnectRequest asks the gateway to pick a tunnel IP.
type DynamicConnectRequest struct {
	RequestID           uint64
	ReplyTo             recipient.Recipient
	ReplyToHops         *uint8
	ReplyToAvgMixDelays *float64
}

// DisconnectRequest tears down the client's tunnel.
type DisconnectRequest struct {
	RequestID uint64
	ReplyTo   recipient.Recipient
}

// DataRequest carries one IP packet. It is never correlated with a reply.
type DataRequest struct {
	IPPacket []byte
}

func (*StaticConnectRequest) tag() variantTag  { return tagStaticConnect }
func (*DynamicConnectRequest) tag() variantTag { return tagDynamicConnect }
func (*DisconnectRequest) tag() variantTag     { return tagDisconnect }
func (*DataRequest) tag() variantTag           { return tagData }

func (t variantTag) String() string {
	switch t {
	case tagStaticConnect:
		return "static_connect"
	case tagDynamicConnect:
		return "dynamic_connect"
	case tagDisconnect:
		return "disconnect"
	case tagData:
		return "data"
	default:
		return "unknown"
	}
}

// Kind returns a short name for the payload variant, used for logging and
// metrics labels.
func (r *IPPacketRequest) Kind() string {
	if r.Data == nil {
		return "unknown"
	}
	return r.Data.tag().String()
}

// NewStaticConnect builds a StaticConnect request with a fresh request id,
// and returns the id for the caller to track.
func NewStaticConnect(ip netip.Addr, replyTo *recipient.Recipient, hops *uint8, delays *float64) (*IPPacketRequest, uint64) {
	id := newRequestID()
	return &IPPacketRequest{
		Version: CurrentVersion,
		Data: &StaticConnectRequest{
			RequestID:           id,
			IP:                  ip,
			ReplyTo:             *replyTo,
			ReplyToHops:         hops,
			ReplyToAvgMixDelays: delays,
		},
	}, id
}

// NewDynamicConnect builds a DynamicConnect request with a fresh request id.
func NewDynamicConnect(replyTo *recipient.Recipient, hops *uint8, delays *float64) (*IPPacketRequest, uint64) {
	id := newRequestID()
	return &IPPacketRequest{
		Version: CurrentVersion,
		Data: &DynamicConnectRequest{
			RequestID:           id,
			ReplyTo:             *replyTo,
			ReplyToHops:         hops,
			ReplyToAvgMixDelays: delays,
		},
	}, id
}

// NewDisconnect builds a Disconnect request with a fresh request id.
func NewDisconnect(replyTo *recipient.Recipient) (*IPPacketRequest, uint64) {
	id := newRequestID()
	return &IPPacketRequest{
		Version: CurrentVersion,
		Data: &DisconnectRequest{
			RequestID: id,
			ReplyTo:   *replyTo,
		},
	}, id
}

// NewData wraps an IP packet. A nil packet is stored as an empty one, which
// is how it decodes.
func NewData(packet []byte) *IPPacketRequest {
	if packet == nil {
		packet = []byte{}
	}
	return &IPPacketRequest{
		Version: CurrentVersion,
		Data:    &DataRequest{IPPacket: packet},
	}
}

// ID returns the request id for Connect and Disconnect requests.
func (r *IPPacketRequest) ID() (uint64, bool) {
	switch d := r.Data.(type) {
	case *StaticConnectRequest:
		return d.RequestID, true
	case *DynamicConnectRequest:
		return d.RequestID, true
	case *DisconnectRequest:
		return d.RequestID, true
	case *DataRequest:
		return 0, false
	default:
		return 0, false
	}
}

// Recipient returns the reply address for Connect and Disconnect requests.
func (r *IPPacketRequest) Recipient() (*recipient.Recipient, bool) {
	switch d := r.Data.(type) {
	case *StaticConnectRequest:
		return &d.ReplyTo, true
	case *DynamicConnectRequest:
		return &d.ReplyTo, true
	case *DisconnectRequest:
		return &d.ReplyTo, true
	case *DataRequest:
		return nil, false
	default:
		return nil, false
	}
}
