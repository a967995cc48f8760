// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"errors"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ipgateway/core/iprequest"
	"github.com/katzenpost/ipgateway/server/internal/instrument"
)

// ControlHandler acts on Connect and Disconnect requests and answers them
// over the reply route.
type ControlHandler interface {
	HandleControl(req *iprequest.IPPacketRequest, route iprequest.ReplyRoute)
}

// PacketSink takes tunnelled IP packets, typically the tunnel device.
type PacketSink interface {
	WritePacket(pkt []byte) error
}

// Dispatcher is the boundary between the mixnet transport and the gateway.
// Transport payloads are decoded and routed by request kind. Undecodable
// payloads are dropped.
type Dispatcher struct {
	log         *logging.Logger
	control     ControlHandler
	sink        PacketSink
	defaultHops uint8
}

// NewDispatcher creates a dispatcher for s.
func NewDispatcher(s *State, control ControlHandler, sink PacketSink) *Dispatcher {
	return &Dispatcher{
		log:         s.log,
		control:     control,
		sink:        sink,
		defaultHops: *s.cfg.Routing.DefaultReplyHops,
	}
}

// OnMessage handles one payload received from the transport. The returned
// error is informational: the payload has already been dropped.
func (d *Dispatcher) OnMessage(payload []byte) error {
	req, err := iprequest.Decode(payload)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, iprequest.ErrUnsupportedVersion) {
			reason = "unsupported_version"
		}
		d.log.Debugf("Dropping %d byte message: %v", len(payload), err)
		instrument.MessageDropped(reason)
		return err
	}
	instrument.Request(req.Kind())

	switch r := req.Data.(type) {
	case *iprequest.DataRequest:
		if err := d.sink.WritePacket(r.IPPacket); err != nil {
			d.log.Debugf("Dropping %d byte packet: %v", len(r.IPPacket), err)
			instrument.MessageDropped("sink")
			return err
		}
	default:
		route := req.Route(d.defaultHops)
		id, _ := req.ID()
		d.log.Debugf("%s request %d, reply hops %d", req.Kind(), id, route.Hops)
		d.control.HandleControl(req, route)
	}
	return nil
}

// Outbound encodes msg for the transport.
func (d *Dispatcher) Outbound(msg *iprequest.IPPacketRequest) ([]byte, error) {
	return msg.Encode()
}
