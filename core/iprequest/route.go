// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

// ReplyRoute is the reply path policy derived from a connect request.
type ReplyRoute struct {
	// Hops is the number of mix hops between entry and exit.
	Hops uint8

	// HopsOverridden is set when the client picked Hops rather than the
	// network default. An explicit zero is an override.
	HopsOverridden bool

	// AvgMixDelay is the client's requested average per hop delay in
	// milliseconds, if any.
	AvgMixDelay *float64

	// DelayEnforced is always false. The delay is recorded and passed
	// along, mix scheduling does not honour it.
	DelayEnforced bool
}

// ResolveReplyRoute applies the client's optional hop and delay preferences
// on top of the network default.
func ResolveReplyRoute(hops *uint8, delays *float64, defaultHops uint8) ReplyRoute {
	r := ReplyRoute{
		Hops: defaultHops,
	}
	if hops != nil {
		r.Hops = *hops
		r.HopsOverridden = true
	}
	if delays != nil {
		d := *delays
		r.AvgMixDelay = &d
	}
	return r
}

// Route returns the reply route for a connect request. Requests that carry no
// route preferences (Disconnect, Data) get the default.
func (r *IPPacketRequest) Route(defaultHops uint8) ReplyRoute {
	switch d := r.Data.(type) {
	case *StaticConnectRequest:
		return ResolveReplyRoute(d.ReplyToHops, d.ReplyToAvgMixDelays, defaultHops)
	case *DynamicConnectRequest:
		return ResolveReplyRoute(d.ReplyToHops, d.ReplyToAvgMixDelays, defaultHops)
	default:
		return ResolveReplyRoute(nil, nil, defaultHops)
	}
}
