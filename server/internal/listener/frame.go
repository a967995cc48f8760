// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package listener

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// Registration frames are [type:u8][length:u16 big endian][body].
const frameHeaderLength = 3

type frameType uint8

const (
	frameInit       frameType = 1
	frameResponse   frameType = 2
	frameClient     frameType = 3
	frameRegistered frameType = 4
	frameRejected   frameType = 5
)

func (t frameType) String() string {
	switch t {
	case frameInit:
		return "init"
	case frameResponse:
		return "response"
	case frameClient:
		return "client"
	case frameRegistered:
		return "registered"
	case frameRejected:
		return "rejected"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// RejectReason tells a peer why its registration was refused.
type RejectReason uint8

const (
	RejectInvalidKey RejectReason = 1 + iota
	RejectReplay
	RejectAuthentication
	RejectProtocol
	RejectInternal
)

func (r RejectReason) String() string {
	switch r {
	case RejectInvalidKey:
		return "invalid_key"
	case RejectReplay:
		return "replay"
	case RejectAuthentication:
		return "auth_failed"
	case RejectProtocol:
		return "protocol"
	case RejectInternal:
		return "internal"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

var errFrameTooLarge = errors.New("listener: frame too large")

func writeFrame(w io.Writer, t frameType, body []byte) error {
	if len(body) > 0xffff {
		return errFrameTooLarge
	}
	b := make([]byte, frameHeaderLength, frameHeaderLength+len(body))
	b[0] = byte(t)
	binary.BigEndian.PutUint16(b[1:], uint16(len(body)))
	_, err := w.Write(append(b, body...))
	return err
}

func readFrame(r io.Reader) (frameType, []byte, error) {
	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	body := make([]byte, binary.BigEndian.Uint16(hdr[1:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType(hdr[0]), body, nil
}

func rejectedBody(reason RejectReason, msg string) []byte {
	if len(msg) > 0xffff-1 {
		msg = msg[:0xffff-1]
	}
	return append([]byte{byte(reason)}, msg...)
}

func registeredBody(ip netip.Addr) []byte {
	return ip.AsSlice()
}
