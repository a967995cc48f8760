// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Integers wider than a byte use a variable length big endian encoding:
// values below 251 are a single byte, larger values are a marker byte
// followed by a fixed width integer.
const (
	varintU16 = 251
	varintU32 = 252
	varintU64 = 253

	singleByteMax = 250
)

type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8) {
	e.b = append(e.b, v)
}

func (e *encoder) varint(v uint64) {
	switch {
	case v <= singleByteMax:
		e.b = append(e.b, byte(v))
	case v <= math.MaxUint16:
		e.b = append(e.b, varintU16)
		e.b = binary.BigEndian.AppendUint16(e.b, uint16(v))
	case v <= math.MaxUint32:
		e.b = append(e.b, varintU32)
		e.b = binary.BigEndian.AppendUint32(e.b, uint32(v))
	default:
		e.b = append(e.b, varintU64)
		e.b = binary.BigEndian.AppendUint64(e.b, v)
	}
}

func (e *encoder) f64(v float64) {
	e.b = binary.BigEndian.AppendUint64(e.b, math.Float64bits(v))
}

func (e *encoder) raw(b []byte) {
	e.b = append(e.b, b...)
}

func (e *encoder) bytes(b []byte) {
	e.varint(uint64(len(b)))
	e.raw(b)
}

func (e *encoder) optionU8(v *uint8) {
	if v == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.u8(*v)
}

func (e *encoder) optionF64(v *float64) {
	if v == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.f64(*v)
}

type decoder struct {
	b   []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.b) - d.off
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedMessage, d.off)
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) varint() (uint64, error) {
	marker, err := d.u8()
	if err != nil {
		return 0, err
	}

	var v, floor uint64
	switch marker {
	case varintU16:
		b, err := d.take(2)
		if err != nil {
			return 0, err
		}
		v, floor = uint64(binary.BigEndian.Uint16(b)), singleByteMax+1
	case varintU32:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		v, floor = uint64(binary.BigEndian.Uint32(b)), math.MaxUint16+1
	case varintU64:
		b, err := d.take(8)
		if err != nil {
			return 0, err
		}
		v, floor = binary.BigEndian.Uint64(b), math.MaxUint32+1
	default:
		if marker > singleByteMax {
			return 0, fmt.Errorf("%w: invalid integer marker 0x%02x", ErrMalformedMessage, marker)
		}
		return uint64(marker), nil
	}
	if v < floor {
		return 0, fmt.Errorf("%w: non-canonical integer", ErrMalformedMessage)
	}
	return v, nil
}

func (d *decoder) f64() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.remaining()) {
		return nil, fmt.Errorf("%w: length %d exceeds buffer", ErrMalformedMessage, n)
	}
	return d.take(int(n))
}

func (d *decoder) optionTag() (bool, error) {
	t, err := d.u8()
	if err != nil {
		return false, err
	}
	switch t {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid option tag %d", ErrMalformedMessage, t)
	}
}

func (d *decoder) optionU8() (*uint8, error) {
	present, err := d.optionTag()
	if err != nil || !present {
		return nil, err
	}
	v, err := d.u8()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *decoder) optionF64() (*float64, error) {
	present, err := d.optionTag()
	if err != nil || !present {
		return nil, err
	}
	v, err := d.f64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}
