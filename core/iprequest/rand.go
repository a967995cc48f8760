// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
)

var (
	idRandMu sync.Mutex
	idRand   io.Reader = rand.Reader
)

// SetRandReader replaces the entropy source used for request ids and returns
// the previous one. It exists so tests can make ids deterministic.
func SetRandReader(r io.Reader) io.Reader {
	idRandMu.Lock()
	defer idRandMu.Unlock()
	prev := idRand
	idRand = r
	return prev
}

func newRequestID() uint64 {
	var b [8]byte

	idRandMu.Lock()
	_, err := io.ReadFull(idRand, b[:])
	idRandMu.Unlock()
	if err != nil {
		panic("iprequest: failed to read entropy: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}
