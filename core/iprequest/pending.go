// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package iprequest

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrDuplicateRequestID is returned by Track when the id is already waiting
// for a reply.
var ErrDuplicateRequestID = errors.New("iprequest: duplicate request id")

type pendingRequest struct {
	replyCh  chan []byte
	deadline time.Time
}

// PendingRequests correlates replies with the Connect and Disconnect requests
// that caused them, by request id.
type PendingRequests struct {
	sync.Mutex

	clock   clock.Clock
	pending map[uint64]*pendingRequest
}

// NewPendingRequests creates a tracker. A nil clk uses the wall clock.
func NewPendingRequests(clk clock.Clock) *PendingRequests {
	if clk == nil {
		clk = clock.New()
	}
	return &PendingRequests{
		clock:   clk,
		pending: make(map[uint64]*pendingRequest),
	}
}

// Track registers id and returns the channel its reply will be delivered on.
// The channel is closed on delivery, Forget, or expiry.
func (p *PendingRequests) Track(id uint64, timeout time.Duration) (<-chan []byte, error) {
	p.Lock()
	defer p.Unlock()

	if _, ok := p.pending[id]; ok {
		return nil, ErrDuplicateRequestID
	}
	req := &pendingRequest{
		replyCh:  make(chan []byte, 1),
		deadline: p.clock.Now().Add(timeout),
	}
	p.pending[id] = req
	return req.replyCh, nil
}

// HandleReply delivers payload to the request waiting on id. It returns false
// if nothing is waiting, including when the request has already expired.
func (p *PendingRequests) HandleReply(id uint64, payload []byte) bool {
	p.Lock()
	defer p.Unlock()

	req, ok := p.pending[id]
	if !ok {
		return false
	}
	delete(p.pending, id)
	if p.clock.Now().After(req.deadline) {
		close(req.replyCh)
		return false
	}
	req.replyCh <- payload
	close(req.replyCh)
	return true
}

// Forget stops tracking id.
func (p *PendingRequests) Forget(id uint64) {
	p.Lock()
	defer p.Unlock()

	if req, ok := p.pending[id]; ok {
		delete(p.pending, id)
		close(req.replyCh)
	}
}

// Expire drops every request past its deadline and returns how many were
// dropped.
func (p *PendingRequests) Expire() int {
	p.Lock()
	defer p.Unlock()

	now := p.clock.Now()
	n := 0
	for id, req := range p.pending {
		if now.After(req.deadline) {
			delete(p.pending, id)
			close(req.replyCh)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding requests.
func (p *PendingRequests) Len() int {
	p.Lock()
	defer p.Unlock()
	return len(p.pending)
}
