// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package listener accepts peer registration connections.
package listener

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ipgateway/core/log"
	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/core/worker"
	"github.com/katzenpost/ipgateway/server/gateway"
	"github.com/katzenpost/ipgateway/server/internal/instrument"
	"github.com/katzenpost/ipgateway/server/registration"
)

const keepAliveInterval = 3 * time.Minute

// Listener runs the registration handshake for each accepted connection.
type Listener struct {
	sync.Mutex
	worker.Worker

	state *gateway.State
	log   *logging.Logger

	l     net.Listener
	conns map[net.Conn]struct{}

	closeAllWg sync.WaitGroup
}

// New binds the registration listener to the configured BindAddress.
func New(s *gateway.State, logBackend *log.Backend) (*Listener, error) {
	l, err := net.Listen("tcp", s.Config().Gateway.BindAddress)
	if err != nil {
		return nil, err
	}
	return newListener(s, logBackend, l), nil
}

func newListener(s *gateway.State, logBackend *log.Backend, l net.Listener) *Listener {
	ln := &Listener{
		state: s,
		log:   logBackend.GetLogger("listener"),
		l:     l,
		conns: make(map[net.Conn]struct{}),
	}
	ln.Go(ln.worker)
	return ln
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Halt stops accepting, closes open connections and waits for their
// handlers to return.
func (l *Listener) Halt() {
	l.l.Close()
	l.Worker.Halt()

	l.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer l.log.Noticef("Stopping listening on: %v", addr)

	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Errorf("Accept failure: %v", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}
		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		l.onNewConn(conn)
	}
}

func (l *Listener) onNewConn(conn net.Conn) {
	l.Lock()
	defer l.Unlock()

	select {
	case <-l.HaltCh():
		conn.Close()
		return
	default:
	}

	l.conns[conn] = struct{}{}
	l.closeAllWg.Add(1)
	go func() {
		defer l.onClosedConn(conn)
		l.handle(conn)
	}()
}

func (l *Listener) onClosedConn(conn net.Conn) {
	conn.Close()

	l.Lock()
	delete(l.conns, conn)
	l.Unlock()
	l.closeAllWg.Done()
}

func rejectReason(err error) RejectReason {
	switch {
	case errors.Is(err, peer.ErrInvalidKey):
		return RejectInvalidKey
	case errors.Is(err, registration.ErrReplayDetected):
		return RejectReplay
	case errors.Is(err, registration.ErrAuthenticationFailed):
		return RejectAuthentication
	case errors.Is(err, registration.ErrInvalidState):
		return RejectProtocol
	default:
		return RejectInternal
	}
}

func (l *Listener) reject(conn net.Conn, err error) {
	reason := rejectReason(err)
	l.log.Debugf("Rejecting registration from %v: %v", conn.RemoteAddr(), err)
	instrument.Handshake(reason.String())
	if werr := writeFrame(conn, frameRejected, rejectedBody(reason, err.Error())); werr != nil {
		l.log.Debugf("Failed to send rejection to %v: %v", conn.RemoteAddr(), werr)
	}
}

func (l *Listener) expect(conn net.Conn, want frameType) ([]byte, error) {
	t, body, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("%w: got %v frame, expected %v", registration.ErrInvalidState, t, want)
	}
	return body, nil
}

func (l *Listener) handle(conn net.Conn) {
	timeout := time.Duration(l.state.Config().Registration.HandshakeTimeout) * time.Millisecond
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		l.log.Debugf("Failed to set deadline on %v: %v", conn.RemoteAddr(), err)
		return
	}

	body, err := l.expect(conn, frameInit)
	if err != nil {
		l.rejectOrDrop(conn, err)
		return
	}
	initMsg, err := registration.InitMessageFromBytes(body)
	if err != nil {
		if !errors.Is(err, peer.ErrInvalidKey) {
			err = fmt.Errorf("%w: %v", registration.ErrInvalidState, err)
		}
		l.reject(conn, err)
		return
	}

	h := l.state.NewHandshake()
	resp, err := h.OnInit(initMsg)
	if err != nil {
		l.reject(conn, err)
		return
	}
	if err = writeFrame(conn, frameResponse, resp.ToBytes()); err != nil {
		l.log.Debugf("Failed to send response to %v: %v", conn.RemoteAddr(), err)
		return
	}

	if body, err = l.expect(conn, frameClient); err != nil {
		l.rejectOrDrop(conn, err)
		return
	}
	clientMsg, err := registration.ClientMessageFromBytes(body)
	if err != nil {
		l.reject(conn, fmt.Errorf("%w: %v", registration.ErrInvalidState, err))
		return
	}
	client, err := h.OnClientMessage(clientMsg)
	if err != nil {
		l.reject(conn, err)
		return
	}

	instrument.Handshake("registered")
	if err = writeFrame(conn, frameRegistered, registeredBody(client.TunnelIP)); err != nil {
		l.log.Debugf("Failed to confirm registration to %v: %v", conn.RemoteAddr(), err)
	}
}

// rejectOrDrop answers protocol errors with a rejection, and silently drops
// connections that failed at the transport level.
func (l *Listener) rejectOrDrop(conn net.Conn, err error) {
	if errors.Is(err, registration.ErrInvalidState) {
		l.reject(conn, err)
		return
	}
	l.log.Debugf("Dropping registration from %v: %v", conn.RemoteAddr(), err)
	instrument.Handshake("dropped")
}
