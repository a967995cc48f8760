// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the IP gateway server lifecycle.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/core/log"
	"github.com/katzenpost/ipgateway/core/utils"
	"github.com/katzenpost/ipgateway/server/config"
	"github.com/katzenpost/ipgateway/server/gateway"
	"github.com/katzenpost/ipgateway/server/internal/clientdb"
	"github.com/katzenpost/ipgateway/server/internal/instrument"
	"github.com/katzenpost/ipgateway/server/internal/listener"
)

const (
	privateKeyFile = "gateway.private.pem"
	publicKeyFile  = "gateway.public.pem"
	clientDBFile   = "clients.db"

	metricsShutdownTimeout = 5 * time.Second
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a running IP gateway instance.
type Server struct {
	cfg *config.Config

	privateKey *x25519.PrivateKey

	state    *gateway.State
	clientDB *clientdb.DB
	reaper   *gateway.Reaper
	listener *listener.Listener
	metrics  *http.Server

	logBackend *log.Backend
	log        *logging.Logger

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Gateway.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Gateway.DataDir, p)
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// initKeys loads the gateway keypair from the DataDir, generating and
// persisting a fresh one on first start.
func (s *Server) initKeys() error {
	privFile := filepath.Join(s.cfg.Gateway.DataDir, privateKeyFile)
	pubFile := filepath.Join(s.cfg.Gateway.DataDir, publicKeyFile)
	scheme := x25519.Scheme(rand.Reader)

	exists, err := utils.KeypairExists(privFile, pubFile)
	if err != nil {
		return err
	}

	if !exists {
		s.log.Noticef("Gateway keypair does not exist, creating new keypair: %s and %s", privFile, pubFile)
		s.privateKey, err = x25519.NewKeypair(rand.Reader)
		if err != nil {
			return err
		}
		if err = pem.PrivateKeyToFile(privFile, s.privateKey, scheme); err != nil {
			return err
		}
		return pem.PublicKeyToFile(pubFile, s.privateKey.Public(), scheme)
	}

	s.log.Noticef("Using gateway keypair which already exists: %s and %s", privFile, pubFile)
	privKey, err := pem.FromPrivatePEMFile(privFile, scheme)
	if err != nil {
		return err
	}
	pubKey, err := pem.FromPublicPEMFile(pubFile, scheme)
	if err != nil {
		return err
	}
	var ok bool
	if s.privateKey, ok = privKey.(*x25519.PrivateKey); !ok {
		return fmt.Errorf("server: unexpected private key type %T", privKey)
	}
	if !bytes.Equal(s.privateKey.Public().Bytes(), pubKey.Bytes()) {
		return fmt.Errorf("server: %s does not match %s", pubFile, privFile)
	}
	return nil
}

// initState opens the client store and restores every persisted
// registration into a fresh gateway state.
func (s *Server) initState() error {
	var err error
	s.clientDB, err = clientdb.New(filepath.Join(s.cfg.Gateway.DataDir, clientDBFile))
	if err != nil {
		return err
	}
	s.state, err = gateway.New(s.cfg, s.logBackend, s.privateKey, gateway.WithStore(s.clientDB))
	if err != nil {
		return err
	}

	clients, err := s.clientDB.All()
	if err != nil {
		return err
	}
	n := s.state.Restore(clients)
	s.log.Noticef("Restored %d of %d stored clients", n, len(clients))
	return nil
}

func (s *Server) startMetrics() {
	instrument.Init()
	if s.cfg.Gateway.MetricsAddress == "" {
		return
	}

	s.metrics = instrument.NewServer(s.cfg.Gateway.MetricsAddress)
	s.metrics.ErrorLog = s.logBackend.GetGoLogger("metrics", "WARNING")
	go func() {
		s.log.Noticef("Serving metrics on %v", s.cfg.Gateway.MetricsAddress)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fatalErrCh <- fmt.Errorf("metrics server failed: %v", err)
		}
	}()
}

func (s *Server) startServices() error {
	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	s.startMetrics()
	s.reaper = gateway.NewReaper(s.state)

	var err error
	s.listener, err = listener.New(s.state, s.logBackend)
	if err != nil {
		s.log.Errorf("Failed to start listener '%v': %v", s.cfg.Gateway.BindAddress, err)
		return err
	}
	s.log.Noticef("Registration listener bound to %v", s.listener.Addr())
	return nil
}

// PublicKey returns the gateway's public key in its text form.
func (s *Server) PublicKey() string {
	return s.state.PublicKey().String()
}

// State returns the shared gateway state.
func (s *Server) State() *gateway.State {
	return s.state
}

// NewDispatcher returns a transport boundary dispatcher bound to this
// gateway's state.
func (s *Server) NewDispatcher(control gateway.ControlHandler, sink gateway.PacketSink) *gateway.Dispatcher {
	return gateway.NewDispatcher(s.state, control, sink)
}

// LogBackend returns the server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop admitting peers before tearing down the state they land in.
	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}
	if s.reaper != nil {
		s.reaper.Halt()
		s.reaper = nil
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.log.Warningf("Failed to stop metrics server: %v", err)
		}
		cancel()
		s.metrics = nil
	}
	if s.clientDB != nil {
		if err := s.clientDB.Close(); err != nil {
			s.log.Errorf("Failed to close client database: %v", err)
		}
		s.clientDB = nil
	}

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Starting Katzenpost IP gateway")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	if err := s.initKeys(); err != nil {
		s.log.Errorf("Failed to initialize gateway keys: %v", err)
		return nil, err
	}
	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	if err := s.initState(); err != nil {
		s.log.Errorf("Failed to initialize gateway state: %v", err)
		return nil, err
	}
	if err := s.startServices(); err != nil {
		return nil, err
	}

	isOk = true
	s.log.Noticef("Gateway public key: %s", s.PublicKey())
	return s, nil
}
