// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the IP gateway configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"
)

const (
	defaultBindAddress          = "0.0.0.0:51822"
	defaultAnnouncedPort        = 51822
	defaultPrivateIP            = "10.1.0.1"
	defaultPrivateNetworkPrefix = "10.1.0.0/16"
	defaultLogLevel             = "NOTICE"
	defaultNonceWindow          = 5 * 60 * 1000 // 5 min.
	defaultReplayFilterSize     = 20            // 128 KiB per generation.
	defaultReplayFalsePositive  = 0.001
	defaultHandshakeTimeout     = 30 * 1000 // 30 sec.
	defaultIdleCheckInterval    = 60 * 1000 // 1 min.
	defaultReplyHops            = 3
	defaultRegistryShards       = 32

	minReplayFilterSize = 10
	maxReplayFilterSize = 32
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Gateway is the gateway node configuration.
type Gateway struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// DataDir is the absolute path to the gateway's state files.
	DataDir string

	// BindAddress is the host:port the registration listener binds to.
	BindAddress string

	// AnnouncedPort is the tunnel port advertised to peers.
	AnnouncedPort uint16

	// PrivateIP is the gateway's own address inside the tunnel network.
	PrivateIP string

	// PrivateNetworkPrefix is the tunnel network peers are numbered from,
	// in CIDR notation.
	PrivateNetworkPrefix string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to. Metrics are not served when empty.
	MetricsAddress string
}

func (gCfg *Gateway) applyDefaults() {
	if gCfg.BindAddress == "" {
		gCfg.BindAddress = defaultBindAddress
	}
	if gCfg.AnnouncedPort == 0 {
		gCfg.AnnouncedPort = defaultAnnouncedPort
	}
	if gCfg.PrivateIP == "" {
		gCfg.PrivateIP = defaultPrivateIP
	}
	if gCfg.PrivateNetworkPrefix == "" {
		gCfg.PrivateNetworkPrefix = defaultPrivateNetworkPrefix
	}
}

func (gCfg *Gateway) validate() error {
	if gCfg.Identifier == "" {
		return errors.New("config: Gateway: Identifier is not set")
	}
	if !filepath.IsAbs(gCfg.DataDir) {
		return fmt.Errorf("config: Gateway: DataDir '%v' is not an absolute path", gCfg.DataDir)
	}
	host, port, err := net.SplitHostPort(gCfg.BindAddress)
	if err != nil {
		return fmt.Errorf("config: Gateway: BindAddress '%v' is invalid: %v", gCfg.BindAddress, err)
	}
	if host != "" {
		if _, err := netip.ParseAddr(host); err != nil {
			return fmt.Errorf("config: Gateway: BindAddress '%v' is invalid: %v", gCfg.BindAddress, err)
		}
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("config: Gateway: BindAddress '%v' has an invalid port", gCfg.BindAddress)
	}
	if _, _, err := gCfg.PrivateNetwork(); err != nil {
		return err
	}
	if gCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(gCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Gateway: MetricsAddress '%v' is invalid: %v", gCfg.MetricsAddress, err)
		}
	}
	return nil
}

// PrivateNetwork parses PrivateIP and PrivateNetworkPrefix.
func (gCfg *Gateway) PrivateNetwork() (netip.Addr, netip.Prefix, error) {
	ip, err := netip.ParseAddr(gCfg.PrivateIP)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("config: Gateway: PrivateIP '%v' is invalid: %v", gCfg.PrivateIP, err)
	}
	prefix, err := netip.ParsePrefix(gCfg.PrivateNetworkPrefix)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("config: Gateway: PrivateNetworkPrefix '%v' is invalid: %v", gCfg.PrivateNetworkPrefix, err)
	}
	if prefix != prefix.Masked() {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("config: Gateway: PrivateNetworkPrefix '%v' has host bits set", gCfg.PrivateNetworkPrefix)
	}
	if prefix.Addr().BitLen()-prefix.Bits() < 2 {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("config: Gateway: PrivateNetworkPrefix '%v' is too small", gCfg.PrivateNetworkPrefix)
	}
	if !prefix.Contains(ip) {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("config: Gateway: PrivateIP '%v' is outside of '%v'", ip, prefix)
	}
	return ip, prefix, nil
}

// Registration is the peer registration configuration. Durations are in
// milliseconds.
type Registration struct {
	// NonceWindow is the minimum time a (peer key, nonce) pair is remembered.
	NonceWindow int

	// ReplayFilterSize is the log2 of the size in bits of each replay filter
	// generation.
	ReplayFilterSize int

	// ReplayFalsePositiveRate is the replay filter false positive rate. A
	// false positive rejects a fresh nonce, and the peer has to retry.
	ReplayFalsePositiveRate float64

	// HandshakeTimeout bounds how long a registration connection may stay
	// open.
	HandshakeTimeout int

	// IdleTimeout evicts peers that have not registered again within this
	// period. Zero disables eviction.
	IdleTimeout int

	// IdleCheckInterval is how often idle peers are looked for.
	IdleCheckInterval int
}

func (rCfg *Registration) applyDefaults() {
	if rCfg.NonceWindow <= 0 {
		rCfg.NonceWindow = defaultNonceWindow
	}
	if rCfg.ReplayFilterSize <= 0 {
		rCfg.ReplayFilterSize = defaultReplayFilterSize
	}
	if rCfg.ReplayFalsePositiveRate <= 0 {
		rCfg.ReplayFalsePositiveRate = defaultReplayFalsePositive
	}
	if rCfg.HandshakeTimeout <= 0 {
		rCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if rCfg.IdleCheckInterval <= 0 {
		rCfg.IdleCheckInterval = defaultIdleCheckInterval
	}
}

func (rCfg *Registration) validate() error {
	if rCfg.ReplayFilterSize < minReplayFilterSize || rCfg.ReplayFilterSize > maxReplayFilterSize {
		return fmt.Errorf("config: Registration: ReplayFilterSize %d is out of range [%d, %d]", rCfg.ReplayFilterSize, minReplayFilterSize, maxReplayFilterSize)
	}
	if rCfg.ReplayFalsePositiveRate >= 1 {
		return fmt.Errorf("config: Registration: ReplayFalsePositiveRate %v is invalid", rCfg.ReplayFalsePositiveRate)
	}
	if rCfg.IdleTimeout < 0 {
		return fmt.Errorf("config: Registration: IdleTimeout %d is negative", rCfg.IdleTimeout)
	}
	return nil
}

// Routing is the reply route policy configuration.
type Routing struct {
	// DefaultReplyHops is the number of mix hops used for replies when the
	// client does not ask for a specific number. Zero is a valid setting.
	DefaultReplyHops *uint8
}

func (rCfg *Routing) applyDefaults() {
	if rCfg.DefaultReplyHops == nil {
		hops := uint8(defaultReplyHops)
		rCfg.DefaultReplyHops = &hops
	}
}

// Logging is the gateway logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Debug is the gateway debug configuration.
type Debug struct {
	// RegistryShards is the number of client registry shards, rounded up
	// to a power of two.
	RegistryShards int

	// GenerateOnly halts and cleans up the gateway right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.RegistryShards <= 0 {
		dCfg.RegistryShards = defaultRegistryShards
	}
}

// Config is the top level IP gateway configuration.
type Config struct {
	Gateway      *Gateway
	Registration *Registration
	Routing      *Routing
	Logging      *Logging
	Debug        *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Gateway section is mandatory, everything else is optional.
	if cfg.Gateway == nil {
		return errors.New("config: No Gateway block was present")
	}
	if cfg.Registration == nil {
		cfg.Registration = &Registration{}
	}
	if cfg.Routing == nil {
		cfg.Routing = &Routing{}
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Gateway.applyDefaults()
	cfg.Registration.applyDefaults()
	cfg.Routing.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Gateway.validate(); err != nil {
		return err
	}
	if err := cfg.Registration.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	var err error
	cfg.Gateway.Identifier, err = idna.Lookup.ToASCII(cfg.Gateway.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	return nil
}

// Store writes a CBOR snapshot of cfg to fileName.
func Store(cfg *Config, fileName string) error {
	serialized, err := cbor.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, serialized, 0600)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
