// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Command gateway runs the Katzenpost IP gateway.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ipgateway/common"
	"github.com/katzenpost/ipgateway/core/peer"
	"github.com/katzenpost/ipgateway/server"
	"github.com/katzenpost/ipgateway/server/config"
)

const defaultConfigFile = "gateway.toml"

// Config holds the command line configuration.
type Config struct {
	ConfigFile string
	GenOnly    bool
	QRCode     bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Katzenpost IP gateway",
		Long: `The IP gateway admits tunnel peers through an authenticated X25519
registration handshake and leases each peer an address in the private tunnel
network. IP packet requests arriving over the mixnet are decoded by the
transport boundary exposed through server.NewDispatcher; this binary does not
attach a mixnet transport itself.

Registrations are persisted in the DataDir and restored on restart. Idle
peers are evicted when Registration.IdleTimeout is set.`,
		Example: `  # Start the gateway
  gateway -f /etc/katzenpost/gateway.toml

  # Generate the gateway keypair and exit
  gateway -f /etc/katzenpost/gateway.toml --generate-only

  # Print the gateway public key as a QR code
  gateway pubkey -f /etc/katzenpost/gateway.toml --qr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", defaultConfigFile,
		"path to the gateway configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the gateway keypair and exit without starting the gateway")

	pubkeyCmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the gateway public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPublicKey(cmd, cfg)
		},
	}
	pubkeyCmd.Flags().BoolVarP(&cfg.QRCode, "qr", "q", false, "also render the key as a QR code")
	cmd.AddCommand(pubkeyCmd)

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadConfig(f string) (*config.Config, error) {
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func runServer(cfg Config) error {
	// Set the umask to something "paranoid".
	setUmask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	gatewayCfg, err := loadConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}
	if cfg.GenOnly {
		gatewayCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(gatewayCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn gateway instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the gateway gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate the log upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}

func printPublicKey(cmd *cobra.Command, cfg Config) error {
	gatewayCfg, err := loadConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}

	f := filepath.Join(gatewayCfg.Gateway.DataDir, "gateway.public.pem")
	pubKey, err := pem.FromPublicPEMFile(f, x25519.Scheme(rand.Reader))
	if err != nil {
		return fmt.Errorf("failed to read gateway public key: %v", err)
	}
	key, err := peer.FromNIKE(pubKey)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, key.String())
	if cfg.QRCode {
		qrterminal.GenerateWithConfig(key.String(), qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     w,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
	return nil
}
