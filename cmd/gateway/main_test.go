// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := newRootCommand()
	require.Contains(cmd.Long, "server.NewDispatcher")
	require.NotContains(cmd.Long, "relays")

	require.NotNil(cmd.PersistentFlags().Lookup("config"))
	require.NotNil(cmd.Flags().Lookup("generate-only"))

	pubkey, _, err := cmd.Find([]string{"pubkey"})
	require.NoError(err)
	require.Equal("pubkey", pubkey.Name())
	require.NotNil(pubkey.Flags().Lookup("qr"))
}
