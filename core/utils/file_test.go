// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeypairExists(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dir := t.TempDir()
	priv := filepath.Join(dir, "a.private.pem")
	pub := filepath.Join(dir, "a.public.pem")

	ok, err := KeypairExists(priv, pub)
	require.NoError(err)
	require.False(ok)

	require.NoError(os.WriteFile(priv, []byte("x"), 0600))
	_, err = KeypairExists(priv, pub)
	require.ErrorIs(err, ErrPartialKeypair)

	require.NoError(os.WriteFile(pub, []byte("x"), 0600))
	ok, err = KeypairExists(priv, pub)
	require.NoError(err)
	require.True(ok)

	ok, err = Exists(filepath.Join(dir, "missing"))
	require.NoError(err)
	require.False(ok)
}
