// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.True(IsUsageError(errors.New("unknown flag: --bogus")))
	require.True(IsUsageError(errors.New("failed to load config file 'x': open x: no such file")))
	require.False(IsUsageError(errors.New("server: DataDir '/x' is not a directory")))
}
