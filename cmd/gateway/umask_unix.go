// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build unix

package main

import "syscall"

func setUmask(mask int) {
	syscall.Umask(mask)
}
