// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small filesystem helpers shared by the gateway
// binaries.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// ErrPartialKeypair is returned when only one half of a keypair is present
// on disk.
var ErrPartialKeypair = errors.New("utils: keypair files must either both exist or not exist")

// Exists reports whether f exists. Errors other than "not exist" are
// returned to the caller.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// KeypairExists reports whether both the private and the public key files
// exist. It returns false when neither does, and ErrPartialKeypair when
// only one of them is present.
func KeypairExists(privFile, pubFile string) (bool, error) {
	privOk, err := Exists(privFile)
	if err != nil {
		return false, err
	}
	pubOk, err := Exists(pubFile)
	if err != nil {
		return false, err
	}
	if privOk != pubOk {
		return false, fmt.Errorf("%w: %s and %s", ErrPartialKeypair, privFile, pubFile)
	}
	return privOk, nil
}
