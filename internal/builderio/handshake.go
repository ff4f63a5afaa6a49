// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package builderio

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const nonceSize = 32

const (
	statusRejected byte = 0
	statusAccepted byte = 1
)

// ErrHandshakeFailed is returned when a peer's challenge response does
// not verify against the shared secret.
var ErrHandshakeFailed = errors.New("builderio: handshake verification failed")

// Challenge runs the server side of the builder handshake on rw: a
// random nonce is sent, the peer must answer with HMAC-SHA256(secret,
// nonce), and a one-byte status reports the verdict before any frames
// flow. The connection must be closed by the caller on error.
func Challenge(rw io.ReadWriter, secret []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("builderio: generate nonce: %w", err)
	}
	if _, err := rw.Write(nonce[:]); err != nil {
		return fmt.Errorf("builderio: send nonce: %w", err)
	}

	response := make([]byte, sha256.Size)
	if _, err := io.ReadFull(rw, response); err != nil {
		return fmt.Errorf("builderio: read challenge response: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce[:])
	if !hmac.Equal(response, mac.Sum(nil)) {
		// Best effort; the peer failed auth and is about to be dropped.
		_, _ = rw.Write([]byte{statusRejected})
		return ErrHandshakeFailed
	}

	if _, err := rw.Write([]byte{statusAccepted}); err != nil {
		return fmt.Errorf("builderio: send handshake status: %w", err)
	}
	return nil
}

// Respond runs the client side of the handshake: read the nonce, answer
// with the keyed digest, and confirm acceptance. Builder workers call
// this immediately after dialing.
func Respond(rw io.ReadWriter, secret []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rw, nonce[:]); err != nil {
		return fmt.Errorf("builderio: read nonce: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce[:])
	if _, err := rw.Write(mac.Sum(nil)); err != nil {
		return fmt.Errorf("builderio: send challenge response: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(rw, status[:]); err != nil {
		return fmt.Errorf("builderio: read handshake status: %w", err)
	}
	if status[0] != statusAccepted {
		return ErrHandshakeFailed
	}
	return nil
}
