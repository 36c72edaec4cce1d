// Package aead implements the AEAD facade each live session uses to seal
// and open wire packets: a NaCl secretbox over a monotonic sequence
// number nonce, plus a sliding replay window on the receive side.
package aead

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrReplayed is returned by Open when the sequence number has already
// been accepted once before.
var ErrReplayed = errors.New("aead: sequence number already seen")

// ErrTooOld is returned by Open when the sequence number falls behind the
// receive window and can no longer be distinguished from a replay.
var ErrTooOld = errors.New("aead: sequence number too old")

// ErrAuthentication is returned by Open when the ciphertext fails to
// authenticate under the session's key.
var ErrAuthentication = errors.New("aead: authentication failed")

// replayWindowSize is the number of trailing sequence numbers tracked for
// duplicate detection: a datagram reordered by fewer than this many
// sequence numbers is still accepted once, while anything older is
// rejected as ErrTooOld.
const replayWindowSize = 64

// KeyPair holds the two independent keys a session seals and opens with:
// Downlink is used by the server to address this client, Uplink by the
// client to address the server. Keeping them distinct means a leaked
// downlink key cannot be used to forge uplink traffic.
type KeyPair struct {
	Downlink [32]byte
	Uplink   [32]byte
}

// Session seals and opens packets for one direction pair of a live
// connection. A client-facing Session seals with Downlink and opens with
// Uplink; the matching server-facing view does the opposite.
type Session struct {
	sealKey [32]byte
	openKey [32]byte

	sendSeq uint64

	highestSeen uint64
	haveSeen    bool
	seenMask    uint64 // bit i set means highestSeen-i has been accepted
}

// NewSession creates a Session that seals outgoing data under sealKey and
// opens incoming data under openKey.
func NewSession(sealKey, openKey [32]byte) *Session {
	return &Session{sealKey: sealKey, openKey: openKey}
}

// ForClient builds the server-side Session for talking to a client: the
// server seals with the client's downlink key and opens with its uplink key.
func ForClient(keys KeyPair) *Session {
	return NewSession(keys.Downlink, keys.Uplink)
}

// ForServer builds the client-side Session for talking to the server: the
// client seals with its uplink key and opens with its downlink key.
func ForServer(keys KeyPair) *Session {
	return NewSession(keys.Uplink, keys.Downlink)
}

func nonceFromSequence(seq uint64) [24]byte {
	var nonce [24]byte
	binary.LittleEndian.PutUint64(nonce[:8], seq)
	return nonce
}

// Seal encrypts plaintext under the session's own monotonically
// increasing sequence counter, returning the sequence number used (which
// must travel alongside the ciphertext on the wire) and the sealed bytes.
func (s *Session) Seal(plaintext []byte) (seq uint64, ciphertext []byte) {
	seq = s.sendSeq
	s.sendSeq++
	nonce := nonceFromSequence(seq)
	ciphertext = secretbox.Seal(nil, plaintext, &nonce, &s.sealKey)
	return seq, ciphertext
}

// Open authenticates and decrypts ciphertext that was sealed under
// sequence number seq, rejecting it if seq has already been accepted
// (ErrReplayed), if it falls outside the replay window (ErrTooOld), or if
// authentication fails (ErrAuthentication).
func (s *Session) Open(seq uint64, ciphertext []byte) ([]byte, error) {
	if err := s.checkReplay(seq); err != nil {
		return nil, err
	}

	nonce := nonceFromSequence(seq)
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &s.openKey)
	if !ok {
		return nil, fmt.Errorf("%w: sequence %d", ErrAuthentication, seq)
	}

	s.markSeen(seq)
	return plaintext, nil
}

func (s *Session) checkReplay(seq uint64) error {
	if !s.haveSeen {
		return nil
	}
	if seq > s.highestSeen {
		return nil
	}
	offset := s.highestSeen - seq
	if offset >= replayWindowSize {
		return fmt.Errorf("%w: sequence %d is %d behind %d", ErrTooOld, seq, offset, s.highestSeen)
	}
	if s.seenMask&(1<<offset) != 0 {
		return fmt.Errorf("%w: sequence %d", ErrReplayed, seq)
	}
	return nil
}

func (s *Session) markSeen(seq uint64) {
	if !s.haveSeen {
		s.highestSeen = seq
		s.seenMask = 1
		s.haveSeen = true
		return
	}
	if seq > s.highestSeen {
		shift := seq - s.highestSeen
		if shift >= replayWindowSize {
			s.seenMask = 0
		} else {
			s.seenMask <<= shift
		}
		s.seenMask |= 1
		s.highestSeen = seq
		return
	}
	offset := s.highestSeen - seq
	s.seenMask |= 1 << offset
}
