package aead

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// seqPrefixLen is the size of the cleartext nonce-sequence prefix every
// data datagram carries ahead of its ciphertext, per spec.md §6 ("the
// AEAD nonce is the 8-byte monotonic send-counter").
const seqPrefixLen = 8

// SealDatagram seals plaintext under the session's next sequence number
// and returns a complete UDP payload: the 8-byte sequence number in the
// clear, followed by the ciphertext.
func (s *Session) SealDatagram(plaintext []byte) []byte {
	seq, ciphertext := s.Seal(plaintext)
	out := make([]byte, seqPrefixLen+len(ciphertext))
	binary.LittleEndian.PutUint64(out[:seqPrefixLen], seq)
	copy(out[seqPrefixLen:], ciphertext)
	return out
}

// OpenDatagram splits a datagram produced by SealDatagram and opens it.
func (s *Session) OpenDatagram(datagram []byte) ([]byte, error) {
	if len(datagram) < seqPrefixLen {
		return nil, fmt.Errorf("aead: datagram shorter than %d-byte sequence prefix", seqPrefixLen)
	}
	seq := binary.LittleEndian.Uint64(datagram[:seqPrefixLen])
	return s.Open(seq, datagram[seqPrefixLen:])
}

// SealKeyMessage seals a handshake message under key, binding it to the
// single-byte associated-data sentinel ad (KeyReqAAD/KeyReqServerAAD)
// that distinguishes a key request from a key-response reply. secretbox
// has no native AAD field, so ad is prepended to the plaintext before
// sealing and checked after opening; a fresh random nonce is used since
// handshake messages are infrequent enough that a monotonic per-session
// counter (as data packets use) isn't available yet.
func SealKeyMessage(key [32]byte, ad byte, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("aead: generating key-message nonce: %w", err)
	}
	msg := make([]byte, 1+len(plaintext))
	msg[0] = ad
	copy(msg[1:], plaintext)

	sealed := make([]byte, len(nonce))
	copy(sealed, nonce[:])
	sealed = secretbox.Seal(sealed, msg, &nonce, &key)
	return sealed, nil
}

// OpenKeyMessage authenticates and decrypts a message sealed by
// SealKeyMessage, verifying it was bound to the expected AAD sentinel.
func OpenKeyMessage(key [32]byte, ad byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("%w: key message shorter than nonce", ErrAuthentication)
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	msg, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: key message", ErrAuthentication)
	}
	if len(msg) < 1 || msg[0] != ad {
		return nil, fmt.Errorf("aead: key message AAD mismatch")
	}
	return msg[1:], nil
}
