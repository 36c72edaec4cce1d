package client

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/stagecast/stagecast/internal/aead"
	"github.com/stagecast/stagecast/internal/board"
	"github.com/stagecast/stagecast/internal/wire"
)

// ErrUnrecognizedDatagram is returned by ReceiveDatagram when a datagram
// decrypts under none of a client's known keys (current session,
// long-lived key as a key request, or pending session keys). The event
// loop drops it and counts it; it never terminates anything.
var ErrUnrecognizedDatagram = errors.New("client: datagram did not decrypt under any known key")

// replyRateLimit is the handshake's key-response rate limit (spec.md §4.6).
const replyRateLimit = 250 * time.Millisecond

// Stats mirrors the per-client counters spec.md's SPEC_FULL §3
// supplement restores from the original KnownClient::summary.
type Stats struct {
	KeyRequests  uint64
	KeyResponses uint64
	NewSessions  uint64
	Invalid      uint64
}

// KnownClient is one entry in the server's key file: a long-lived
// identity plus whatever session state the handshake in spec.md §4.6 has
// established for it so far.
type KnownClient struct {
	NodeID    uint8
	Name      string
	PairIndex int
	Gains     []board.Gain

	longLived wire.KeyPair
	nextKeys  wire.KeyPair

	pending *aead.Session // keyed by nextKeys, waiting to be activated
	current *aead.Session // active session, nil until the handshake completes
	peer    *net.UDPAddr

	replyLimiter *rate.Limiter

	Stats   Stats
	Session *Session

	sampleRate             int
	senderCap, receiverCap int
	minLag, maxLag         uint64
}

// Config bundles the per-client pipeline sizing the server hands every
// KnownClient at construction.
type Config struct {
	SampleRate       int
	SenderCapacity   int
	ReceiverCapacity int
	MinLag, MaxLag   uint64
}

// NewKnownClient creates a KnownClient in the Idle state (spec.md §4.6):
// no session yet, a freshly generated next-session key pair ready to
// hand out on the first key request.
func NewKnownClient(nodeID uint8, name string, pairIndex int, gains []board.Gain, longLived wire.KeyPair, cfg Config) (*KnownClient, error) {
	kc := &KnownClient{
		NodeID:       nodeID,
		Name:         name,
		PairIndex:    pairIndex,
		Gains:        gains,
		longLived:    longLived,
		replyLimiter: rate.NewLimiter(rate.Every(replyRateLimit), 1),
		sampleRate:   cfg.SampleRate,
		senderCap:    cfg.SenderCapacity,
		receiverCap:  cfg.ReceiverCapacity,
		minLag:       cfg.MinLag,
		maxLag:       cfg.MaxLag,
	}
	if err := kc.rotateNextKeys(); err != nil {
		return nil, err
	}
	return kc, nil
}

func (kc *KnownClient) rotateNextKeys() error {
	var keys wire.KeyPair
	if _, err := rand.Read(keys.Downlink[:]); err != nil {
		return fmt.Errorf("client: generating next downlink key: %w", err)
	}
	if _, err := rand.Read(keys.Uplink[:]); err != nil {
		return fmt.Errorf("client: generating next uplink key: %w", err)
	}
	kc.nextKeys = keys
	kc.pending = aead.ForClient(aead.KeyPair{Downlink: keys.Downlink, Uplink: keys.Uplink})
	return nil
}

// HasDestination reports whether a peer address has ever been learned
// from a successfully decrypted datagram (spec.md SPEC_FULL §3's
// "has destination" gate) — a session only starts sending once this is
// true.
func (kc *KnownClient) HasDestination() bool { return kc.peer != nil }

// PeerAddr returns the most recently learned source address, or nil.
func (kc *KnownClient) PeerAddr() *net.UDPAddr { return kc.peer }

// ReceiveDatagram processes one inbound UDP payload from addr, trying in
// turn: the active session, a long-lived-key key request, and the
// pending next-session keys (spec.md §4.6). It returns a reply datagram
// to send back (only for a key-response), or nil if nothing needs
// sending. clockSample is the server's current absolute sample cursor,
// used to anchor outbound_frame_offset_ on first contact.
func (kc *KnownClient) ReceiveDatagram(addr *net.UDPAddr, datagram []byte, now time.Time, clockSample uint64) ([]byte, error) {
	if kc.current != nil {
		if plaintext, err := kc.current.OpenDatagram(datagram); err == nil {
			kc.peer = addr
			return nil, kc.handleData(plaintext, clockSample)
		}
	}

	if msg, err := aead.OpenKeyMessage(kc.longLived.Uplink, wire.KeyReqAAD, datagram); err == nil && len(msg) == 0 {
		return kc.handleKeyRequest(now)
	}

	if kc.pending != nil {
		if plaintext, err := kc.pending.OpenDatagram(datagram); err == nil {
			if err := kc.activateSession(addr); err != nil {
				return nil, err
			}
			return nil, kc.handleData(plaintext, clockSample)
		}
	}

	kc.Stats.Invalid++
	return nil, ErrUnrecognizedDatagram
}

func (kc *KnownClient) handleKeyRequest(now time.Time) ([]byte, error) {
	kc.Stats.KeyRequests++
	if !kc.replyLimiter.AllowN(now, 1) {
		return nil, nil // rate-limited: accepted but silently dropped
	}

	reply := wire.KeyMessage{ID: kc.NodeID, Keys: kc.nextKeys}
	sealed, err := aead.SealKeyMessage(kc.longLived.Downlink, wire.KeyReqServerAAD, reply.Serialize())
	if err != nil {
		return nil, fmt.Errorf("client: sealing key response: %w", err)
	}
	kc.Stats.KeyResponses++
	return sealed, nil
}

func (kc *KnownClient) activateSession(addr *net.UDPAddr) error {
	kc.current = kc.pending
	kc.peer = addr
	kc.Stats.NewSessions++

	if kc.Session == nil {
		sess, err := NewSession(kc.PairIndex, kc.sampleRate, kc.senderCap, kc.receiverCap, kc.minLag, kc.maxLag)
		if err != nil {
			return fmt.Errorf("client: creating session pipeline: %w", err)
		}
		kc.Session = sess
	}
	return kc.rotateNextKeys()
}

func (kc *KnownClient) handleData(plaintext []byte, clockSample uint64) error {
	if kc.Session == nil {
		return fmt.Errorf("client: data packet arrived before a session pipeline existed")
	}
	p, err := wire.ParsePacket(plaintext)
	if err != nil {
		kc.Stats.Invalid++
		return nil // deserialization errors are dropped at packet boundaries, never propagated
	}
	return kc.Session.HandlePacket(p, clockSample)
}

// SendPacket builds and seals this client's next outbound datagram, or
// returns (nil, nil) if there is nothing to send yet (no active
// session, no learned destination, or the sender has no frame buffered).
func (kc *KnownClient) SendPacket() ([]byte, error) {
	if kc.Session == nil || kc.current == nil || !kc.HasDestination() {
		return nil, nil
	}
	p, err := kc.Session.BuildOutgoingPacket()
	if err != nil {
		return nil, nil
	}
	plaintext, err := p.Serialize()
	if err != nil {
		return nil, fmt.Errorf("client: serializing outbound packet: %w", err)
	}
	return kc.current.SealDatagram(plaintext), nil
}
