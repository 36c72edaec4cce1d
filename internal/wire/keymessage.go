package wire

import "fmt"

// KeyPair holds the two long-lived symmetric keys a handshake exchanges:
// one for each direction of travel, so a compromised downlink key alone
// cannot be used to forge uplink traffic.
type KeyPair struct {
	Downlink [32]byte
	Uplink   [32]byte
}

// Associated-data sentinels distinguishing a key request from a server's
// key-response reply; the handshake has no other way to tell them apart
// since a request's plaintext is empty.
const (
	KeyReqAAD       byte = 0x01 // keyreq_id
	KeyReqServerAAD byte = 0x02 // keyreq_server_id
)

// KeyMessage is the session key payload a key-response reply carries: an
// identity byte plus the KeyPair the recipient should start using for its
// next session. A key *request* has no payload at all — it is an empty
// plaintext sealed under KeyReqAAD.
type KeyMessage struct {
	ID   uint8
	Keys KeyPair
}

const keyMessageLength = 1 + 32 + 32

// SerializedLength returns the exact number of bytes Serialize will write.
func (m KeyMessage) SerializedLength() int { return keyMessageLength }

// Serialize encodes m into a freshly allocated buffer.
func (m KeyMessage) Serialize() []byte {
	w := NewWriter(keyMessageLength)
	w.PutUint8(m.ID)
	w.PutBytes(m.Keys.Downlink[:])
	w.PutBytes(m.Keys.Uplink[:])
	return w.Bytes()
}

// ParseKeyMessage decodes a KeyMessage from b, which must be exactly
// keyMessageLength bytes.
func ParseKeyMessage(b []byte) (KeyMessage, error) {
	var m KeyMessage
	if len(b) != keyMessageLength {
		return m, fmt.Errorf("wire: key message is %d bytes, want %d", len(b), keyMessageLength)
	}
	r := NewReader(b)

	var err error
	if m.ID, err = r.Uint8(); err != nil {
		return m, err
	}

	downlink, err := r.Bytes(32)
	if err != nil {
		return m, err
	}
	copy(m.Keys.Downlink[:], downlink)

	uplink, err := r.Bytes(32)
	if err != nil {
		return m, err
	}
	copy(m.Keys.Uplink[:], uplink)

	return m, nil
}
