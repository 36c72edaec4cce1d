package client

import (
	"net"
	"testing"
	"time"

	"github.com/stagecast/stagecast/internal/aead"
	"github.com/stagecast/stagecast/internal/board"
	"github.com/stagecast/stagecast/internal/wire"
)

func testConfig() Config {
	return Config{SampleRate: 48000, SenderCapacity: 4096, ReceiverCapacity: 8192, MinLag: 960, MaxLag: 1920}
}

func testLongLived(t *testing.T) wire.KeyPair {
	t.Helper()
	var kp wire.KeyPair
	kp.Downlink[0] = 1
	kp.Uplink[0] = 2
	return kp
}

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
}

func TestKeyRequestRateLimit(t *testing.T) {
	longLived := testLongLived(t)
	kc, err := NewKnownClient(1, "alice", 0, nil, longLived, testConfig())
	if err != nil {
		t.Fatalf("NewKnownClient: %v", err)
	}

	req, err := aead.SealKeyMessage(longLived.Uplink, wire.KeyReqAAD, nil)
	if err != nil {
		t.Fatalf("SealKeyMessage: %v", err)
	}

	now := time.Now()
	reply1, err := kc.ReceiveDatagram(testAddr(), req, now, 0)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if reply1 == nil {
		t.Fatal("expected a key-response datagram for the first request")
	}

	reply2, err := kc.ReceiveDatagram(testAddr(), req, now.Add(100*time.Millisecond), 0)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if reply2 != nil {
		t.Fatal("expected no reply within the 250ms rate limit window")
	}
	if kc.Stats.KeyRequests != 2 {
		t.Fatalf("KeyRequests = %d, want 2 (both counted even though only one replied)", kc.Stats.KeyRequests)
	}
	if kc.Stats.KeyResponses != 1 {
		t.Fatalf("KeyResponses = %d, want 1", kc.Stats.KeyResponses)
	}

	reply3, err := kc.ReceiveDatagram(testAddr(), req, now.Add(300*time.Millisecond), 0)
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	if reply3 == nil {
		t.Fatal("expected a reply once the rate-limit window has passed")
	}
}

func TestHandshakeActivatesSessionAndReprocessesDatagram(t *testing.T) {
	longLived := testLongLived(t)
	gains := []board.Gain{{Left: 1, Right: 1}}
	kc, err := NewKnownClient(1, "alice", 0, gains, longLived, testConfig())
	if err != nil {
		t.Fatalf("NewKnownClient: %v", err)
	}

	req, err := aead.SealKeyMessage(longLived.Uplink, wire.KeyReqAAD, nil)
	if err != nil {
		t.Fatalf("SealKeyMessage: %v", err)
	}
	reply, err := kc.ReceiveDatagram(testAddr(), req, time.Now(), 0)
	if err != nil || reply == nil {
		t.Fatalf("key request: reply=%v err=%v", reply, err)
	}
	msg, err := aead.OpenKeyMessage(longLived.Downlink, wire.KeyReqServerAAD, reply)
	if err != nil {
		t.Fatalf("opening key response: %v", err)
	}
	keyMsg, err := wire.ParseKeyMessage(msg)
	if err != nil {
		t.Fatalf("ParseKeyMessage: %v", err)
	}

	clientSession := aead.ForServer(aead.KeyPair{Downlink: keyMsg.Keys.Downlink, Uplink: keyMsg.Keys.Uplink})
	firstPacket := wire.Packet{SequenceNumber: 0}
	plaintext, err := firstPacket.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	datagram := clientSession.SealDatagram(plaintext)

	if kc.HasDestination() {
		t.Fatal("HasDestination should be false before any data packet arrives")
	}

	if _, err := kc.ReceiveDatagram(testAddr(), datagram, time.Now(), 48000); err != nil {
		t.Fatalf("activating datagram: %v", err)
	}

	if !kc.HasDestination() {
		t.Fatal("HasDestination should be true after the first data packet")
	}
	if kc.Stats.NewSessions != 1 {
		t.Fatalf("NewSessions = %d, want 1", kc.Stats.NewSessions)
	}
	if kc.Session == nil {
		t.Fatal("expected a session pipeline to have been created")
	}
}

func TestUnrecognizedDatagramIsCountedNotFatal(t *testing.T) {
	kc, err := NewKnownClient(1, "alice", 0, nil, testLongLived(t), testConfig())
	if err != nil {
		t.Fatalf("NewKnownClient: %v", err)
	}

	_, err = kc.ReceiveDatagram(testAddr(), []byte("garbage garbage garbage"), time.Now(), 0)
	if err != ErrUnrecognizedDatagram {
		t.Fatalf("err = %v, want ErrUnrecognizedDatagram", err)
	}
	if kc.Stats.Invalid != 1 {
		t.Fatalf("Invalid = %d, want 1", kc.Stats.Invalid)
	}
}
