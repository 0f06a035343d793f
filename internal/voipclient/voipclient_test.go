package voipclient

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"hearthcore/internal/wire"
)

// echoRelay is a minimal stand-in for the server relay: it reads one
// datagram and writes back whatever bytes the test supplies, letting us
// exercise Client's send/receive framing without the full voip package.
type echoRelay struct {
	conn *net.UDPConn
}

func newEchoRelay(t *testing.T) *echoRelay {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return &echoRelay{conn: conn}
}

func (r *echoRelay) addr() string { return r.conn.LocalAddr().String() }

func (r *echoRelay) recvRaw(t *testing.T) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, wire.MaxFrameLen+4)
	n, addr, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	return buf[:n], addr
}

func (r *echoRelay) sendRaw(t *testing.T, addr *net.UDPAddr, packet []byte) {
	t.Helper()
	if _, err := r.conn.WriteToUDP(packet, addr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func TestCaptureLoopSendsVoicePackets(t *testing.T) {
	relay := newEchoRelay(t)
	defer relay.conn.Close()

	key, _ := wire.NewKey()
	var calls int
	var mu sync.Mutex
	client, err := Dial(relay.addr(), "11111111-1111-1111-1111-111111111111", key, Options{
		Capture: func() ([]byte, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return []byte("pcm-chunk"), nil
		},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	packet, _ := relay.recvRaw(t)
	declared := binary.BigEndian.Uint32(packet[:4])
	ciphertext := packet[4:]
	if int(declared) != len(ciphertext) {
		t.Fatalf("length header mismatch: declared %d, got %d", declared, len(ciphertext))
	}

	plaintext, err := wire.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	tag := binary.BigEndian.Uint32(plaintext[len(plaintext)-4:])
	if tag != typeVoice {
		t.Fatalf("got packet type %d, want voice", tag)
	}
	body := plaintext[:len(plaintext)-4]
	gotUUID := string(body[len(body)-36:])
	if gotUUID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("got uuid %q", gotUUID)
	}
	gotAudio := string(body[:len(body)-36])
	if gotAudio != "pcm-chunk" {
		t.Fatalf("got audio %q", gotAudio)
	}
}

func TestReceiveLoopDispatchesVoiceToPlayback(t *testing.T) {
	relay := newEchoRelay(t)
	defer relay.conn.Close()

	key, _ := wire.NewKey()
	received := make(chan string, 1)
	client, err := Dial(relay.addr(), "22222222-2222-2222-2222-222222222222", key, Options{
		Playback: func(remoteUUID string, audio []byte) error {
			received <- string(audio)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// Learn the client's ephemeral source address by waiting for... there is
	// nothing sent without Capture configured, so resolve via a throwaway
	// voice send path instead: dial a second local socket from the relay's
	// perspective isn't available, so read nothing and instead target the
	// relay's known remote: the relay only learns the client's address once
	// a packet arrives. Skip waiting and rely on WriteToUDP using the
	// connected socket's local address captured from Client.LocalAddr.
	clientAddr := client.LocalAddr()

	senderUUID := "33333333-3333-3333-3333-333333333333"
	body := append([]byte("remote-audio"), []byte(senderUUID)...)
	var tagBuf [4]byte
	binary.BigEndian.PutUint32(tagBuf[:], uint32(typeVoice))
	plaintext := append(body, tagBuf[:]...)
	ciphertext, err := wire.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ciphertext)))
	packet := append(hdr[:], ciphertext...)
	relay.sendRaw(t, clientAddr, packet)

	select {
	case audio := <-received:
		if audio != "remote-audio" {
			t.Fatalf("got audio %q", audio)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for playback dispatch")
	}
}

func TestSendFrameAndReassembleRoundTrip(t *testing.T) {
	relay := newEchoRelay(t)
	defer relay.conn.Close()

	key, _ := wire.NewKey()
	client, err := Dial(relay.addr(), "44444444-4444-4444-4444-444444444444", key, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	frame := make([]byte, maxImageChunkSize)
	for i := range frame {
		frame[i] = byte(i % 256)
	}
	if err := client.sendFrame(frame); err != nil {
		t.Fatalf("sendFrame: %v", err)
	}

	// Read back the header then each chunk as the relay would see them, and
	// feed them into a second client's receive path to confirm reassembly.
	headerPacket, addr := relay.recvRaw(t)
	chunkPacket, _ := relay.recvRaw(t)

	receiveKey := key
	out := make(chan []byte, 1)
	receiver, err := Dial(relay.addr(), "55555555-5555-5555-5555-555555555555", receiveKey, Options{
		OnVideoFrame: func(remoteUUID string, got []byte) { out <- got },
	})
	if err != nil {
		t.Fatalf("Dial receiver: %v", err)
	}
	defer receiver.Close()

	relay.sendRaw(t, receiver.LocalAddr(), headerPacket)
	relay.sendRaw(t, receiver.LocalAddr(), chunkPacket)
	_ = addr

	select {
	case got := <-out:
		if len(got) != len(frame) {
			t.Fatalf("got frame len %d, want %d", len(got), len(frame))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled frame")
	}
}
