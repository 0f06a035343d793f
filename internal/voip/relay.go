// Package voip implements the server-side UDP relay (C6): per-peer fan-out
// of voice packets and chunked-image reassembly/re-fragmentation for the
// active call.
package voip

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"hearthcore/internal/wire"
)

// PacketType is the 4-byte big-endian tag appended after the payload of
// every decrypted UDP datagram.
type PacketType uint32

const (
	TypeVoice       PacketType = 0
	TypeImageHeader PacketType = 1
	TypeImageChunk  PacketType = 2
)

// MaxImageChunkSize is the re-fragmentation chunk size used when
// redistributing a reassembled frame.
const MaxImageChunkSize = 60000

// peerChannelCapacity is the bounded channel capacity each participant's
// task reads from; overflow drops the oldest queued packet.
const peerChannelCapacity = 255

type participant struct {
	uuid   string
	addr   *net.UDPAddr
	send   chan []byte
	cancel context.CancelFunc
}

type frameState struct {
	frameID string
	parts   []string
	chunks  map[string][]byte
}

type imageHeaderDoc struct {
	UUID    string   `json:"uuid"`
	FrameID string   `json:"frame_id"`
	Parts   []string `json:"parts"`
}

// Relay owns the shared UDP socket and the active call's participant set.
// It is constructed once at server startup (see DESIGN.md for the port
// reuse resolution) and participants are added/removed per call.
type Relay struct {
	conn     *net.UDPConn
	key      []byte
	loopback bool

	mu           sync.RWMutex
	participants map[string]*participant
	addrToUUID   map[string]string
	reassembly   map[string]*frameState

	closeOnce sync.Once
	closed    chan struct{}

	onVoice func(senderUUID string, audio []byte)
}

// SetRecordingHook installs fn to be invoked with each sender's raw audio
// payload as it is relayed, letting the host process archive a call
// without the relay itself knowing anything about storage.
func (r *Relay) SetRecordingHook(fn func(senderUUID string, audio []byte)) {
	r.mu.Lock()
	r.onVoice = fn
	r.mu.Unlock()
}

// NewRelay wraps an already-bound UDP socket. key is the server's
// decryption key (the same key used for TCP control frames). loopback
// mirrors the reference's debug-build behaviour of echoing a voice packet
// back to its own sender; production deployments should pass false.
func NewRelay(conn *net.UDPConn, key []byte, loopback bool) *Relay {
	r := &Relay{
		conn:         conn,
		key:          key,
		loopback:     loopback,
		participants: make(map[string]*participant),
		addrToUUID:   make(map[string]string),
		reassembly:   make(map[string]*frameState),
		closed:       make(chan struct{}),
	}
	go r.receiveLoop()
	return r
}

// AddParticipant registers uuid at addr and starts its per-peer task.
func (r *Relay) AddParticipant(id string, addr *net.UDPAddr) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &participant{
		uuid:   id,
		addr:   addr,
		send:   make(chan []byte, peerChannelCapacity),
		cancel: cancel,
	}

	r.mu.Lock()
	if old, ok := r.participants[id]; ok {
		old.cancel()
		delete(r.addrToUUID, old.addr.String())
	}
	r.participants[id] = p
	r.addrToUUID[addr.String()] = id
	delete(r.reassembly, id)
	r.mu.Unlock()

	go r.peerTask(ctx, p)
}

// RemoveParticipant cancels uuid's per-peer task and forgets its state.
func (r *Relay) RemoveParticipant(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return
	}
	p.cancel()
	delete(r.participants, id)
	delete(r.addrToUUID, p.addr.String())
	delete(r.reassembly, id)
}

// ParticipantUUIDs returns the sorted set of currently connected call
// participants.
func (r *Relay) ParticipantUUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close shuts down the relay for good (server shutdown only — ending one
// call should use RemoveParticipant instead).
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		_ = r.conn.Close()
		r.mu.Lock()
		for _, p := range r.participants {
			p.cancel()
		}
		r.mu.Unlock()
	})
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// receiveLoop is the single UDP receive task: it peeks the length header,
// reads the declared number of bytes, and forwards the still-encrypted
// payload into the matching participant's bounded channel.
func (r *Relay) receiveLoop() {
	buf := make([]byte, wire.MaxFrameLen+4)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.isClosed() {
				return
			}
			slog.Debug("voip: read error", "error", err)
			continue
		}
		if n < 4 {
			continue // Framing error: truncated header.
		}
		declared := binary.BigEndian.Uint32(buf[:4])
		body := buf[4:n]
		if int(declared) != len(body) || n > wire.MaxFrameLen {
			continue // Framing/Capacity error: drop the packet.
		}

		r.mu.RLock()
		id, ok := r.addrToUUID[addr.String()]
		var p *participant
		if ok {
			p = r.participants[id]
		}
		r.mu.RUnlock()
		if !ok {
			continue
		}

		payload := make([]byte, len(body))
		copy(payload, body)
		enqueue(p.send, payload)
	}
}

// enqueue drops the oldest queued packet when the channel is full, per the
// spec's "voice tolerates loss" backpressure policy.
func enqueue(ch chan []byte, payload []byte) {
	select {
	case ch <- payload:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- payload:
	default:
	}
}

func (r *Relay) peerTask(ctx context.Context, p *participant) {
	for {
		select {
		case <-ctx.Done():
			return
		case ciphertext, ok := <-p.send:
			if !ok {
				return
			}
			r.handlePacket(p, ciphertext)
		}
	}
}

func (r *Relay) handlePacket(p *participant, ciphertext []byte) {
	plaintext, err := wire.Decrypt(r.key, ciphertext)
	if err != nil {
		slog.Debug("voip: decrypt failed", "peer", p.uuid)
		return
	}
	if len(plaintext) < 4 {
		return
	}
	tag := binary.BigEndian.Uint32(plaintext[len(plaintext)-4:])
	body := plaintext[:len(plaintext)-4]

	switch PacketType(tag) {
	case TypeVoice:
		r.handleVoice(p, body)
	case TypeImageHeader:
		r.handleImageHeader(p, body)
	case TypeImageChunk:
		r.handleImageChunk(p, body)
	default:
		slog.Debug("voip: unknown packet type", "tag", tag, "peer", p.uuid)
	}
}

// handleVoice relays [audio_bytes][uuid_ascii(36)] to every other
// participant (and back to the sender when loopback is enabled).
func (r *Relay) handleVoice(sender *participant, body []byte) {
	if len(body) < 36 {
		return
	}
	senderUUID := string(body[len(body)-36:])
	if _, err := uuid.Parse(senderUUID); err != nil {
		return
	}
	r.mu.RLock()
	hook := r.onVoice
	r.mu.RUnlock()
	if hook != nil {
		hook(sender.uuid, body[:len(body)-36])
	}
	r.distribute(sender, TypeVoice, body, r.loopback)
}

func (r *Relay) handleImageHeader(sender *participant, body []byte) {
	var h imageHeaderDoc
	if err := json.Unmarshal(body, &h); err != nil {
		slog.Debug("voip: malformed image header", "error", err)
		return
	}
	r.mu.Lock()
	r.reassembly[sender.uuid] = &frameState{
		frameID: h.FrameID,
		parts:   h.Parts,
		chunks:  make(map[string][]byte, len(h.Parts)),
	}
	r.mu.Unlock()
}

// handleImageChunk stores one chunk and, once every declared chunk for the
// current frame has arrived, reassembles, re-fragments, and redistributes
// it to every other participant.
func (r *Relay) handleImageChunk(sender *participant, body []byte) {
	const hashLen, uuidLen, frameIDLen = 64, 36, 64
	tailLen := hashLen + uuidLen + frameIDLen
	if len(body) < tailLen {
		return
	}
	n := len(body)
	frameID := string(body[n-frameIDLen:])
	chunkUUID := string(body[n-frameIDLen-uuidLen : n-frameIDLen])
	hashHex := string(body[n-frameIDLen-uuidLen-hashLen : n-frameIDLen-uuidLen])
	chunkBytes := body[:n-tailLen]
	if chunkUUID != sender.uuid {
		return
	}

	var reassembled []byte
	complete := false

	r.mu.Lock()
	fs := r.reassembly[sender.uuid]
	if fs != nil && fs.frameID == frameID {
		buf := make([]byte, len(chunkBytes))
		copy(buf, chunkBytes)
		fs.chunks[hashHex] = buf

		complete = true
		for _, part := range fs.parts {
			if _, ok := fs.chunks[part]; !ok {
				complete = false
				break
			}
		}
		if complete {
			for _, part := range fs.parts {
				reassembled = append(reassembled, fs.chunks[part]...)
			}
			delete(r.reassembly, sender.uuid)
		}
	}
	r.mu.Unlock()

	if complete {
		r.redistributeImage(sender, reassembled)
	}
}

func (r *Relay) redistributeImage(sender *participant, data []byte) {
	var chunks [][]byte
	for i := 0; i < len(data); i += MaxImageChunkSize {
		end := i + MaxImageChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = wire.Fingerprint(c)
	}
	frameID := wire.Fingerprint([]byte(strings.Join(hashes, "")))

	header := imageHeaderDoc{UUID: sender.uuid, FrameID: frameID, Parts: hashes}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		slog.Warn("voip: marshal image header failed", "error", err)
		return
	}
	r.distribute(sender, TypeImageHeader, headerBytes, false)

	for i, c := range chunks {
		body := make([]byte, 0, len(c)+64+36+64)
		body = append(body, c...)
		body = append(body, []byte(hashes[i])...)
		body = append(body, []byte(sender.uuid)...)
		body = append(body, []byte(frameID)...)
		r.distribute(sender, TypeImageChunk, body, false)
	}
}

// distribute re-encrypts and re-frames a payload and writes it to every
// participant other than sender (unless includeSender is true).
func (r *Relay) distribute(sender *participant, pktType PacketType, body []byte, includeSender bool) {
	var tagBuf [4]byte
	binary.BigEndian.PutUint32(tagBuf[:], uint32(pktType))
	plaintext := make([]byte, 0, len(body)+4)
	plaintext = append(plaintext, body...)
	plaintext = append(plaintext, tagBuf[:]...)

	ciphertext, err := wire.Encrypt(r.key, plaintext)
	if err != nil {
		slog.Warn("voip: encrypt failed", "error", err)
		return
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ciphertext)))
	packet := make([]byte, 0, 4+len(ciphertext))
	packet = append(packet, hdr[:]...)
	packet = append(packet, ciphertext...)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.participants {
		if id == sender.uuid && !includeSender {
			continue
		}
		if _, err := r.conn.WriteToUDP(packet, p.addr); err != nil {
			slog.Debug("voip: write failed", "peer", id, "error", err)
		}
	}
}
