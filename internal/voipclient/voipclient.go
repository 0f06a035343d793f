// Package voipclient implements the client side of the UDP voice/image
// relay (C8): a 35ms capture-and-send loop, a decrypt-and-dispatch receive
// loop with local image frame reassembly, and chunked frame transmission.
// Audio/video capture and playback are modeled as function values so this
// package stays free of any platform-specific device API.
package voipclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"hearthcore/internal/wire"
)

// CaptureFunc returns the next outgoing audio chunk (roughly 35ms of audio)
// or an error if capture has stopped.
type CaptureFunc func() ([]byte, error)

// PlaybackFunc consumes one decoded audio chunk from a remote participant.
type PlaybackFunc func(remoteUUID string, audio []byte) error

// VideoCaptureFunc returns the next encoded video frame (e.g. a JPEG) to
// broadcast, or an error if capture has stopped.
type VideoCaptureFunc func() ([]byte, error)

// VideoFrameFunc is invoked whenever a remote participant's video frame has
// been fully reassembled.
type VideoFrameFunc func(remoteUUID string, frame []byte)

const (
	typeVoice       = 0
	typeImageHeader = 1
	typeImageChunk  = 2
)

// maxImageChunkSize mirrors the server relay's re-fragmentation size so a
// single client-originated frame always fits the same wire layout.
const maxImageChunkSize = 60000

// captureInterval is the voice capture cadence (§C8).
const captureInterval = 35 * time.Millisecond

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

// Client drives one participant's voice/video UDP traffic against the
// server relay.
type Client struct {
	conn *net.UDPConn
	key  []byte
	uuid string

	capture      CaptureFunc
	playback     PlaybackFunc
	videoCapture VideoCaptureFunc
	onVideoFrame VideoFrameFunc

	mu         sync.Mutex
	reassembly map[string]*frameState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures the capture/playback hooks; each is optional, letting
// a host enable audio-only, video-only, or receive-only participation.
type Options struct {
	Capture      CaptureFunc
	Playback     PlaybackFunc
	VideoCapture VideoCaptureFunc
	OnVideoFrame VideoFrameFunc
	// VideoInterval paces outgoing video frames; zero disables video send.
	VideoInterval time.Duration
}

// Dial opens the UDP socket toward the relay at addr and starts the
// capture/receive loops. key is the session's decryption key (shared with
// the TCP control connection); uuid identifies this participant.
func Dial(addr, uuid string, key []byte, opts Options) (*Client, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("voipclient: resolve addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("voipclient: dial: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:         conn,
		key:          key,
		uuid:         uuid,
		capture:      opts.Capture,
		playback:     opts.Playback,
		videoCapture: opts.VideoCapture,
		onVideoFrame: opts.OnVideoFrame,
		reassembly:   make(map[string]*frameState),
		cancel:       cancel,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receiveLoop(ctx)
	}()

	if c.capture != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.captureLoop(ctx)
		}()
	}

	if c.videoCapture != nil && opts.VideoInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.videoLoop(ctx, opts.VideoInterval)
		}()
	}

	return c, nil
}

// LocalAddr returns the UDP address this client bound, so the caller can
// report it in the VoipConnection{udp_port} control message.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops all loops and closes the socket.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) captureLoop(ctx context.Context) {
	ticker := time.NewTicker(captureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			audio, err := c.capture()
			if err != nil {
				slog.Debug("voipclient: capture stopped", "error", err)
				return
			}
			body := make([]byte, 0, len(audio)+36)
			body = append(body, audio...)
			body = append(body, []byte(c.uuid)...)
			if err := c.send(typeVoice, body); err != nil {
				slog.Debug("voipclient: send voice failed", "error", err)
			}
		}
	}
}

func (c *Client) videoLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := c.videoCapture()
			if err != nil {
				slog.Debug("voipclient: video capture stopped", "error", err)
				return
			}
			if err := c.sendFrame(frame); err != nil {
				slog.Debug("voipclient: send frame failed", "error", err)
			}
		}
	}
}

// sendFrame chunks frame at maxImageChunkSize, computes the per-chunk
// fingerprint and frame id, and transmits the header followed by each
// chunk, matching the server relay's expected wire layout exactly.
func (c *Client) sendFrame(frame []byte) error {
	var chunks [][]byte
	for i := 0; i < len(frame); i += maxImageChunkSize {
		end := i + maxImageChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		chunks = append(chunks, frame[i:end])
	}
	hashes := make([]string, len(chunks))
	for i, ch := range chunks {
		hashes[i] = wire.Fingerprint(ch)
	}
	frameID := wire.Fingerprint([]byte(strings.Join(hashes, "")))

	header := imageHeaderDoc{UUID: c.uuid, FrameID: frameID, Parts: hashes}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("voipclient: marshal header: %w", err)
	}
	if err := c.send(typeImageHeader, headerBytes); err != nil {
		return err
	}

	for i, ch := range chunks {
		body := make([]byte, 0, len(ch)+64+36+64)
		body = append(body, ch...)
		body = append(body, []byte(hashes[i])...)
		body = append(body, []byte(c.uuid)...)
		body = append(body, []byte(frameID)...)
		if err := c.send(typeImageChunk, body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(pktType int, body []byte) error {
	var tagBuf [4]byte
	binary.BigEndian.PutUint32(tagBuf[:], uint32(pktType))
	plaintext := make([]byte, 0, len(body)+4)
	plaintext = append(plaintext, body...)
	plaintext = append(plaintext, tagBuf[:]...)

	ciphertext, err := wire.Encrypt(c.key, plaintext)
	if err != nil {
		return fmt.Errorf("voipclient: encrypt: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ciphertext)))
	packet := make([]byte, 0, 4+len(ciphertext))
	packet = append(packet, hdr[:]...)
	packet = append(packet, ciphertext...)

	_, err = c.conn.Write(packet)
	return err
}

func (c *Client) receiveLoop(ctx context.Context) {
	buf := make([]byte, wire.MaxFrameLen+4)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("voipclient: read error", "error", err)
			continue
		}
		if n < 4 {
			continue
		}
		declared := binary.BigEndian.Uint32(buf[:4])
		body := buf[4:n]
		if int(declared) != len(body) {
			continue
		}
		ciphertext := make([]byte, len(body))
		copy(ciphertext, body)
		c.handlePacket(ciphertext)
	}
}

func (c *Client) handlePacket(ciphertext []byte) {
	plaintext, err := wire.Decrypt(c.key, ciphertext)
	if err != nil {
		slog.Debug("voipclient: decrypt failed")
		return
	}
	if len(plaintext) < 4 {
		return
	}
	tag := binary.BigEndian.Uint32(plaintext[len(plaintext)-4:])
	body := plaintext[:len(plaintext)-4]

	switch int(tag) {
	case typeVoice:
		c.handleVoice(body)
	case typeImageHeader:
		c.handleImageHeader(body)
	case typeImageChunk:
		c.handleImageChunk(body)
	}
}

func (c *Client) handleVoice(body []byte) {
	if len(body) < 36 || c.playback == nil {
		return
	}
	senderUUID := string(body[len(body)-36:])
	audio := body[:len(body)-36]
	if err := c.playback(senderUUID, audio); err != nil {
		slog.Debug("voipclient: playback failed", "error", err)
	}
}

func (c *Client) handleImageHeader(body []byte) {
	var h imageHeaderDoc
	if err := json.Unmarshal(body, &h); err != nil {
		return
	}
	c.mu.Lock()
	c.reassembly[h.UUID] = &frameState{
		frameID: h.FrameID,
		parts:   h.Parts,
		chunks:  make(map[string][]byte, len(h.Parts)),
	}
	c.mu.Unlock()
}

func (c *Client) handleImageChunk(body []byte) {
	const hashLen, uuidLen, frameIDLen = 64, 36, 64
	tailLen := hashLen + uuidLen + frameIDLen
	if len(body) < tailLen {
		return
	}
	n := len(body)
	frameID := string(body[n-frameIDLen:])
	senderUUID := string(body[n-frameIDLen-uuidLen : n-frameIDLen])
	hashHex := string(body[n-frameIDLen-uuidLen-hashLen : n-frameIDLen-uuidLen])
	chunkBytes := body[:n-tailLen]

	var reassembled []byte
	complete := false

	c.mu.Lock()
	fs := c.reassembly[senderUUID]
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
			delete(c.reassembly, senderUUID)
		}
	}
	c.mu.Unlock()

	if complete && c.onVideoFrame != nil {
		c.onVideoFrame(senderUUID, reassembled)
	}
}
