// Package session implements the client side of the control connection
// (C7): the connect handshake, the decrypt-dispatch receive loop, local
// mirroring of the message log/reactions/profiles/seen-list, and the
// periodic last-seen heartbeat.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"hearthcore/internal/broker"
	"hearthcore/internal/protocol"
	"hearthcore/internal/wire"
)

// Handshake failures surfaced as typed errors, matching the plaintext
// control strings the server may send back (broker.MsgInvalidPassword et
// al.) before any encryption key exists.
var (
	ErrInvalidPassword = errors.New("session: invalid password")
	ErrBanned          = errors.New("session: banned from server")
	ErrFailedAuth      = errors.New("session: failed to authenticate")
	ErrInvalidClient   = errors.New("session: invalid client")
	ErrUnexpectedReply = errors.New("session: unexpected handshake reply")
)

func classifyHandshakeFailure(s string) error {
	switch s {
	case broker.MsgInvalidPassword:
		return ErrInvalidPassword
	case broker.MsgBanned:
		return ErrBanned
	case broker.MsgFailedAuth:
		return ErrFailedAuth
	case broker.MsgInvalidClient:
		return ErrInvalidClient
	default:
		return nil
	}
}

// Callbacks lets the host application observe mirror updates and
// request/reply completions without polling. Every field is optional.
type Callbacks struct {
	OnLogEntry    func(index int, entry protocol.LogEntry)
	OnReaction    func(index int, reactions []protocol.ReactionEntry)
	OnContentReply func(kind protocol.ServerMessageType, reply protocol.ContentReplyMsg)
	OnClientReply func(reply protocol.ClientReplyMsg)
	OnVoipReply   func(reply protocol.VoipReplyMsg)
	OnDisconnect  func(err error)
}

// Client is one connected session's local runtime state and socket.
type Client struct {
	conn net.Conn
	key  []byte
	uuid string

	writeMu sync.Mutex

	mu        sync.RWMutex
	messages  []protocol.LogEntry
	reactions [][]protocol.ReactionEntry
	profiles  map[string]protocol.Profile
	seen      map[string]int

	callbacks Callbacks

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials addr, performs the plaintext password handshake, installs
// the resulting symmetric key, then reads and applies the full catch-up
// snapshot the server sends unprompted. The returned Client's receive loop and heartbeat are already
// running in background goroutines.
func Connect(ctx context.Context, addr, uuid, password string, profile protocol.Profile, cb Callbacks) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		uuid:      uuid,
		profiles:  make(map[string]protocol.Profile),
		seen:      make(map[string]int),
		callbacks: cb,
		done:      make(chan struct{}),
	}

	if err := c.handshake(uuid, password, profile); err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.receiveCatchUp(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.receiveLoop()
	go c.heartbeatLoop()

	return c, nil
}

// handshake sends the plaintext Sync{Connect} frame and reads the server's
// plaintext reply: either a known failure string, or the hex-encoded
// decryption key on success.
func (c *Client) handshake(uuid, password string, profile protocol.Profile) error {
	msg := protocol.ClientMessage{
		Type:      protocol.ClientSync,
		UUID:      uuid,
		Timestamp: time.Now().UnixMilli(),
		Sync: &protocol.SyncMsg{
			Password:  password,
			Username:  profile.Username,
			Attribute: protocol.SyncAttrConnect,
			Profile:   &profile,
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal handshake: %w", err)
	}
	if err := wire.WriteMessage(c.conn, payload); err != nil {
		return fmt.Errorf("session: send handshake: %w", err)
	}

	reply, err := wire.ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("session: read handshake reply: %w", err)
	}
	replyStr := string(reply)
	if failure := classifyHandshakeFailure(replyStr); failure != nil {
		return failure
	}

	key, err := hex.DecodeString(replyStr)
	if err != nil || len(key) != wire.KeySize {
		return ErrUnexpectedReply
	}
	c.key = key
	return nil
}

// receiveCatchUp reads the ServerMaster snapshot the server sends
// unprompted as the first encrypted frame after the handshake key (§4.3
// step 8) and applies it to the local mirror. Because the server sends
// this deterministically before the new peer is added to its fan-out set,
// it can never be beaten to the socket by another client's concurrent
// activity.
func (c *Client) receiveCatchUp() error {
	frame, err := c.readEncrypted()
	if err != nil {
		return fmt.Errorf("session: read catch-up reply: %w", err)
	}
	if frame.Type != protocol.ServerMaster || frame.Master == nil {
		return fmt.Errorf("%w: expected server_master, got %s", ErrUnexpectedReply, frame.Type)
	}

	c.mu.Lock()
	c.messages = append([]protocol.LogEntry(nil), frame.Master.Messages...)
	c.reactions = make([][]protocol.ReactionEntry, len(frame.Master.Reactions))
	copy(c.reactions, frame.Master.Reactions)
	for k, v := range frame.Master.Profiles {
		c.profiles[k] = v
	}
	for k, v := range frame.Master.UserSeenList {
		c.seen[k] = v
	}
	c.mu.Unlock()

	return nil
}

func (c *Client) sendClientMessage(msg protocol.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}
	ciphertext, err := wire.Encrypt(c.key, payload)
	if err != nil {
		return fmt.Errorf("session: encrypt message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.conn, ciphertext)
}

func (c *Client) readEncrypted() (*protocol.ServerMessage, error) {
	ciphertext, err := wire.ReadMessage(c.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := wire.Decrypt(c.key, ciphertext)
	if err != nil {
		return nil, err
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("session: unmarshal server message: %w", err)
	}
	return &msg, nil
}

// receiveLoop decrypts and applies every subsequent frame until the
// connection closes.
func (c *Client) receiveLoop() {
	for {
		msg, err := c.readEncrypted()
		if err != nil {
			c.teardown(err)
			return
		}
		c.apply(msg)
	}
}

func (c *Client) apply(msg *protocol.ServerMessage) {
	switch msg.Type {
	case protocol.ServerSync:
		if msg.Sync != nil {
			c.applySync(msg.Sync)
		}
	case protocol.ServerFileReply:
		if msg.FileReply != nil && c.callbacks.OnContentReply != nil {
			c.callbacks.OnContentReply(msg.Type, *msg.FileReply)
		}
	case protocol.ServerImageReply:
		if msg.ImageReply != nil && c.callbacks.OnContentReply != nil {
			c.callbacks.OnContentReply(msg.Type, *msg.ImageReply)
		}
	case protocol.ServerAudioReply:
		if msg.AudioReply != nil && c.callbacks.OnContentReply != nil {
			c.callbacks.OnContentReply(msg.Type, *msg.AudioReply)
		}
	case protocol.ServerClientReply:
		if msg.ClientReply != nil && c.callbacks.OnClientReply != nil {
			c.callbacks.OnClientReply(*msg.ClientReply)
		}
	case protocol.ServerVoipReply:
		if msg.VoipReply != nil && c.callbacks.OnVoipReply != nil {
			c.callbacks.OnVoipReply(*msg.VoipReply)
		}
	}
}

// applySync applies one ServerSync envelope to the local mirror: either a
// synthesized Edit/Reaction mutation of an existing entry, or an append of
// a brand-new log entry (§4.7). A link-preview event is not appended, since
// the server never stores it in its log either.
func (c *Client) applySync(sync *protocol.ServerSyncMsg) {
	entry := sync.Entry

	c.mu.Lock()
	for k, v := range sync.UserSeenList {
		c.seen[k] = v
	}

	switch entry.Kind {
	case protocol.KindEdit:
		idx := entry.EditIndex
		if idx >= 0 && idx < len(c.messages) {
			if entry.EditNewText == nil {
				c.messages[idx].Kind = protocol.KindDeleted
			} else {
				c.messages[idx].Text = *entry.EditNewText
				c.messages[idx].Edited = true
			}
		}
		c.mu.Unlock()
		c.notifyEntry(idx)
		return
	case protocol.KindReaction:
		idx := entry.ReactionIndex
		if idx >= 0 && idx < len(c.reactions) {
			c.reactions[idx] = applyReactionOp(c.reactions[idx], entry.ReactionEmoji, entry.AuthorUUID, entry.ReactionOp)
		}
		c.mu.Unlock()
		c.notifyReaction(idx)
		return
	case protocol.KindLinkPreview:
		c.mu.Unlock()
		return
	default:
		if entry.EventProfile != nil {
			c.profiles[entry.AuthorUUID] = *entry.EventProfile
		}
		c.messages = append(c.messages, entry)
		c.reactions = append(c.reactions, []protocol.ReactionEntry{})
		idx := len(c.messages) - 1
		c.mu.Unlock()
		c.notifyEntry(idx)
		return
	}
}

func applyReactionOp(entries []protocol.ReactionEntry, emoji, author string, op protocol.ReactionOp) []protocol.ReactionEntry {
	idx := -1
	for i, e := range entries {
		if e.Emoji == emoji {
			idx = i
			break
		}
	}
	switch op {
	case protocol.ReactionAdd:
		if idx == -1 {
			return append(entries, protocol.ReactionEntry{Emoji: emoji, Authors: []string{author}})
		}
		entries[idx].Authors = append(entries[idx].Authors, author)
		return entries
	case protocol.ReactionRemove:
		if idx == -1 {
			return entries
		}
		authors := entries[idx].Authors
		for i, a := range authors {
			if a == author {
				entries[idx].Authors = append(authors[:i], authors[i+1:]...)
				break
			}
		}
		if len(entries[idx].Authors) == 0 {
			return append(entries[:idx], entries[idx+1:]...)
		}
		return entries
	}
	return entries
}

func (c *Client) notifyEntry(idx int) {
	if c.callbacks.OnLogEntry == nil {
		return
	}
	entry, ok := c.MessageAt(idx)
	if ok {
		c.callbacks.OnLogEntry(idx, entry)
	}
}

func (c *Client) notifyReaction(idx int) {
	if c.callbacks.OnReaction == nil {
		return
	}
	reactions, ok := c.ReactionsAt(idx)
	if ok {
		c.callbacks.OnReaction(idx, reactions)
	}
}

// heartbeatLoop sends the periodic last-seen-index Sync every 2 seconds
// until the session is closed (§4.7).
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idx := c.Len() - 1
			if idx < 0 {
				continue
			}
			_ = c.sendClientMessage(protocol.ClientMessage{
				Type:      protocol.ClientSync,
				UUID:      c.uuid,
				Timestamp: time.Now().UnixMilli(),
				Sync:      &protocol.SyncMsg{LastSeenMessageIndex: &idx},
			})
		}
	}
}

func (c *Client) teardown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect(err)
		}
	})
}

// Close sends an explicit disconnect Sync and closes the connection.
func (c *Client) Close() error {
	_ = c.sendClientMessage(protocol.ClientMessage{
		Type:      protocol.ClientSync,
		UUID:      c.uuid,
		Timestamp: time.Now().UnixMilli(),
		Sync:      &protocol.SyncMsg{Attribute: protocol.SyncAttrDisconnect},
	})
	c.teardown(nil)
	return c.conn.Close()
}

// SendText posts a plain chat message.
func (c *Client) SendText(text string) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type:      protocol.ClientNormal,
		UUID:      c.uuid,
		Timestamp: time.Now().UnixMilli(),
		Normal:    &protocol.NormalMsg{Text: text},
	})
}

// SendUpload posts a file/image/audio upload; the broker classifies Kind
// from extension.
func (c *Client) SendUpload(extension, name string, data []byte) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type:       protocol.ClientFileUpload,
		UUID:       c.uuid,
		Timestamp:  time.Now().UnixMilli(),
		FileUpload: &protocol.FileUploadMsg{Extension: extension, Name: name, Bytes: data},
	})
}

// RequestFile/Image/Audio request previously uploaded content by
// fingerprint; the reply arrives asynchronously via OnContentReply.
func (c *Client) RequestFile(fingerprint string) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientFileRequest, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		FileRequest: &protocol.FingerprintMsg{Fingerprint: fingerprint},
	})
}

func (c *Client) RequestImage(fingerprint string) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientImageRequest, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		ImageRequest: &protocol.FingerprintMsg{Fingerprint: fingerprint},
	})
}

func (c *Client) RequestAudio(fingerprint string) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientAudioRequest, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		AudioRequest: &protocol.FingerprintMsg{Fingerprint: fingerprint},
	})
}

// RequestClient asks the server for another connected client's profile.
func (c *Client) RequestClient(targetUUID string) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientClientRequest, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		ClientRequest: &protocol.ClientRequestMsg{TargetUUID: targetUUID},
	})
}

// React adds or removes an emoji reaction on the log entry at index.
func (c *Client) React(index int, emoji string, op protocol.ReactionOp) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientReaction, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		Reaction: &protocol.ReactionMsg{Op: op, Emoji: emoji, MessageIndex: index},
	})
}

// Edit edits (newText non-nil) or deletes (newText nil) the log entry at
// index. Only the original author may succeed; the server enforces it.
func (c *Client) Edit(index int, newText *string) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientMessageEdit, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		MessageEdit: &protocol.MessageEditMsg{Index: index, NewText: newText},
	})
}

// VoipJoin/VoipLeave join/leave the active voice call, advertising
// udpPort as the client's already-bound relay endpoint.
func (c *Client) VoipJoin(udpPort int) error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientVoipConnection, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		VoipConnection: &protocol.VoipConnectionMsg{Op: protocol.VoipConnect, UDPPort: udpPort},
	})
}

func (c *Client) VoipLeave() error {
	return c.sendClientMessage(protocol.ClientMessage{
		Type: protocol.ClientVoipConnection, UUID: c.uuid, Timestamp: time.Now().UnixMilli(),
		VoipConnection: &protocol.VoipConnectionMsg{Op: protocol.VoipDisconnect},
	})
}

// Len reports the local mirror's current message count.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// MessageAt returns a copy of the mirrored log entry at index.
func (c *Client) MessageAt(index int) (protocol.LogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.messages) {
		return protocol.LogEntry{}, false
	}
	return c.messages[index], true
}

// ReactionsAt returns a copy of the mirrored reactions at index.
func (c *Client) ReactionsAt(index int) ([]protocol.ReactionEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.reactions) {
		return nil, false
	}
	return append([]protocol.ReactionEntry(nil), c.reactions[index]...), true
}

// Profile returns the mirrored profile for uuid, if known.
func (c *Client) Profile(uuid string) (protocol.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[uuid]
	return p, ok
}

// SeenIndex returns uuid's last-seen message index, or -1 if unknown.
func (c *Client) SeenIndex(uuid string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.seen[uuid]; ok {
		return v
	}
	return -1
}
