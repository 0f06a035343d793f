// Package broker implements the server session manager (C3) and message
// broker (C4): connect/disconnect/ban handling, authorization, and the
// mutation-apply-then-fan-out pipeline over the process-lifetime message
// log.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hearthcore/internal/content"
	"hearthcore/internal/linkpreview"
	"hearthcore/internal/protocol"
	"hearthcore/internal/voip"
	"hearthcore/internal/wire"
)

// Plaintext control strings, sent unencrypted during handshake/shutdown and
// compared literally by the client (§6).
const (
	MsgInvalidPassword = "Invalid Password!"
	MsgBanned          = "You have been banned!"
	MsgFailedAuth      = "Failed to authenticate!"
	MsgInvalidClient   = "Invalid Client!"
	MsgDisconnecting   = "Server disconnecting from client."
)

var (
	// ErrInvalidPassword is returned by Connect when the supplied password
	// does not verify against the server's configured hash.
	ErrInvalidPassword = errors.New("broker: invalid password")
	// ErrBanned is returned by Connect, and by Authorize for an
	// already-connected client whose UUID has since been banned.
	ErrBanned = errors.New("broker: uuid is banned")
	// ErrNotAuthenticated is returned by Authorize for a UUID with no live
	// session.
	ErrNotAuthenticated = errors.New("broker: uuid is not connected")
	// ErrDisconnectRequested signals that a Sync{Disconnect} message was
	// processed; the caller should close the connection without surfacing
	// this as a failure.
	ErrDisconnectRequested = errors.New("broker: client requested disconnect")
)

// Broker owns every piece of process-lifetime server state named in
// spec.md §3: the message log, the parallel reactions array, connected
// clients and their profiles, seen-list, bans, and the content stores. One
// Broker exists per running server.
type Broker struct {
	passwordHash  string
	decryptionKey []byte

	mu        sync.RWMutex
	messages  []protocol.LogEntry
	reactions [][]protocol.ReactionEntry
	peers     map[string]*Peer
	profiles  map[string]protocol.Profile
	lastSeen  map[string]int

	// applyMu serializes the whole "mutate log, snapshot targets, fan out"
	// sequence so that the total order of appends equals the fan-out order
	// every peer observes, per the ordering guarantee in §4.4/§5.
	applyMu sync.Mutex

	bansMu  sync.RWMutex
	banned  map[string]bool

	stores *content.Stores

	voipMu sync.Mutex
	voip   *voip.Relay

	onAudit       func(action, actorUUID, detail string)
	onProfileSave func(uuid string, profile protocol.Profile)
}

// New constructs a Broker with a freshly generated decryption key.
func New(passwordHash string, stores *content.Stores) (*Broker, error) {
	key, err := wire.NewKey()
	if err != nil {
		return nil, err
	}
	return &Broker{
		passwordHash:  passwordHash,
		decryptionKey: key,
		peers:         make(map[string]*Peer),
		profiles:      make(map[string]protocol.Profile),
		lastSeen:      make(map[string]int),
		banned:        make(map[string]bool),
		stores:        stores,
	}, nil
}

// DecryptionKey returns the server's 32-byte symmetric key.
func (b *Broker) DecryptionKey() []byte { return b.decryptionKey }

// HexKey returns the 64-character hex encoding sent plaintext at handshake.
func (b *Broker) HexKey() string { return fmt.Sprintf("%x", b.decryptionKey) }

// ContentBytesStored sums the size of every file, image, and audio upload
// currently held in memory across the content stores.
func (b *Broker) ContentBytesStored() int64 { return b.stores.TotalBytes() }

// SetOnAudit registers a callback invoked for every admin-visible mutation
// (ban/unban, etc.) so the host process can persist an audit trail; the
// broker itself never touches storage.
func (b *Broker) SetOnAudit(fn func(action, actorUUID, detail string)) { b.onAudit = fn }

// SetOnProfileSave registers a callback invoked with a client's profile
// whenever it is set on connect/reconnect, so the host process can persist
// it across restarts; the broker itself never touches storage.
func (b *Broker) SetOnProfileSave(fn func(uuid string, profile protocol.Profile)) {
	b.onProfileSave = fn
}

// SeedProfile installs a profile loaded from persistent storage at startup,
// before any client has connected. It does not fan out or call
// onProfileSave, since that would just write the same record back out.
func (b *Broker) SeedProfile(uuid string, profile protocol.Profile) {
	b.mu.Lock()
	b.profiles[uuid] = profile
	b.mu.Unlock()
}

// SetVoipRelay installs the UDP relay the broker delegates voip connect/
// disconnect handling to.
func (b *Broker) SetVoipRelay(r *voip.Relay) {
	b.voipMu.Lock()
	b.voip = r
	b.voipMu.Unlock()
}

func (b *Broker) audit(action, actorUUID, detail string) {
	if b.onAudit != nil {
		b.onAudit(action, actorUUID, detail)
	}
}

// Ban adds uuid to the banned set. The actual disconnect happens on the
// next PollBans tick (≤3s later), matching §4.3.
func (b *Broker) Ban(uuid, actorUUID string) {
	b.bansMu.Lock()
	b.banned[uuid] = true
	b.bansMu.Unlock()
	b.audit("ban", actorUUID, uuid)
}

// Unban removes uuid from the banned set.
func (b *Broker) Unban(uuid, actorUUID string) {
	b.bansMu.Lock()
	delete(b.banned, uuid)
	b.bansMu.Unlock()
	b.audit("unban", actorUUID, uuid)
}

// IsBanned reports whether uuid currently appears in the banned set.
func (b *Broker) IsBanned(uuid string) bool {
	b.bansMu.RLock()
	defer b.bansMu.RUnlock()
	return b.banned[uuid]
}

// PollBans is run on a ~3s ticker by the host process. Every connected
// client whose UUID is banned is kicked: plaintext ban notice, plaintext
// disconnect notice, socket close, then a ServerEvent::Ban log entry is
// appended and fanned out.
func (b *Broker) PollBans() {
	b.mu.RLock()
	var toKick []*Peer
	for id, p := range b.peers {
		if b.IsBanned(id) {
			toKick = append(toKick, p)
		}
	}
	b.mu.RUnlock()

	for _, p := range toKick {
		_ = p.session.SendPlain(MsgBanned)
		_ = p.session.SendPlain(MsgDisconnecting)
		_ = p.session.Close()
		b.Disconnect(p.UUID, protocol.ServerEventBan)
	}
}

// Authorize enforces "the sender's UUID must be in connected_clients ...
// must not be in banned_uuids" on every message after the handshake.
func (b *Broker) Authorize(uuid string) error {
	if b.IsBanned(uuid) {
		return ErrBanned
	}
	b.mu.RLock()
	_, ok := b.peers[uuid]
	b.mu.RUnlock()
	if !ok {
		return ErrNotAuthenticated
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Connect runs the authoritative handshake order from §4.3 steps 3–6
// (steps 1/2 — accepting the TCP connection and reading the first framed
// Sync message — are the caller's responsibility). It also builds and
// returns the ServerMaster snapshot the caller must send unprompted as the
// first encrypted frame (step 8) — built and returned while still holding
// applyMu, the same lock every other mutation's append-then-fan-out
// sequence holds, so the new peer can be registered as a fan-out target
// and handed its catch-up snapshot as one atomic step. Without this, a
// concurrent mutation from another client could register its fan-out
// write to this socket before the caller gets around to sending the
// snapshot, racing the new peer's very first frame. Connect reports
// whether this is a reconnect of an already-connected UUID.
func (b *Broker) Connect(sess Session, uuid, password string, profile protocol.Profile) (reconnect bool, master protocol.ServerMasterMsg, err error) {
	if !wire.VerifyPassword(password, b.passwordHash) {
		return false, protocol.ServerMasterMsg{}, ErrInvalidPassword
	}
	if b.IsBanned(uuid) {
		return false, protocol.ServerMasterMsg{}, ErrBanned
	}

	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	if existing, ok := b.peers[uuid]; ok {
		existing.session = sess
		b.profiles[uuid] = profile
		master := b.buildMasterLocked()
		b.mu.Unlock()
		b.saveProfile(uuid, profile)
		return true, master, nil
	}
	b.mu.Unlock()

	entry := protocol.LogEntry{
		Kind:         protocol.KindServerEvent,
		AuthorUUID:   uuid,
		AuthorName:   profile.Username,
		Timestamp:    nowMillis(),
		ServerEvent:  eventKind(protocol.ServerEventConnect),
		EventProfile: &profile,
	}
	b.mu.Lock()
	b.messages = append(b.messages, entry)
	b.reactions = append(b.reactions, []protocol.ReactionEntry{})
	targets := b.snapshotPeersLocked()
	seen := b.snapshotLastSeenLocked()
	b.mu.Unlock()
	b.fanOut(entry, targets, seen)

	b.mu.Lock()
	b.peers[uuid] = &Peer{UUID: uuid, Username: profile.Username, session: sess}
	b.profiles[uuid] = profile
	if _, ok := b.lastSeen[uuid]; !ok {
		b.lastSeen[uuid] = -1
	}
	master = b.buildMasterLocked()
	b.mu.Unlock()
	b.saveProfile(uuid, profile)

	return false, master, nil
}

func (b *Broker) saveProfile(uuid string, profile protocol.Profile) {
	if b.onProfileSave != nil {
		b.onProfileSave(uuid, profile)
	}
}

// Disconnect removes uuid from connected_clients (if present) and appends
// + fans out a ServerEvent log entry for reason (Disconnect or Ban).
func (b *Broker) Disconnect(uuid string, reason protocol.ServerEventKind) {
	b.mu.Lock()
	if _, ok := b.peers[uuid]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.peers, uuid)
	profile := b.profiles[uuid]
	b.mu.Unlock()

	entry := protocol.LogEntry{
		Kind:         protocol.KindServerEvent,
		AuthorUUID:   uuid,
		AuthorName:   profile.Username,
		Timestamp:    nowMillis(),
		ServerEvent:  eventKind(reason),
		EventProfile: &profile,
	}
	b.appendAndFanOut(entry)
}

func eventKind(k protocol.ServerEventKind) *protocol.ServerEventKind { return &k }

// BuildMaster snapshots the full log/reactions/profiles/seen-list/call
// state for the ServerMaster catch-up envelope.
func (b *Broker) BuildMaster() protocol.ServerMasterMsg {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buildMasterLocked()
}

// buildMasterLocked is BuildMaster's body, callable by callers that already
// hold b.mu (for either read or write) so they can build and act on a
// snapshot without releasing and re-acquiring the lock in between.
func (b *Broker) buildMasterLocked() protocol.ServerMasterMsg {
	messages := make([]protocol.LogEntry, len(b.messages))
	copy(messages, b.messages)

	reactions := make([][]protocol.ReactionEntry, len(b.reactions))
	for i, entries := range b.reactions {
		reactions[i] = append([]protocol.ReactionEntry(nil), entries...)
	}

	profiles := make(map[string]protocol.Profile, len(b.profiles))
	for k, v := range b.profiles {
		profiles[k] = v
	}

	seen := b.snapshotLastSeenLocked()

	connected := make([]string, 0, len(b.peers))
	for id := range b.peers {
		connected = append(connected, id)
	}
	sort.Strings(connected)

	var voipIDs []string
	b.voipMu.Lock()
	if b.voip != nil {
		voipIDs = b.voip.ParticipantUUIDs()
	}
	b.voipMu.Unlock()

	return protocol.ServerMasterMsg{
		Messages:           messages,
		Reactions:          reactions,
		UserSeenList:       seen,
		Profiles:           profiles,
		ConnectedUUIDs:     connected,
		VoipConnectedUUIDs: voipIDs,
	}
}

func (b *Broker) snapshotPeersLocked() []*Peer {
	targets := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		targets = append(targets, p)
	}
	return targets
}

func (b *Broker) snapshotLastSeenLocked() map[string]int {
	seen := make(map[string]int, len(b.lastSeen))
	for k, v := range b.lastSeen {
		seen[k] = v
	}
	return seen
}

func (b *Broker) usernameOf(uuid string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.profiles[uuid]; ok {
		return p.Username
	}
	return ""
}

// appendAndFanOut appends entry to the message log (plus a parallel empty
// reactions slot) and fans out the resulting ServerSync envelope, holding
// applyMu for the whole sequence so no other mutation's fan-out can
// interleave (§4.4 Ordering).
func (b *Broker) appendAndFanOut(entry protocol.LogEntry) int {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	b.messages = append(b.messages, entry)
	b.reactions = append(b.reactions, []protocol.ReactionEntry{})
	index := len(b.messages) - 1
	targets := b.snapshotPeersLocked()
	seen := b.snapshotLastSeenLocked()
	b.mu.Unlock()

	b.fanOut(entry, targets, seen)
	return index
}

// maybeFetchLinkPreview looks for the first URL in text and, if found,
// fetches its preview in the background and broadcasts it once ready.
// Never blocks or delays the caller; failures are logged at debug level
// and produce no event.
func (b *Broker) maybeFetchLinkPreview(index int, text string) {
	url := linkpreview.FirstURL(text)
	if url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		preview, err := linkpreview.Fetch(ctx, url)
		if err != nil {
			slog.Debug("broker: link preview fetch failed", "url", url, "error", err)
			return
		}
		b.broadcastLinkPreview(index, preview)
	}()
}

func (b *Broker) broadcastLinkPreview(index int, preview linkpreview.Preview) {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	targets := b.snapshotPeersLocked()
	seen := b.snapshotLastSeenLocked()
	b.mu.Unlock()

	entry := protocol.LogEntry{
		Kind:                    protocol.KindLinkPreview,
		Timestamp:               nowMillis(),
		LinkPreviewMessageIndex: index,
		LinkPreviewURL:          preview.URL,
		LinkPreviewTitle:        preview.Title,
		LinkPreviewDescription:  preview.Description,
	}
	b.fanOutSynthesized(entry, targets, seen)
}

// fanOutSynthesized fans out entry (a synthesized Edit, Reaction or
// LinkPreview envelope) WITHOUT appending it to the message log. Used by
// the edit and reaction handlers, where the log mutation is in-place, and
// by broadcastLinkPreview.
func (b *Broker) fanOutSynthesized(entry protocol.LogEntry, targets []*Peer, seen map[string]int) {
	b.fanOut(entry, targets, seen)
}

func (b *Broker) fanOut(entry protocol.LogEntry, targets []*Peer, seen map[string]int) {
	msg := &protocol.ServerMessage{
		Type: protocol.ServerSync,
		Sync: &protocol.ServerSyncMsg{Entry: entry, UserSeenList: seen},
	}
	for _, p := range targets {
		if err := p.send(msg); err != nil {
			slog.Warn("broker: fan-out write failed", "peer", p.UUID, "error", err)
		}
	}
}

// Len reports the current message log length (exported for tests and the
// admin API's room-stats endpoint).
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// ClientCount reports the number of currently connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// MessageAt returns a copy of the log entry at index, for tests and
// scenario assertions.
func (b *Broker) MessageAt(index int) (protocol.LogEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.messages) {
		return protocol.LogEntry{}, false
	}
	return b.messages[index], true
}

// ReactionsAt returns a copy of the reactions attached to the message at
// index.
func (b *Broker) ReactionsAt(index int) ([]protocol.ReactionEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.reactions) {
		return nil, false
	}
	return append([]protocol.ReactionEntry(nil), b.reactions[index]...), true
}

// LastSeen returns uuid's last-seen index, or -1 if unknown.
func (b *Broker) LastSeen(uuid string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.lastSeen[uuid]; ok {
		return v
	}
	return -1
}
