package broker

import (
	"fmt"
	"log/slog"
	"net"

	"hearthcore/internal/content"
	"hearthcore/internal/protocol"
)

// HandleClientMessage applies one authenticated client message to the
// broker's state, in the order described by §4.4. It returns a direct
// reply meant only for the sender (content requests, client-profile
// lookups, voip replies, catch-up ServerMaster) or nil if the mutation was
// instead fanned out to every peer. ErrDisconnectRequested is returned
// (with a nil reply) when the message was a Sync{Disconnect}.
func (b *Broker) HandleClientMessage(senderUUID string, msg *protocol.ClientMessage) (*protocol.ServerMessage, error) {
	switch msg.Type {
	case protocol.ClientSync:
		return b.handleSync(senderUUID, msg.Sync)
	case protocol.ClientNormal:
		return nil, b.handleNormal(senderUUID, msg)
	case protocol.ClientFileUpload:
		return nil, b.handleFileUpload(senderUUID, msg)
	case protocol.ClientFileRequest:
		return b.handleContentRequest(protocol.ServerFileReply, b.stores.Files, msg.FileRequest)
	case protocol.ClientImageRequest:
		return b.handleContentRequest(protocol.ServerImageReply, b.stores.Images, msg.ImageRequest)
	case protocol.ClientAudioRequest:
		return b.handleContentRequest(protocol.ServerAudioReply, b.stores.Audio, msg.AudioRequest)
	case protocol.ClientClientRequest:
		return b.handleClientRequest(msg.ClientRequest)
	case protocol.ClientReaction:
		return nil, b.handleReaction(senderUUID, msg.Reaction)
	case protocol.ClientMessageEdit:
		return nil, b.handleMessageEdit(senderUUID, msg.MessageEdit)
	case protocol.ClientVoipConnection:
		return b.handleVoipConnection(senderUUID, msg.VoipConnection)
	default:
		return nil, fmt.Errorf("broker: unknown client message type %q", msg.Type)
	}
}

func (b *Broker) handleSync(senderUUID string, s *protocol.SyncMsg) (*protocol.ServerMessage, error) {
	if s == nil {
		return nil, fmt.Errorf("broker: sync message missing body")
	}
	switch {
	case s.Attribute == protocol.SyncAttrDisconnect:
		b.Disconnect(senderUUID, protocol.ServerEventDisconnect)
		return nil, ErrDisconnectRequested
	case s.ClientMessageCounter != nil:
		master := b.BuildMaster()
		return &protocol.ServerMessage{Type: protocol.ServerMaster, Master: &master}, nil
	case s.LastSeenMessageIndex != nil:
		b.mu.Lock()
		if *s.LastSeenMessageIndex > b.lastSeen[senderUUID] {
			b.lastSeen[senderUUID] = *s.LastSeenMessageIndex
		}
		b.mu.Unlock()
		return nil, nil
	default:
		return nil, fmt.Errorf("broker: unexpected sync attribute %q mid-session", s.Attribute)
	}
}

func (b *Broker) handleNormal(senderUUID string, msg *protocol.ClientMessage) error {
	if msg.Normal == nil {
		return fmt.Errorf("broker: normal message missing body")
	}
	entry := protocol.LogEntry{
		ReplyingTo: msg.ReplyingTo,
		Kind:       protocol.KindNormal,
		AuthorUUID: senderUUID,
		AuthorName: b.usernameOf(senderUUID),
		Timestamp:  msg.Timestamp,
		Text:       msg.Normal.Text,
	}
	index := b.appendAndFanOut(entry)
	b.maybeFetchLinkPreview(index, msg.Normal.Text)
	return nil
}

func (b *Broker) handleFileUpload(senderUUID string, msg *protocol.ClientMessage) error {
	up := msg.FileUpload
	if up == nil {
		return fmt.Errorf("broker: file_upload message missing body")
	}
	if len(up.Bytes) > content.MaxUploadBytes {
		// §9 note 6: oversize uploads are silently dropped rather than
		// rejected with an explicit error.
		slog.Warn("broker: oversize upload dropped", "sender", senderUUID, "size", len(up.Bytes))
		return nil
	}
	kind, fp, err := b.stores.PutClassified(up.Extension, up.Name, up.Bytes)
	if err != nil {
		slog.Warn("broker: upload rejected", "sender", senderUUID, "error", err)
		return nil
	}

	entry := protocol.LogEntry{
		ReplyingTo:  msg.ReplyingTo,
		AuthorUUID:  senderUUID,
		AuthorName:  b.usernameOf(senderUUID),
		Timestamp:   msg.Timestamp,
		Fingerprint: fp,
		FileName:    up.Name,
	}
	switch kind {
	case content.KindImage:
		entry.Kind = protocol.KindImage
	case content.KindAudio:
		entry.Kind = protocol.KindAudio
	default:
		entry.Kind = protocol.KindUpload
	}
	b.appendAndFanOut(entry)
	return nil
}

func (b *Broker) handleContentRequest(replyType protocol.ServerMessageType, store *content.Store, req *protocol.FingerprintMsg) (*protocol.ServerMessage, error) {
	if req == nil {
		return nil, fmt.Errorf("broker: content request missing body")
	}
	entry, ok := store.Get(req.Fingerprint)
	reply := &protocol.ContentReplyMsg{Found: ok, Fingerprint: req.Fingerprint}
	if ok {
		reply.Name = entry.Name
		reply.Bytes = entry.Bytes
	}
	out := &protocol.ServerMessage{Type: replyType}
	switch replyType {
	case protocol.ServerImageReply:
		out.ImageReply = reply
	case protocol.ServerAudioReply:
		out.AudioReply = reply
	default:
		out.FileReply = reply
	}
	return out, nil
}

func (b *Broker) handleClientRequest(req *protocol.ClientRequestMsg) (*protocol.ServerMessage, error) {
	if req == nil {
		return nil, fmt.Errorf("broker: client_request missing body")
	}
	b.mu.RLock()
	profile, ok := b.profiles[req.TargetUUID]
	b.mu.RUnlock()
	reply := &protocol.ClientReplyMsg{Found: ok, UUID: req.TargetUUID}
	if ok {
		reply.Profile = &profile
	}
	return &protocol.ServerMessage{Type: protocol.ServerClientReply, ClientReply: reply}, nil
}

// handleMessageEdit enforces author-uuid equality (§9 note 4) and the
// Normal-kind requirement for text edits (§4.4).
func (b *Broker) handleMessageEdit(senderUUID string, edit *protocol.MessageEditMsg) error {
	if edit == nil {
		return fmt.Errorf("broker: message_edit missing body")
	}

	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	if edit.Index < 0 || edit.Index >= len(b.messages) {
		b.mu.Unlock()
		return fmt.Errorf("broker: edit index %d out of range", edit.Index)
	}
	entry := &b.messages[edit.Index]
	if entry.AuthorUUID != senderUUID {
		b.mu.Unlock()
		return fmt.Errorf("broker: %s is not the author of message %d", senderUUID, edit.Index)
	}
	if edit.NewText == nil {
		entry.Kind = protocol.KindDeleted
	} else {
		if entry.Kind != protocol.KindNormal {
			b.mu.Unlock()
			return fmt.Errorf("broker: message %d (kind %q) is not editable", edit.Index, entry.Kind)
		}
		entry.Text = *edit.NewText
		entry.Edited = true
	}
	targets := b.snapshotPeersLocked()
	seen := b.snapshotLastSeenLocked()
	b.mu.Unlock()

	fanout := protocol.LogEntry{
		Kind:        protocol.KindEdit,
		EditIndex:   edit.Index,
		EditNewText: edit.NewText,
		AuthorUUID:  senderUUID,
		Timestamp:   nowMillis(),
	}
	b.fanOutSynthesized(fanout, targets, seen)
	return nil
}

// handleReaction implements the spec's non-idempotent Add semantics:
// tapping the same emoji twice grows the authors list rather than being a
// no-op (§8 property 4, §9 note 3's neighbor).
func (b *Broker) handleReaction(senderUUID string, r *protocol.ReactionMsg) error {
	if r == nil {
		return fmt.Errorf("broker: reaction message missing body")
	}

	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	if r.MessageIndex < 0 || r.MessageIndex >= len(b.reactions) {
		b.mu.Unlock()
		return fmt.Errorf("broker: reaction index %d out of range", r.MessageIndex)
	}
	entries := b.reactions[r.MessageIndex]

	switch r.Op {
	case protocol.ReactionAdd:
		found := false
		for i := range entries {
			if entries[i].Emoji == r.Emoji {
				entries[i].Authors = append(entries[i].Authors, senderUUID)
				found = true
				break
			}
		}
		if !found {
			entries = append(entries, protocol.ReactionEntry{Emoji: r.Emoji, Authors: []string{senderUUID}})
		}
	case protocol.ReactionRemove:
		for i := range entries {
			if entries[i].Emoji != r.Emoji {
				continue
			}
			idx := indexOfString(entries[i].Authors, senderUUID)
			if idx < 0 {
				break // removing a reaction that is not present is a no-op
			}
			entries[i].Authors = append(entries[i].Authors[:idx], entries[i].Authors[idx+1:]...)
			if len(entries[i].Authors) == 0 {
				entries = append(entries[:i], entries[i+1:]...)
			}
			break
		}
	}
	b.reactions[r.MessageIndex] = entries
	targets := b.snapshotPeersLocked()
	seen := b.snapshotLastSeenLocked()
	b.mu.Unlock()

	fanout := protocol.LogEntry{
		Kind:          protocol.KindReaction,
		ReactionIndex: r.MessageIndex,
		ReactionEmoji: r.Emoji,
		ReactionOp:    r.Op,
		AuthorUUID:    senderUUID,
		Timestamp:     nowMillis(),
	}
	b.fanOutSynthesized(fanout, targets, seen)
	return nil
}

func indexOfString(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}

// handleVoipConnection joins or leaves the active call. Joining/leaving is
// itself a real log entry (VoipState), appended and fanned out like any
// other mutation, so every peer — even non-participants — learns the
// current participant set via the normal ServerSync path.
func (b *Broker) handleVoipConnection(senderUUID string, vc *protocol.VoipConnectionMsg) (*protocol.ServerMessage, error) {
	if vc == nil {
		return nil, fmt.Errorf("broker: voip_connection message missing body")
	}

	b.voipMu.Lock()
	relay := b.voip
	b.voipMu.Unlock()
	if relay == nil {
		return &protocol.ServerMessage{
			Type:      protocol.ServerVoipReply,
			VoipReply: &protocol.VoipReplyMsg{Success: false, Reason: "voip relay not configured"},
		}, nil
	}

	switch vc.Op {
	case protocol.VoipConnect:
		b.mu.RLock()
		peer, ok := b.peers[senderUUID]
		b.mu.RUnlock()
		if !ok {
			return &protocol.ServerMessage{Type: protocol.ServerVoipReply, VoipReply: &protocol.VoipReplyMsg{Success: false, Reason: ErrNotAuthenticated.Error()}}, nil
		}
		host, _, err := net.SplitHostPort(peer.session.RemoteIP())
		if err != nil {
			host = peer.session.RemoteIP()
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return &protocol.ServerMessage{Type: protocol.ServerVoipReply, VoipReply: &protocol.VoipReplyMsg{Success: false, Reason: "could not resolve client address"}}, nil
		}
		addr := &net.UDPAddr{IP: ip, Port: vc.UDPPort}
		relay.AddParticipant(senderUUID, addr)
		connected := relay.ParticipantUUIDs()

		b.appendAndFanOut(protocol.LogEntry{
			Kind:               protocol.KindVoipState,
			AuthorUUID:         senderUUID,
			Timestamp:          nowMillis(),
			VoipConnectedUUIDs: connected,
		})
		return &protocol.ServerMessage{Type: protocol.ServerVoipReply, VoipReply: &protocol.VoipReplyMsg{Success: true}}, nil

	case protocol.VoipDisconnect:
		relay.RemoveParticipant(senderUUID)
		connected := relay.ParticipantUUIDs()

		b.appendAndFanOut(protocol.LogEntry{
			Kind:               protocol.KindVoipState,
			AuthorUUID:         senderUUID,
			Timestamp:          nowMillis(),
			VoipConnectedUUIDs: connected,
		})
		return &protocol.ServerMessage{Type: protocol.ServerVoipReply, VoipReply: &protocol.VoipReplyMsg{Success: true}}, nil

	default:
		return nil, fmt.Errorf("broker: unknown voip op %q", vc.Op)
	}
}
