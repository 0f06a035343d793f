// Package protocol defines the tagged client/server message variants
// exchanged over the framed, encrypted TCP control connection, and the log
// entry / sync envelope representation they mutate.
package protocol

// ClientMessageType discriminates the ClientMessage tagged union on the
// wire (JSON field "type").
type ClientMessageType string

const (
	ClientSync           ClientMessageType = "sync"
	ClientNormal         ClientMessageType = "normal"
	ClientFileUpload     ClientMessageType = "file_upload"
	ClientFileRequest    ClientMessageType = "file_request"
	ClientImageRequest   ClientMessageType = "image_request"
	ClientAudioRequest   ClientMessageType = "audio_request"
	ClientClientRequest  ClientMessageType = "client_request"
	ClientReaction       ClientMessageType = "reaction"
	ClientMessageEdit    ClientMessageType = "message_edit"
	ClientVoipConnection ClientMessageType = "voip_connection"
)

// SyncAttribute discriminates the nested Sync.Attribute union.
type SyncAttribute string

const (
	SyncAttrNone       SyncAttribute = ""
	SyncAttrConnect    SyncAttribute = "connect"
	SyncAttrDisconnect SyncAttribute = "disconnect"
)

// ReactionOp discriminates Reaction.Op.
type ReactionOp string

const (
	ReactionAdd    ReactionOp = "add"
	ReactionRemove ReactionOp = "remove"
)

// VoipOp discriminates VoipConnection.Op.
type VoipOp string

const (
	VoipConnect    VoipOp = "connect"
	VoipDisconnect VoipOp = "disconnect"
)

// Profile is the user-supplied identity shown to peers.
type Profile struct {
	Username     string `json:"username"`
	FullName     string `json:"full_name,omitempty"`
	Gender       string `json:"gender,omitempty"`
	BirthDate    string `json:"birth_date,omitempty"`
	Avatar64FP   string `json:"avatar_64_fp,omitempty"`
	Avatar256FP  string `json:"avatar_256_fp,omitempty"`
}

// ClientMessage is the tagged union every client-originated control frame
// decodes to. Exactly one of the Sync/Normal/.../VoipConnection pointer
// fields is populated, selected by Type.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	UUID        string            `json:"uuid"`
	Timestamp   int64             `json:"timestamp"`
	ReplyingTo  *int              `json:"replying_to,omitempty"`

	Sync           *SyncMsg           `json:"sync,omitempty"`
	Normal         *NormalMsg         `json:"normal,omitempty"`
	FileUpload     *FileUploadMsg     `json:"file_upload,omitempty"`
	FileRequest    *FingerprintMsg    `json:"file_request,omitempty"`
	ImageRequest   *FingerprintMsg    `json:"image_request,omitempty"`
	AudioRequest   *FingerprintMsg    `json:"audio_request,omitempty"`
	ClientRequest  *ClientRequestMsg  `json:"client_request,omitempty"`
	Reaction       *ReactionMsg       `json:"reaction,omitempty"`
	MessageEdit    *MessageEditMsg    `json:"message_edit,omitempty"`
	VoipConnection *VoipConnectionMsg `json:"voip_connection,omitempty"`
}

// SyncMsg carries the handshake / heartbeat / catch-up request variants.
type SyncMsg struct {
	Password              string        `json:"password,omitempty"`
	Username              string        `json:"username,omitempty"`
	Attribute             SyncAttribute `json:"attribute,omitempty"`
	Profile               *Profile      `json:"profile,omitempty"`
	ClientMessageCounter  *int          `json:"client_message_counter,omitempty"`
	LastSeenMessageIndex  *int          `json:"last_seen_message_index,omitempty"`
}

// NormalMsg is a plain text chat message.
type NormalMsg struct {
	Text string `json:"text"`
}

// FileUploadMsg carries raw bytes for a file, image, or audio upload. The
// broker classifies Kind from Extension.
type FileUploadMsg struct {
	Extension string `json:"extension,omitempty"`
	Name      string `json:"name,omitempty"`
	Bytes     []byte `json:"bytes"`
}

// FingerprintMsg requests previously uploaded content by fingerprint.
type FingerprintMsg struct {
	Fingerprint string `json:"fingerprint"`
}

// ClientRequestMsg requests another connected client's profile.
type ClientRequestMsg struct {
	TargetUUID string `json:"target_uuid"`
}

// ReactionMsg adds or removes an emoji reaction on a log entry.
type ReactionMsg struct {
	Op            ReactionOp `json:"op"`
	Emoji         string     `json:"emoji"`
	MessageIndex  int        `json:"message_index"`
}

// MessageEditMsg edits (NewText set) or deletes (NewText nil) a log entry.
type MessageEditMsg struct {
	Index   int     `json:"index"`
	NewText *string `json:"new_text,omitempty"`
}

// VoipConnectionMsg joins or leaves the active call.
type VoipConnectionMsg struct {
	Op      VoipOp `json:"op"`
	UDPPort int    `json:"udp_port,omitempty"`
}

// ServerMessageType discriminates the ServerMessage tagged union.
type ServerMessageType string

const (
	ServerSync        ServerMessageType = "server_sync"
	ServerFileReply    ServerMessageType = "file_reply"
	ServerImageReply   ServerMessageType = "image_reply"
	ServerAudioReply   ServerMessageType = "audio_reply"
	ServerClientReply  ServerMessageType = "client_reply"
	ServerVoipReply    ServerMessageType = "voip_reply"
	ServerMaster       ServerMessageType = "server_master"
)

// ServerMessage is the tagged union every server-originated encrypted
// control frame decodes to (after the plaintext handshake phase).
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	Sync        *ServerSyncMsg    `json:"sync,omitempty"`
	FileReply   *ContentReplyMsg  `json:"file_reply,omitempty"`
	ImageReply  *ContentReplyMsg  `json:"image_reply,omitempty"`
	AudioReply  *ContentReplyMsg  `json:"audio_reply,omitempty"`
	ClientReply *ClientReplyMsg   `json:"client_reply,omitempty"`
	VoipReply   *VoipReplyMsg     `json:"voip_reply,omitempty"`
	Master      *ServerMasterMsg  `json:"master,omitempty"`
}

// ServerSyncMsg carries exactly one just-applied mutation plus the current
// seen-list snapshot.
type ServerSyncMsg struct {
	Entry        LogEntry       `json:"entry"`
	UserSeenList map[string]int `json:"user_seen_list"`
}

// ContentReplyMsg answers a File/Image/AudioRequest.
type ContentReplyMsg struct {
	Found       bool   `json:"found"`
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name,omitempty"`
	Bytes       []byte `json:"bytes,omitempty"`
}

// ClientReplyMsg answers a ClientRequest.
type ClientReplyMsg struct {
	Found   bool     `json:"found"`
	UUID    string   `json:"uuid"`
	Profile *Profile `json:"profile,omitempty"`
}

// VoipReplyMsg answers a VoipConnection request.
type VoipReplyMsg struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ServerMasterMsg is the full-state catch-up envelope sent once at initial
// connect (or on an explicit catch-up Sync request).
type ServerMasterMsg struct {
	Messages         []LogEntry          `json:"messages"`
	Reactions        [][]ReactionEntry   `json:"reactions"`
	UserSeenList     map[string]int      `json:"user_seen_list"`
	Profiles         map[string]Profile  `json:"profiles"`
	ConnectedUUIDs   []string            `json:"connected_uuids"`
	VoipConnectedUUIDs []string          `json:"voip_connected_uuids,omitempty"`
}

// LogEntryKind discriminates LogEntry.Kind.
type LogEntryKind string

const (
	KindNormal      LogEntryKind = "normal"
	KindUpload      LogEntryKind = "upload"
	KindImage       LogEntryKind = "image"
	KindAudio       LogEntryKind = "audio"
	KindDeleted     LogEntryKind = "deleted"
	KindServerEvent LogEntryKind = "server_event"
	KindVoipEvent   LogEntryKind = "voip_event"
	KindVoipState   LogEntryKind = "voip_state"
	// KindEdit and KindReaction are synthesized ONLY for ServerSync fan-out
	// envelopes; they are never the kind stored at messages[i].
	KindEdit     LogEntryKind = "edit"
	KindReaction LogEntryKind = "reaction_event"
	// KindLinkPreview is synthesized ONLY for the supplementary event
	// broadcast once a link preview finishes fetching; it is never the
	// kind stored at messages[i] either.
	KindLinkPreview LogEntryKind = "link_preview"
)

// ServerEventKind discriminates LogEntry.ServerEvent.
type ServerEventKind string

const (
	ServerEventConnect    ServerEventKind = "connect"
	ServerEventDisconnect ServerEventKind = "disconnect"
	ServerEventBan        ServerEventKind = "ban"
)

// VoipEventKind discriminates LogEntry.VoipEvent.
type VoipEventKind string

const (
	VoipEventConnected          VoipEventKind = "connected"
	VoipEventDisconnected       VoipEventKind = "disconnected"
	VoipEventImageConnected     VoipEventKind = "image_connected"
	VoipEventImageDisconnected  VoipEventKind = "image_disconnected"
)

// LogEntry is one immutable record in the server's ordered message
// sequence, or a synthesized mutation envelope (Edit/ReactionEvent) used
// only in transit.
type LogEntry struct {
	ReplyingTo *int         `json:"replying_to,omitempty"`
	Kind       LogEntryKind `json:"kind"`
	AuthorName string       `json:"author_name"`
	AuthorUUID string       `json:"author_uuid"`
	Timestamp  int64        `json:"timestamp"`

	// Normal
	Text    string `json:"text,omitempty"`
	Edited  bool   `json:"edited,omitempty"`

	// Upload / Image / Audio
	FileName    string `json:"file_name,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// ServerEvent
	ServerEvent *ServerEventKind `json:"server_event,omitempty"`
	EventProfile *Profile        `json:"event_profile,omitempty"`

	// VoipEvent / VoipState
	VoipEvent         *VoipEventKind `json:"voip_event,omitempty"`
	VoipUUID          string         `json:"voip_uuid,omitempty"`
	VoipConnectedUUIDs []string      `json:"voip_connected_uuids,omitempty"`

	// Edit (synthesized, fan-out only)
	EditIndex   int     `json:"edit_index,omitempty"`
	EditNewText *string `json:"edit_new_text,omitempty"`

	// ReactionEvent (synthesized, fan-out only)
	ReactionIndex int    `json:"reaction_index,omitempty"`
	ReactionEmoji string `json:"reaction_emoji,omitempty"`
	ReactionOp    ReactionOp `json:"reaction_op,omitempty"`

	// LinkPreview (synthesized, fan-out only)
	LinkPreviewMessageIndex int    `json:"link_preview_message_index,omitempty"`
	LinkPreviewURL          string `json:"link_preview_url,omitempty"`
	LinkPreviewTitle        string `json:"link_preview_title,omitempty"`
	LinkPreviewDescription  string `json:"link_preview_description,omitempty"`
}

// ReactionEntry is one emoji's authorship at a given message index.
type ReactionEntry struct {
	Emoji   string   `json:"emoji"`
	Authors []string `json:"authors"`
}

// Count returns the number of authors currently attached to this emoji
// (repeat taps by the same author grow Authors, so Count == len(Authors),
// not the number of distinct authors).
func (r ReactionEntry) Count() int {
	return len(r.Authors)
}
