package broker

import "hearthcore/internal/protocol"

// Session is the per-connection write surface the broker needs: an
// encrypted/framed control-message sender, a plaintext sender for the
// handshake/shutdown control strings, and a way to tear the connection
// down. Implementations live in internal/control and own the actual
// net.Conn plus the per-writer mutex described in the concurrency model —
// the broker never touches a socket directly.
type Session interface {
	UUID() string
	SendServerMessage(msg *protocol.ServerMessage) error
	SendPlain(s string) error
	RemoteIP() string
	Close() error
}

// Peer is the broker's bookkeeping record for one connected client.
// Fan-out writes go through send, which hands the message to the Session;
// serializing per-destination writes is the Session implementation's job
// (internal/control's conn holds a per-connection write mutex).
type Peer struct {
	UUID     string
	Username string

	session Session
}

func (p *Peer) send(msg *protocol.ServerMessage) error {
	return p.session.SendServerMessage(msg)
}
