// Package control implements the server side of the TCP control
// connection (C3): accepting sockets, running the plaintext handshake,
// and the per-connection read loop that feeds decoded messages to the
// broker. It is the concrete internal/broker.Session the broker writes
// back through.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"hearthcore/internal/broker"
	"hearthcore/internal/protocol"
	"hearthcore/internal/wire"
)

// Limits bounds how many connections the server accepts, matching
// internal/config's knobs.
type Limits struct {
	MaxConnections int
	PerIPLimit     int
	IdleTimeout    time.Duration
}

// Server accepts TCP connections and runs each one against a Broker.
type Server struct {
	ln     net.Listener
	broker *broker.Broker
	limits Limits

	mu    sync.Mutex
	total int
	perIP map[string]int
}

// New wraps an already-bound listener (typically TLS-wrapped by the
// caller via tls.NewListener) for Serve to accept on.
func New(ln net.Listener, b *broker.Broker, limits Limits) *Server {
	return &Server{
		ln:     ln,
		broker: b,
		limits: limits,
		perIP:  make(map[string]int),
	}
}

// Serve blocks accepting connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	ip := remoteIP(nc)
	if !s.admit(ip) {
		slog.Warn("control: connection rejected by limits", "ip", ip)
		nc.Close()
		return
	}
	defer s.release(ip)
	defer nc.Close()

	c := &conn{nc: nc, remoteIP: ip}
	if s.limits.IdleTimeout > 0 {
		nc.SetDeadline(time.Now().Add(s.limits.IdleTimeout))
	}

	uuid, password, profile, err := readHandshakeRequest(nc)
	if err != nil {
		slog.Debug("control: malformed handshake", "ip", ip, "error", err)
		return
	}
	c.uuid = uuid

	reconnect, master, err := s.broker.Connect(c, uuid, password, profile)
	if err != nil {
		writeHandshakeFailure(nc, err)
		return
	}

	if err := wire.WriteMessage(nc, []byte(s.broker.HexKey())); err != nil {
		slog.Debug("control: failed to send key", "uuid", uuid, "error", err)
		return
	}
	c.key = s.broker.DecryptionKey()

	// §4.3 step 8: send the ServerMaster catch-up snapshot built atomically
	// with this peer's registration (see Broker.Connect), so it is
	// deterministically the first encrypted frame this socket ever sees.
	if err := c.SendServerMessage(&protocol.ServerMessage{Type: protocol.ServerMaster, Master: &master}); err != nil {
		slog.Debug("control: failed to send master", "uuid", uuid, "error", err)
		return
	}

	slog.Info("control: client connected", "uuid", uuid, "ip", ip, "reconnect", reconnect)
	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	for {
		if s.limits.IdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		}
		ciphertext, err := wire.ReadMessage(c.nc)
		if err != nil {
			s.broker.Disconnect(c.uuid, protocol.ServerEventDisconnect)
			return
		}
		plaintext, err := wire.Decrypt(c.key, ciphertext)
		if err != nil {
			slog.Debug("control: decrypt failed", "uuid", c.uuid, "error", err)
			continue
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(plaintext, &msg); err != nil {
			slog.Debug("control: unmarshal failed", "uuid", c.uuid, "error", err)
			continue
		}

		if err := s.broker.Authorize(c.uuid); err != nil {
			slog.Debug("control: authorize failed", "uuid", c.uuid, "error", err)
			return
		}

		reply, err := s.broker.HandleClientMessage(c.uuid, &msg)
		if err != nil {
			if errors.Is(err, broker.ErrDisconnectRequested) {
				s.broker.Disconnect(c.uuid, protocol.ServerEventDisconnect)
				return
			}
			slog.Debug("control: handle message failed", "uuid", c.uuid, "error", err)
			continue
		}
		if reply != nil {
			if err := c.SendServerMessage(reply); err != nil {
				slog.Debug("control: send reply failed", "uuid", c.uuid, "error", err)
				return
			}
		}
	}
}

func (s *Server) admit(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits.MaxConnections > 0 && s.total >= s.limits.MaxConnections {
		return false
	}
	if s.limits.PerIPLimit > 0 && s.perIP[ip] >= s.limits.PerIPLimit {
		return false
	}
	s.total++
	s.perIP[ip]++
	return true
}

func (s *Server) release(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total--
	s.perIP[ip]--
	if s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
}

func remoteIP(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}

// readHandshakeRequest reads the first (plaintext) framed message, which
// must be a Sync{Connect} request.
func readHandshakeRequest(nc net.Conn) (uuid, password string, profile protocol.Profile, err error) {
	payload, err := wire.ReadMessage(nc)
	if err != nil {
		return "", "", protocol.Profile{}, err
	}
	var msg protocol.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", "", protocol.Profile{}, fmt.Errorf("control: unmarshal handshake: %w", err)
	}
	if msg.Type != protocol.ClientSync || msg.Sync == nil || msg.Sync.Attribute != protocol.SyncAttrConnect {
		return "", "", protocol.Profile{}, fmt.Errorf("control: expected sync/connect, got %s", msg.Type)
	}
	var profileVal protocol.Profile
	if msg.Sync.Profile != nil {
		profileVal = *msg.Sync.Profile
	} else {
		profileVal = protocol.Profile{Username: msg.Sync.Username}
	}
	return msg.UUID, msg.Sync.Password, profileVal, nil
}

// writeHandshakeFailure sends the plaintext rejection string(s) §4.3 step 4
// requires before the caller closes the connection. A ban additionally
// gets the disconnect notice that follows it elsewhere in the same step.
func writeHandshakeFailure(nc net.Conn, err error) {
	switch {
	case errors.Is(err, broker.ErrInvalidPassword):
		_ = wire.WriteMessage(nc, []byte(broker.MsgInvalidPassword))
	case errors.Is(err, broker.ErrBanned):
		_ = wire.WriteMessage(nc, []byte(broker.MsgBanned))
		_ = wire.WriteMessage(nc, []byte(broker.MsgDisconnecting))
	default:
		_ = wire.WriteMessage(nc, []byte(broker.MsgFailedAuth))
	}
}

// conn is the concrete broker.Session for one accepted connection.
type conn struct {
	nc       net.Conn
	key      []byte
	uuid     string
	remoteIP string

	writeMu sync.Mutex
}

func (c *conn) UUID() string { return c.uuid }

func (c *conn) SendServerMessage(msg *protocol.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("control: marshal server message: %w", err)
	}
	ciphertext, err := wire.Encrypt(c.key, payload)
	if err != nil {
		return fmt.Errorf("control: encrypt server message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.nc, ciphertext)
}

func (c *conn) SendPlain(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.nc, []byte(s))
}

func (c *conn) RemoteIP() string { return c.remoteIP }

func (c *conn) Close() error { return c.nc.Close() }
