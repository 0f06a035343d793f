package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"hearthcore/internal/broker"
	"hearthcore/internal/protocol"
	"hearthcore/internal/wire"
)

// fakeServer speaks just enough of the handshake + catch-up protocol to
// exercise the client runtime without a real broker/listener loop.
type fakeServer struct {
	ln  net.Listener
	key []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	key, err := wire.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return &fakeServer{ln: ln, key: key}
}

func (f *fakeServer) addr() string { return f.ln.Addr().String() }

func (f *fakeServer) acceptAndHandshake(t *testing.T, rejectWith string, push *protocol.ServerMessage) {
	t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		t.Errorf("Accept: %v", err)
		return
	}
	defer conn.Close()

	if _, err := wire.ReadMessage(conn); err != nil {
		t.Errorf("read handshake: %v", err)
		return
	}

	if rejectWith != "" {
		wire.WriteMessage(conn, []byte(rejectWith))
		return
	}
	wire.WriteMessage(conn, []byte(hex.EncodeToString(f.key)))

	// §4.3 step 8: the master is sent unprompted, as the first encrypted
	// frame, without waiting for any request from the client.
	master := protocol.ServerMessage{
		Type: protocol.ServerMaster,
		Master: &protocol.ServerMasterMsg{
			Messages:       []protocol.LogEntry{{Kind: protocol.KindNormal, Text: "hello", AuthorUUID: "u0"}},
			Reactions:      [][]protocol.ReactionEntry{{}},
			UserSeenList:   map[string]int{"u0": -1},
			Profiles:       map[string]protocol.Profile{"u0": {Username: "alice"}},
			ConnectedUUIDs: []string{"u0"},
		},
	}
	payload, _ := json.Marshal(master)
	ciphertext, _ := wire.Encrypt(f.key, payload)
	wire.WriteMessage(conn, ciphertext)

	if push != nil {
		payload, _ := json.Marshal(push)
		ciphertext, _ := wire.Encrypt(f.key, payload)
		wire.WriteMessage(conn, ciphertext)
	}

	// Keep the connection open briefly so the client's receive loop has a
	// chance to observe the pushed frame before teardown.
	time.Sleep(100 * time.Millisecond)
}

func TestConnectHandshakeAndCatchUp(t *testing.T) {
	srv := newFakeServer(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.acceptAndHandshake(t, "", nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, srv.addr(), "u1", "", protocol.Profile{Username: "bob"}, Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if client.Len() != 1 {
		t.Fatalf("expected catch-up to install 1 message, got %d", client.Len())
	}
	entry, ok := client.MessageAt(0)
	if !ok || entry.Text != "hello" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, ok := client.Profile("u0"); !ok {
		t.Fatal("expected u0's profile to be mirrored")
	}

	<-done
}

func TestConnectRejectedPassword(t *testing.T) {
	srv := newFakeServer(t)
	go srv.acceptAndHandshake(t, broker.MsgInvalidPassword, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, srv.addr(), "u1", "wrong", protocol.Profile{Username: "bob"}, Callbacks{})
	if err != ErrInvalidPassword {
		t.Fatalf("got %v, want ErrInvalidPassword", err)
	}
}

func TestReceiveLoopAppliesPushedNormalMessage(t *testing.T) {
	srv := newFakeServer(t)
	push := &protocol.ServerMessage{
		Type: protocol.ServerSync,
		Sync: &protocol.ServerSyncMsg{
			Entry:        protocol.LogEntry{Kind: protocol.KindNormal, Text: "world", AuthorUUID: "u0"},
			UserSeenList: map[string]int{"u0": 0},
		},
	}
	go srv.acceptAndHandshake(t, "", push)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan protocol.LogEntry, 1)
	client, err := Connect(ctx, srv.addr(), "u1", "", protocol.Profile{Username: "bob"}, Callbacks{
		OnLogEntry: func(index int, entry protocol.LogEntry) { received <- entry },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	select {
	case entry := <-received:
		if entry.Text != "world" {
			t.Fatalf("got text %q", entry.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed entry")
	}
	if client.Len() != 2 {
		t.Fatalf("expected 2 messages after push, got %d", client.Len())
	}
}

func TestApplyReactionOpAddThenRemove(t *testing.T) {
	entries := applyReactionOp(nil, "👍", "u0", protocol.ReactionAdd)
	if len(entries) != 1 || entries[0].Count() != 1 {
		t.Fatalf("got %+v", entries)
	}
	entries = applyReactionOp(entries, "👍", "u0", protocol.ReactionAdd)
	if entries[0].Count() != 2 {
		t.Fatalf("expected non-idempotent add, got count %d", entries[0].Count())
	}
	entries = applyReactionOp(entries, "👍", "u0", protocol.ReactionRemove)
	if entries[0].Count() != 1 {
		t.Fatalf("expected one remaining author, got count %d", entries[0].Count())
	}
	entries = applyReactionOp(entries, "👍", "u0", protocol.ReactionRemove)
	if len(entries) != 0 {
		t.Fatalf("expected emoji entry to be removed once empty, got %+v", entries)
	}
}
