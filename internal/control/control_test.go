package control

import (
	"context"
	"net"
	"testing"
	"time"

	"hearthcore/internal/broker"
	"hearthcore/internal/content"
	"hearthcore/internal/protocol"
	"hearthcore/internal/session"
)

func startTestServer(t *testing.T) (addr string, b *broker.Broker) {
	t.Helper()
	b, err := broker.New("", content.NewStores(""))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := New(ln, b, Limits{MaxConnections: 64, PerIPLimit: 16, IdleTimeout: 0})
	go srv.Serve()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), b
}

func TestTwoClientsExchangeTextOverRealSockets(t *testing.T) {
	addr, b := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var aEntries []protocol.LogEntry
	clientA, err := session.Connect(ctx, addr, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", "", protocol.Profile{Username: "alice"}, session.Callbacks{
		OnLogEntry: func(index int, entry protocol.LogEntry) { aEntries = append(aEntries, entry) },
	})
	if err != nil {
		t.Fatalf("clientA connect: %v", err)
	}
	defer clientA.Close()

	received := make(chan protocol.LogEntry, 4)
	clientB, err := session.Connect(ctx, addr, "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", "", protocol.Profile{Username: "bob"}, session.Callbacks{
		OnLogEntry: func(index int, entry protocol.LogEntry) { received <- entry },
	})
	if err != nil {
		t.Fatalf("clientB connect: %v", err)
	}
	defer clientB.Close()

	if err := clientA.SendText("hi bob"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var saw bool
	for !saw {
		select {
		case entry := <-received:
			if entry.Text == "hi bob" {
				saw = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for clientB to observe the text message")
		}
	}

	if b.ClientCount() != 2 {
		t.Fatalf("expected 2 connected clients, got %d", b.ClientCount())
	}
	_ = aEntries
}
