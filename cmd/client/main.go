// Command hearthcore-client is a minimal terminal harness for the control
// client runtime: it connects, prints incoming chat activity to
// stdout, and sends whatever it reads from stdin as plain text messages.
// A real UI is out of scope for this repo; this exists to exercise
// internal/session end to end.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"hearthcore/internal/protocol"
	"hearthcore/internal/session"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7700", "server control address")
	username := flag.String("username", "guest", "display username")
	password := flag.String("password", "", "server password, if required")
	flag.Parse()

	id := uuid.NewString()
	profile := protocol.Profile{Username: *username}

	ctx := context.Background()
	client, err := session.Connect(ctx, *addr, id, *password, profile, session.Callbacks{
		OnLogEntry: func(index int, entry protocol.LogEntry) {
			printEntry(index, entry)
		},
		OnDisconnect: func(err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
			}
			os.Exit(0)
		},
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()

	fmt.Printf("connected as %s (%s)\n", *username, id)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := client.SendText(line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}

func printEntry(index int, entry protocol.LogEntry) {
	switch entry.Kind {
	case protocol.KindNormal:
		fmt.Printf("[%d] %s: %s\n", index, entry.AuthorName, entry.Text)
	case protocol.KindDeleted:
		fmt.Printf("[%d] (message deleted)\n", index)
	case protocol.KindUpload, protocol.KindImage, protocol.KindAudio:
		fmt.Printf("[%d] %s shared %s (%s)\n", index, entry.AuthorName, entry.FileName, entry.Fingerprint)
	case protocol.KindServerEvent:
		if entry.ServerEvent != nil {
			fmt.Printf("[%d] %s %s\n", index, entry.AuthorName, *entry.ServerEvent)
		}
	case protocol.KindVoipEvent, protocol.KindVoipState:
		fmt.Printf("[%d] voip update\n", index)
	}
}
