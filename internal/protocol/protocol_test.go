package protocol

import (
	"encoding/json"
	"testing"
)

func TestClientMessageNormalRoundTrip(t *testing.T) {
	msg := ClientMessage{
		Type:      ClientNormal,
		UUID:      "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa",
		Timestamp: 1000,
		Normal:    &NormalMsg{Text: "hi"},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ClientMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != ClientNormal || got.Normal == nil || got.Normal.Text != "hi" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestClientMessageDiscriminatorPresent(t *testing.T) {
	msg := ClientMessage{Type: ClientSync, Sync: &SyncMsg{Attribute: SyncAttrConnect}}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["type"] != "sync" {
		t.Fatalf("discriminator field missing or wrong: %v", raw["type"])
	}
}

func TestReactionEntryCountReflectsAuthorsLength(t *testing.T) {
	r := ReactionEntry{Emoji: "smile", Authors: []string{"a", "a", "b"}}
	if r.Count() != 3 {
		t.Fatalf("got %d, want 3 (duplicates allowed)", r.Count())
	}
}

func TestServerMasterRoundTrip(t *testing.T) {
	idx := 2
	master := ServerMasterMsg{
		Messages: []LogEntry{
			{Kind: KindNormal, Text: "hi", AuthorUUID: "u1"},
		},
		Reactions:      [][]ReactionEntry{{}},
		UserSeenList:   map[string]int{"u1": 0},
		Profiles:       map[string]Profile{"u1": {Username: "alice"}},
		ConnectedUUIDs: []string{"u1"},
	}
	_ = idx
	sm := ServerMessage{Type: ServerMaster, Master: &master}
	data, err := json.Marshal(sm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ServerMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Master == nil || len(got.Master.Messages) != 1 || got.Master.Messages[0].Text != "hi" {
		t.Fatalf("round trip mismatch: %+v", got.Master)
	}
}

func TestLogEntryEditSynthesizedFields(t *testing.T) {
	newText := "hello"
	entry := LogEntry{Kind: KindEdit, EditIndex: 2, EditNewText: &newText}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got LogEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindEdit || got.EditIndex != 2 || got.EditNewText == nil || *got.EditNewText != "hello" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
