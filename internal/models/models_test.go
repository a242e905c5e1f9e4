package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected MessageID
		wantErr  bool
	}{
		{"Number", `{"id": 42}`, "42", false},
		{"Large number", `{"id": 1755858585123}`, "1755858585123", false},
		{"String", `{"id": "abc-123"}`, "abc-123", false},
		{"Object", `{"id": {}}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			err := json.Unmarshal([]byte(tt.input), &m)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.ID != tt.expected {
				t.Errorf("expected id %q, got %q", tt.expected, m.ID)
			}
		})
	}
}

func TestContentDuplicate(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msg := func(content, sender string, at time.Time) Message {
		return Message{Content: content, SenderDisplayName: sender, CreatedAt: at}
	}

	tests := []struct {
		name     string
		a, b     Message
		expected bool
	}{
		{"Identical", msg("hi", "Alice", base), msg("hi", "Alice", base), true},
		{"Within window", msg("hi", "Alice", base), msg("hi", "Alice", base.Add(2*time.Second)), true},
		{"Within window reversed", msg("hi", "Alice", base.Add(time.Second)), msg("hi", "Alice", base), true},
		{"Outside window", msg("hi", "Alice", base), msg("hi", "Alice", base.Add(2*time.Second+time.Millisecond)), false},
		{"Different content", msg("hi", "Alice", base), msg("hello", "Alice", base), false},
		{"Different sender", msg("hi", "Alice", base), msg("hi", "Bob", base), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContentDuplicate(tt.a, tt.b); got != tt.expected {
				t.Errorf("ContentDuplicate() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParticipantKey(t *testing.T) {
	withID := Participant{UserID: "u1", DisplayName: "Alice"}
	if withID.Key() != "u1" {
		t.Errorf("expected user id key, got %q", withID.Key())
	}

	anon := Participant{DisplayName: "Ghost", Anonymous: true}
	if anon.Key() != "Ghost" {
		t.Errorf("expected display name key, got %q", anon.Key())
	}
}

func TestEvent_Unmarshal(t *testing.T) {
	data := `{
		"type": "user_list",
		"roomId": "global",
		"users": [
			{"userId": "u1", "displayName": "Alice", "displayColor": "#f00"},
			{"userId": null, "displayName": "Ghost", "displayColor": "#0f0"}
		]
	}`

	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ev.Type != EventTypeUserList {
		t.Errorf("expected user_list, got %s", ev.Type)
	}
	if len(ev.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(ev.Users))
	}

	alice := ev.Users[0].Participant()
	if alice.UserID != "u1" || alice.Anonymous {
		t.Errorf("expected identified participant, got %+v", alice)
	}

	ghost := ev.Users[1].Participant()
	if !ghost.Anonymous || ghost.Key() != "Ghost" {
		t.Errorf("expected anonymous participant keyed by name, got %+v", ghost)
	}
}

func TestClientFrame_Marshal(t *testing.T) {
	data, err := json.Marshal(ClientFrame{Type: EventTypeMessage, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"type":"message","content":"hi"}`
	if string(data) != expected {
		t.Errorf("expected %s, got %s", expected, data)
	}
}
