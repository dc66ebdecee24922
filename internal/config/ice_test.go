package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers[0]=%+v", servers[0])
	}
	if servers[1].Username != "u" {
		t.Fatalf("servers[1].Username=%q", servers[1].Username)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "c" {
		t.Fatalf("servers[1].Credential=%v", servers[1].Credential)
	}
}

func TestParseICEServersJSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", "nope", "invalid character"},
		{"missing urls", `[{"username": "u"}]`, "missing urls"},
		{"bad scheme", `[{"urls": "http://example.com"}]`, "unsupported url scheme"},
		{"turn without username", `[{"urls": "turn:turn.example.com", "credential": "c"}]`, "turn urls require username"},
		{"turn without credential", `[{"urls": "turn:turn.example.com", "username": "u"}]`, "turn urls require credential"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseICEServersConvenienceValues(t *testing.T) {
	servers, err := parseICEServersFromValues("", "stun:a.example.com, stun:b.example.com", "turn:t.example.com", "user", "pass")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun URLs=%v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Fatalf("turn Username=%q", servers[1].Username)
	}
}

func TestParseICEServersTurnRequiresBothCreds(t *testing.T) {
	if _, err := parseICEServersFromValues("", "", "turn:t.example.com", "user", ""); err == nil {
		t.Fatalf("expected error for missing credential")
	}
	if _, err := parseICEServersFromValues("", "", "turn:t.example.com", "", "pass"); err == nil {
		t.Fatalf("expected error for missing username")
	}
}

func TestParseICEServersJSONWins(t *testing.T) {
	servers, err := parseICEServersFromValues(`[{"urls": "stun:json.example.com"}]`, "stun:env.example.com", "", "", "")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("servers=%v, want only the JSON entry", servers)
	}
}

func TestParseICEServersEmptyIsValid(t *testing.T) {
	servers, err := parseICEServersFromValues("", "", "", "", "")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("servers=%v, want none", servers)
	}
}
