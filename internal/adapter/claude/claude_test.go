package claude

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	agendo "github.com/agendo/core"
)

func TestParseKnownSlashCommand(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"/compact", true},
		{"/model opus", true},
		{"/not-a-real-command", false},
		{"hello /compact", false},
		{"plain text", false},
	}
	for _, c := range cases {
		_, ok := parseKnownSlashCommand(c.in)
		if ok != c.want {
			t.Errorf("parseKnownSlashCommand(%q) ok = %v, want %v", c.in, ok, c.want)
		}
	}
}

func TestOnLineSessionInit(t *testing.T) {
	a := New("claude", nil)
	var got []agendo.Event
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { got = append(got, e) })

	a.onLine(`{"type":"system","subtype":"init","session_id":"sess-123"}`)

	if a.ExtractSessionID() != "sess-123" {
		t.Fatalf("sessionRef = %q, want sess-123", a.ExtractSessionID())
	}
	if len(got) != 1 || got[0].Type != agendo.EventSessionInit {
		t.Fatalf("got %+v, want one session:init event", got)
	}
}

func TestOnLineAssistantTextAndToolUse(t *testing.T) {
	a := New("claude", nil)
	var got []agendo.Event
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { got = append(got, e) })

	var thinkingStates []bool
	a.thinkingCBs = append(a.thinkingCBs, func(v bool) { thinkingStates = append(thinkingStates, v) })

	line := `{"type":"assistant","message":{"content":[
		{"type":"text","text":"hello"},
		{"type":"tool_use","id":"tu1","name":"bash","input":{"command":"ls"}}
	]}}`
	a.onLine(line)

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Type != agendo.EventAgentText {
		t.Errorf("got[0].Type = %v, want agent:text", got[0].Type)
	}
	if got[1].Type != agendo.EventAgentToolStart {
		t.Errorf("got[1].Type = %v, want agent:tool-start", got[1].Type)
	}
	if len(thinkingStates) != 1 || !thinkingStates[0] {
		t.Errorf("thinking states = %v, want [true]", thinkingStates)
	}
}

func TestOnLineToolResult(t *testing.T) {
	a := New("claude", nil)
	var got []agendo.Event
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { got = append(got, e) })

	line := `{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tu1","content":"output text","is_error":false}
	]}}`
	a.onLine(line)

	if len(got) != 1 || got[0].Type != agendo.EventAgentToolEnd {
		t.Fatalf("got %+v, want one agent:tool-end event", got)
	}
	var payload map[string]any
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["toolUseId"] != "tu1" {
		t.Errorf("toolUseId = %v, want tu1", payload["toolUseId"])
	}
}

func TestOnLineResultTogglesThinkingOff(t *testing.T) {
	a := New("claude", nil)
	a.thinking = true
	var got []agendo.Event
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { got = append(got, e) })
	var thinkingStates []bool
	a.thinkingCBs = append(a.thinkingCBs, func(v bool) { thinkingStates = append(thinkingStates, v) })

	a.onLine(`{"type":"result","num_turns":1,"duration_ms":500,"total_cost_usd":0.01}`)

	if len(got) != 1 || got[0].Type != agendo.EventAgentResult {
		t.Fatalf("got %+v, want one agent:result event", got)
	}
	if len(thinkingStates) != 1 || thinkingStates[0] {
		t.Errorf("thinking states = %v, want [false]", thinkingStates)
	}
}

func TestOnLineMalformedWarnsAndSkips(t *testing.T) {
	var buf bytes.Buffer
	a := New("claude", slog.New(slog.NewTextHandler(&buf, nil)))
	called := false
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { called = true })
	a.onLine(`not json`)
	if called {
		t.Error("malformed line should not emit any event")
	}
	if !strings.Contains(buf.String(), "malformed stdout line") {
		t.Errorf("expected a warn log for the malformed line, got %q", buf.String())
	}
}

func TestFactoryRequiresBinaryPath(t *testing.T) {
	if _, err := Factory(agendo.AgentSpec{Kind: agendo.AgentClaude}); err == nil {
		t.Error("expected error for missing binary path")
	}
	ad, err := Factory(agendo.AgentSpec{Kind: agendo.AgentClaude, BinaryPath: "/usr/bin/claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ad == nil {
		t.Error("expected non-nil adapter")
	}
}
