package gemini

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	agendo "github.com/agendo/core"
)

func TestOnLineResponseResolvesPending(t *testing.T) {
	a := New("gemini", nil)
	ch := make(chan rpcMessage, 1)
	id := int64(1)
	a.pending[id] = ch

	a.onLine(`{"jsonrpc":"2.0","id":1,"result":{"sessionId":"s1"}}`)

	select {
	case msg := <-ch:
		if msg.Error != nil {
			t.Fatalf("unexpected error: %v", msg.Error)
		}
	default:
		t.Fatal("pending request was not resolved")
	}
	if _, ok := a.pending[id]; ok {
		t.Error("resolved request should be removed from the pending table")
	}
}

func TestOnLineSessionUpdateEmitsTextDelta(t *testing.T) {
	a := New("gemini", nil)
	var got []agendo.Event
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { got = append(got, e) })

	a.onLine(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}}`)

	if len(got) != 1 || got[0].Type != agendo.EventAgentTextDelta {
		t.Fatalf("got %+v, want one agent:text-delta event", got)
	}
}

func TestOnLineSessionUpdateThoughtChunk(t *testing.T) {
	a := New("gemini", nil)
	var got []agendo.Event
	a.dataCBs = append(a.dataCBs, func(e agendo.Event) { got = append(got, e) })

	a.onLine(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"pondering"}}}}`)

	if len(got) != 1 || got[0].Type != agendo.EventAgentThinking {
		t.Fatalf("got %+v, want one agent:thinking event", got)
	}
}

func TestOnLineMalformedWarns(t *testing.T) {
	var buf bytes.Buffer
	a := New("gemini", slog.New(slog.NewTextHandler(&buf, nil)))
	a.onLine(`not json`)
	if !strings.Contains(buf.String(), "malformed stdout line") {
		t.Errorf("expected a warn log for the malformed line, got %q", buf.String())
	}
}

func TestHandleExitRejectsAllPending(t *testing.T) {
	a := New("gemini", nil)
	ch1 := make(chan rpcMessage, 1)
	ch2 := make(chan rpcMessage, 1)
	a.pending[1] = ch1
	a.pending[2] = ch2

	a.handleExit(1, nil)

	for _, ch := range []chan rpcMessage{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Error == nil {
				t.Error("expected pending request to be rejected with an error on process exit")
			}
		default:
			t.Error("pending request channel was never signaled")
		}
	}
}

func TestFactoryRequiresBinaryPath(t *testing.T) {
	if _, err := Factory(agendo.AgentSpec{Kind: agendo.AgentGemini}); err == nil {
		t.Error("expected error for missing binary path")
	}
}
