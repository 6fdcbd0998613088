package notify

import "testing"

func TestChannelNamesStripDashes(t *testing.T) {
	sid := "a1b2c3d4-e5f6-7890-abcd-ef1234567890"
	if got := eventsChannel(sid); got != "events_a1b2c3d4e5f67890abcdef1234567890" {
		t.Errorf("unexpected events channel: %s", got)
	}
	if got := controlChannel(sid); got != "control_a1b2c3d4e5f67890abcdef1234567890" {
		t.Errorf("unexpected control channel: %s", got)
	}
}

func TestRefStubMarshalsExpectedShape(t *testing.T) {
	stub := refStub{Type: "ref", OriginalType: "agent:tool-end", ID: "evt-1"}
	if stub.Type != "ref" || stub.OriginalType != "agent:tool-end" || stub.ID != "evt-1" {
		t.Fatalf("unexpected stub: %+v", stub)
	}
}
